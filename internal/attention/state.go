package attention

import (
	"fmt"
	"math"
)

// HeadMemoryState is the persistent compressive memory of one head. The
// orchestrator owns one per head; backends mutate it only in their memory
// update stage.
type HeadMemoryState interface {
	Head() int
	RawGate() float32
	// Snapshot copies the current memory matrix and normalizer to the host.
	Snapshot() (Snapshot, error)
}

// Snapshot is a host copy of a head's memory.
type Snapshot struct {
	Head     int
	KeyDim   int
	ValueDim int
	Memory   []float32 // KeyDim × ValueDim, row-major
	Norm     []float32 // KeyDim
	RawGate  float32
}

// Gate returns sigmoid(RawGate).
func (s Snapshot) Gate() float32 { return Gate(s.RawGate) }

// Mass is the total accumulated key mass, Σ z.
func (s Snapshot) Mass() float64 {
	var m float64
	for _, z := range s.Norm {
		m += float64(z)
	}
	return m
}

// Check reports ErrNumericDegeneracy when the normalizer is negative or
// anything in the memory is not finite.
func (s Snapshot) Check() error {
	for i, z := range s.Norm {
		if math.IsNaN(float64(z)) || math.IsInf(float64(z), 0) || z < 0 {
			return fmt.Errorf("%w: head %d normalizer[%d] = %v", ErrNumericDegeneracy, s.Head, i, z)
		}
	}
	for i, m := range s.Memory {
		if math.IsNaN(float64(m)) || math.IsInf(float64(m), 0) {
			return fmt.Errorf("%w: head %d memory[%d] = %v", ErrNumericDegeneracy, s.Head, i, m)
		}
	}
	return nil
}

// HealthWidth is the number of values a Health occupies when it is packed
// into a float32 buffer.
const HealthWidth = 6

// Health summarises a head's memory after an update. Backends compute it
// where the memory lives so the host does not need a full Snapshot.
type Health struct {
	Head          int
	MemoryNaNs    int
	MemoryInfs    int
	NormNaNs      int
	NormInfs      int
	NormNegatives int
	Mass          float64 // Σ z
}

// UnpackHealth reads the Health of head from a packed buffer.
func UnpackHealth(head int, packed []float32) Health {
	p := packed[head*HealthWidth : (head+1)*HealthWidth]
	return Health{
		Head:          head,
		MemoryNaNs:    int(p[0]),
		MemoryInfs:    int(p[1]),
		NormNaNs:      int(p[2]),
		NormInfs:      int(p[3]),
		NormNegatives: int(p[4]),
		Mass:          float64(p[5]),
	}
}

// Pack writes h into dst[:HealthWidth].
func (h Health) Pack(dst []float32) {
	dst[0] = float32(h.MemoryNaNs)
	dst[1] = float32(h.MemoryInfs)
	dst[2] = float32(h.NormNaNs)
	dst[3] = float32(h.NormInfs)
	dst[4] = float32(h.NormNegatives)
	dst[5] = float32(h.Mass)
}

// Check reports ErrNumericDegeneracy when the normalizer is negative or
// anything in the memory is not finite.
func (h Health) Check() error {
	if h.NormNaNs+h.NormInfs+h.NormNegatives > 0 {
		return fmt.Errorf("%w: head %d normalizer has %d NaN, %d Inf, %d negative values",
			ErrNumericDegeneracy, h.Head, h.NormNaNs, h.NormInfs, h.NormNegatives)
	}
	if h.MemoryNaNs+h.MemoryInfs > 0 {
		return fmt.Errorf("%w: head %d memory has %d NaN, %d Inf values",
			ErrNumericDegeneracy, h.Head, h.MemoryNaNs, h.MemoryInfs)
	}
	return nil
}

// Inspect computes the Health of one head's host-resident memory.
func Inspect(head int, mem, norm []float32) Health {
	h := Health{Head: head}
	for _, z := range norm {
		switch {
		case math.IsNaN(float64(z)):
			h.NormNaNs++
		case math.IsInf(float64(z), 0):
			h.NormInfs++
		case z < 0:
			h.NormNegatives++
			h.Mass += float64(z)
		default:
			h.Mass += float64(z)
		}
	}
	for _, m := range mem {
		switch {
		case math.IsNaN(float64(m)):
			h.MemoryNaNs++
		case math.IsInf(float64(m), 0):
			h.MemoryInfs++
		}
	}
	return h
}
