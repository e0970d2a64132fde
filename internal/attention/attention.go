// Package attention holds the math shared by every backend of the segmented
// compressive-memory attention engine: dimension bookkeeping, the feature map
// used by the linear-attention memory, the gate, the QKV projection and the
// contract for per-head memory state.
package attention

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNumericDegeneracy    = errors.New("numeric degeneracy")
)

// Epsilon floors the memory read denominator so an empty memory reads as zero.
const Epsilon float32 = 1e-6

// Dims describes how d_model is partitioned into query/key/value chunks.
// Every head works on the full chunk width and owns a Key × Value memory.
type Dims struct {
	Model int
	Key   int
	Value int
	Heads int
}

// NewDims validates model/heads and derives the chunk widths.
func NewDims(model, heads int) (Dims, error) {
	if model <= 0 {
		return Dims{}, fmt.Errorf("%w: embed_dim %d (must be positive)", ErrInvalidConfiguration, model)
	}
	if model%3 != 0 {
		return Dims{}, fmt.Errorf("%w: embed_dim %d (must be divisible by 3)", ErrInvalidConfiguration, model)
	}
	if heads <= 0 {
		return Dims{}, fmt.Errorf("%w: num_heads %d (must be positive)", ErrInvalidConfiguration, heads)
	}
	return Dims{Model: model, Key: model / 3, Value: model / 3, Heads: heads}, nil
}

// Scale is 1/sqrt(d_key).
func (d Dims) Scale() float32 {
	return float32(1.0 / math.Sqrt(float64(d.Key)))
}

// HeadOffset locates head h's n × width block inside a projected tensor of
// length size. A tensor holding a single block is shared by every head;
// otherwise heads are stacked head-major.
func HeadOffset(size, n, width, head int) int {
	if size == n*width {
		return 0
	}
	return head * n * width
}

// HeadBlock returns head h's n × width block of t.
func HeadBlock(t []float32, n, width, head int) []float32 {
	off := HeadOffset(len(t), n, width, head)
	return t[off : off+n*width]
}

// FeatureMap is the non-negative map σ applied to queries and keys before
// they touch memory: ELU(x)+1.
func FeatureMap(x float32) float32 {
	if x > 0 {
		return x + 1
	}
	return float32(math.Exp(float64(x)))
}

// Gate maps a raw gate parameter into the open interval (0,1).
// Gate(0) is exactly 0.5.
func Gate(raw float32) float32 {
	g := float32(1.0 / (1.0 + math.Exp(-float64(raw))))
	if g >= 1 {
		return math.Nextafter32(1, 0)
	}
	if g <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return g
}

// MergeHeads averages the Heads stacked n × Value head outputs and writes
// the result into each of the three partitions of the n × Model output.
func MergeHeads(heads []float32, n int, d Dims) []float32 {
	out := make([]float32, n*d.Model)
	inv := 1 / float32(d.Heads)
	row := make([]float32, d.Value)
	for i := 0; i < n; i++ {
		clear(row)
		for h := 0; h < d.Heads; h++ {
			src := heads[(h*n+i)*d.Value : (h*n+i+1)*d.Value]
			for j, v := range src {
				row[j] += v
			}
		}
		for j := range row {
			row[j] *= inv
		}
		for p := 0; p < 3; p++ {
			copy(out[i*d.Model+p*d.Value:], row)
		}
	}
	return out
}
