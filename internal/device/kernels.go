package device

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-infini/internal/attention"
)

// Params is the uniform block shared by every kernel.
type Params struct {
	N     int
	Model int
	Key   int
	Value int
	Heads int
	Head  int
	// PerHeadQKV is set when q, k and v hold one stacked block per head
	// instead of a single block shared by all heads.
	PerHeadQKV bool
	// Offsets of the addressed head's blocks, filled by WithHead.
	QKOff  int
	VOff   int
	OutOff int
	Scale  float32
	Gate   float32
	Eps    float32
}

// ParamsFor fills the shape fields from d for an n-row segment.
func ParamsFor(d attention.Dims, n int) Params {
	return Params{
		N:     n,
		Model: d.Model,
		Key:   d.Key,
		Value: d.Value,
		Heads: d.Heads,
		Scale: d.Scale(),
		Eps:   attention.Epsilon,
	}
}

// WithHead returns a copy of p addressed at head h. Per-head outputs
// (local, memory, combined) are always stacked N × Value blocks.
func (p Params) WithHead(h int, gate float32) Params {
	p.Head = h
	p.Gate = gate
	p.OutOff = h * p.N * p.Value
	if p.PerHeadQKV {
		p.QKOff = h * p.N * p.Key
		p.VOff = h * p.N * p.Value
	} else {
		p.QKOff, p.VOff = 0, 0
	}
	return p
}

func (p Params) qkLen() int  { return p.QKOff + p.N*p.Key }
func (p Params) vLen() int   { return p.VOff + p.N*p.Value }
func (p Params) outLen() int { return p.OutOff + p.N*p.Value }

// Kernel is a compiled compute program. Run executes one workgroup.
type Kernel struct {
	Name     string
	Bindings int
	Run      func(gid int, p Params, b [][]float32) error
}

func need(kernel string, b [][]float32, sizes ...int) error {
	for i, n := range sizes {
		if len(b[i]) < n {
			return fmt.Errorf("%s: binding %d has %d elements, need %d", kernel, i, len(b[i]), n)
		}
	}
	return nil
}

// SplitQKV partitions each row of x into the q, k and v chunks.
// Bindings: x, q, k, v. Workgroups: N.
var SplitQKV = Kernel{
	Name:     "split_qkv",
	Bindings: 4,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("split_qkv", b, p.N*p.Model, p.N*p.Key, p.N*p.Key, p.N*p.Value); err != nil {
			return err
		}
		row := b[0][gid*p.Model : (gid+1)*p.Model]
		copy(b[1][gid*p.Key:(gid+1)*p.Key], row[:p.Key])
		copy(b[2][gid*p.Key:(gid+1)*p.Key], row[p.Key:2*p.Key])
		copy(b[3][gid*p.Value:(gid+1)*p.Value], row[2*p.Key:2*p.Key+p.Value])
		return nil
	},
}

// LocalAttention computes one query row of softmax(QKᵀ·scale)V for a head.
// Bindings: q, k, v, local. Workgroups: N.
var LocalAttention = Kernel{
	Name:     "local_attention",
	Bindings: 4,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("local_attention", b, p.qkLen(), p.qkLen(), p.vLen(), p.outLen()); err != nil {
			return err
		}
		q, k, v, out := b[0], b[1], b[2], b[3]
		qi := q[p.QKOff+gid*p.Key : p.QKOff+(gid+1)*p.Key]

		scores := make([]float32, p.N)
		maxScore := float32(math.Inf(-1))
		for j := 0; j < p.N; j++ {
			kj := k[p.QKOff+j*p.Key : p.QKOff+(j+1)*p.Key]
			var dot float32
			for t := range qi {
				dot += qi[t] * kj[t]
			}
			scores[j] = dot * p.Scale
			if scores[j] > maxScore {
				maxScore = scores[j]
			}
		}
		var sum float32
		for j := range scores {
			scores[j] = float32(math.Exp(float64(scores[j] - maxScore)))
			sum += scores[j]
		}
		dst := out[p.OutOff+gid*p.Value : p.OutOff+(gid+1)*p.Value]
		clear(dst)
		if sum <= 0 {
			return nil
		}
		inv := 1 / sum
		for j := 0; j < p.N; j++ {
			w := scores[j] * inv
			vj := v[p.VOff+j*p.Value : p.VOff+(j+1)*p.Value]
			for t := range dst {
				dst[t] += w * vj[t]
			}
		}
		return nil
	},
}

// MemoryRetrieve reads a head's memory for one query row:
// σ(q)·M / max(σ(q)·z, eps).
// Bindings: q, memory, norm, out. Workgroups: N.
var MemoryRetrieve = Kernel{
	Name:     "memory_retrieve",
	Bindings: 4,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("memory_retrieve", b, p.qkLen(), p.Key*p.Value, p.Key, p.outLen()); err != nil {
			return err
		}
		q, mem, norm, out := b[0], b[1], b[2], b[3]
		qi := q[p.QKOff+gid*p.Key : p.QKOff+(gid+1)*p.Key]
		dst := out[p.OutOff+gid*p.Value : p.OutOff+(gid+1)*p.Value]
		clear(dst)

		var den float32
		for r, x := range qi {
			phi := attention.FeatureMap(x)
			den += phi * norm[r]
			row := mem[r*p.Value : (r+1)*p.Value]
			for c := range dst {
				dst[c] += phi * row[c]
			}
		}
		if den < p.Eps {
			den = p.Eps
		}
		for c := range dst {
			dst[c] /= den
		}
		return nil
	},
}

// MemoryUpdate accumulates one memory row: M[r] += Σ_i σ(k_i[r])·v_i and
// z[r] += Σ_i σ(k_i[r]).
// Bindings: k, v, memory, norm. Workgroups: Key.
var MemoryUpdate = Kernel{
	Name:     "memory_update",
	Bindings: 4,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("memory_update", b, p.qkLen(), p.vLen(), p.Key*p.Value, p.Key); err != nil {
			return err
		}
		k, v, mem, norm := b[0], b[1], b[2], b[3]

		acc := make([]float32, p.Value)
		var mass float32
		for i := 0; i < p.N; i++ {
			phi := attention.FeatureMap(k[p.QKOff+i*p.Key+gid])
			mass += phi
			vi := v[p.VOff+i*p.Value : p.VOff+(i+1)*p.Value]
			for c := range acc {
				acc[c] += phi * vi[c]
			}
		}
		row := mem[gid*p.Value : (gid+1)*p.Value]
		for c := range row {
			row[c] += acc[c]
		}
		norm[gid] += mass
		return nil
	},
}

// GatedCombine blends one row of a head: gate·memory + (1-gate)·local.
// Bindings: local, memory, combined. Workgroups: N.
var GatedCombine = Kernel{
	Name:     "gated_combine",
	Bindings: 3,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("gated_combine", b, p.outLen(), p.outLen(), p.outLen()); err != nil {
			return err
		}
		base := p.OutOff + gid*p.Value
		for c := 0; c < p.Value; c++ {
			b[2][base+c] = p.Gate*b[1][base+c] + (1-p.Gate)*b[0][base+c]
		}
		return nil
	},
}

// MergeHeads averages one row over the stacked head outputs and writes it
// into each of the three output partitions.
// Bindings: combined, out. Workgroups: N.
var MergeHeads = Kernel{
	Name:     "merge_heads",
	Bindings: 2,
	Run: func(gid int, p Params, b [][]float32) error {
		heads := max(p.Heads, 1)
		if err := need("merge_heads", b, heads*p.N*p.Value, p.N*p.Model); err != nil {
			return err
		}
		row := make([]float32, p.Value)
		for h := 0; h < heads; h++ {
			src := b[0][(h*p.N+gid)*p.Value : (h*p.N+gid+1)*p.Value]
			for c, x := range src {
				row[c] += x
			}
		}
		inv := 1 / float32(heads)
		for c := range row {
			row[c] *= inv
		}
		for part := 0; part < 3; part++ {
			copy(b[1][gid*p.Model+part*p.Value:], row)
		}
		return nil
	},
}

// CheckState packs the attention.Health of one head into its slot of the
// health buffer so the host can check numerics without downloading memory.
// Bindings: memory, norm, health. Workgroups: 1.
var CheckState = Kernel{
	Name:     "check_state",
	Bindings: 3,
	Run: func(gid int, p Params, b [][]float32) error {
		if err := need("check_state", b, p.Key*p.Value, p.Key, (p.Head+1)*attention.HealthWidth); err != nil {
			return err
		}
		attention.Inspect(p.Head, b[0][:p.Key*p.Value], b[1][:p.Key]).Pack(b[2][p.Head*attention.HealthWidth:])
		return nil
	},
}
