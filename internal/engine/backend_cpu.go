package engine

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/cpu"
	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

func init() {
	RegisterBackend("cpu", func(cfg config.Config, opts BackendOptions) (Backend, error) {
		return NewCPUBackend(opts), nil
	})
}

type cpuHeadState struct {
	head int
	raw  float32
	dims attention.Dims
	mem  []float32
	norm []float32
}

func (s *cpuHeadState) Head() int        { return s.head }
func (s *cpuHeadState) RawGate() float32 { return s.raw }

func (s *cpuHeadState) Snapshot() (attention.Snapshot, error) {
	return attention.Snapshot{
		Head:     s.head,
		KeyDim:   s.dims.Key,
		ValueDim: s.dims.Value,
		Memory:   append([]float32(nil), s.mem...),
		Norm:     append([]float32(nil), s.norm...),
		RawGate:  s.raw,
	}, nil
}

// CPUBackend is the host reference path. Heads run on their own goroutines.
type CPUBackend struct {
	opts BackendOptions
	ctx  *cpu.Context
}

func NewCPUBackend(opts BackendOptions) *CPUBackend {
	logger.Log.Info("CPU backend initialized", "embed_dim", opts.Dims.Model, "heads", opts.Dims.Heads, "projection", opts.projection().Name())
	return &CPUBackend{opts: opts, ctx: cpu.NewContext()}
}

func (b *CPUBackend) Name() string { return "cpu" }

func (b *CPUBackend) NewHeadState(head int, rawGate float32) (attention.HeadMemoryState, error) {
	d := b.opts.Dims
	if head < 0 || head >= d.Heads {
		return nil, fmt.Errorf("%w: head %d out of range [0,%d)", attention.ErrInvalidConfiguration, head, d.Heads)
	}
	return &cpuHeadState{
		head: head,
		raw:  rawGate,
		dims: d,
		mem:  make([]float32, d.Key*d.Value),
		norm: make([]float32, d.Key),
	}, nil
}

func (b *CPUBackend) Forward(x []float32, n int, states []attention.HeadMemoryState) (*Pass, error) {
	d := b.opts.Dims
	if err := checkForward(d, x, n, states); err != nil {
		return nil, err
	}
	heads := make([]*cpuHeadState, len(states))
	for i, s := range states {
		hs, ok := s.(*cpuHeadState)
		if !ok {
			return nil, fmt.Errorf("forward: head %d state is %T, not a cpu state", i, s)
		}
		heads[i] = hs
	}

	q, k, v, err := b.opts.projection().Project(x, n, d)
	if err != nil {
		return nil, err
	}

	stride := n * d.Value
	local := make([]float32, d.Heads*stride)
	memory := make([]float32, d.Heads*stride)
	combined := make([]float32, d.Heads*stride)
	health := make([]attention.Health, d.Heads)

	// Each head writes only its own stacked output block.
	var g errgroup.Group
	for h, s := range heads {
		g.Go(func() error {
			start := time.Now()
			qh := attention.HeadBlock(q, n, d.Key, h)
			kh := attention.HeadBlock(k, n, d.Key, h)
			vh := attention.HeadBlock(v, n, d.Value, h)
			lo, hi := h*stride, (h+1)*stride

			b.ctx.LocalAttention(local[lo:hi], qh, kh, vh, n, d)
			b.ctx.Retrieve(memory[lo:hi], qh, s.mem, s.norm, n, d)
			cpu.Combine(combined[lo:hi], local[lo:hi], memory[lo:hi], attention.Gate(s.raw))
			b.ctx.Update(s.mem, s.norm, kh, vh, n, d)
			health[h] = attention.Inspect(h, s.mem, s.norm)
			metrics.RecordKernelDuration("cpu_head", time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pass := &Pass{Output: attention.MergeHeads(combined, n, d), Health: health}
	if b.opts.Trace {
		pass.Local = local
		pass.Memory = memory
	}
	return pass, nil
}

func (b *CPUBackend) Close() error {
	b.ctx.Free()
	return nil
}
