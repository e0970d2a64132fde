package engine

import (
	"fmt"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/device"
	"github.com/23skdu/longbow-infini/internal/logger"
)

func init() {
	RegisterBackend("device", func(cfg config.Config, opts BackendOptions) (Backend, error) {
		ctx, err := device.NewContext(device.Options{
			Adapter:     cfg.GetAdapter(),
			Workers:     cfg.DeviceWorkers,
			MemoryLimit: cfg.DeviceMemoryLimit,
			Label:       "infini",
		})
		if err != nil {
			return nil, err
		}
		b := NewDeviceBackend(ctx, opts)
		b.owned = true
		return b, nil
	})
}

// deviceHeadState keeps a head's memory resident on the device. The host
// only sees it through Snapshot.
type deviceHeadState struct {
	ctx  *device.Context
	head int
	raw  float32
	dims attention.Dims
	mem  *device.Buffer
	norm *device.Buffer
}

func (s *deviceHeadState) Head() int        { return s.head }
func (s *deviceHeadState) RawGate() float32 { return s.raw }

func (s *deviceHeadState) Snapshot() (attention.Snapshot, error) {
	mem, err := s.ctx.Download(s.mem, s.mem.Len())
	if err != nil {
		return attention.Snapshot{}, fmt.Errorf("head %d memory: %w", s.head, err)
	}
	norm, err := s.ctx.Download(s.norm, s.norm.Len())
	if err != nil {
		return attention.Snapshot{}, fmt.Errorf("head %d normalizer: %w", s.head, err)
	}
	return attention.Snapshot{
		Head:     s.head,
		KeyDim:   s.dims.Key,
		ValueDim: s.dims.Value,
		Memory:   mem,
		Norm:     norm,
		RawGate:  s.raw,
	}, nil
}

func (s *deviceHeadState) Release() {
	s.mem.Release()
	s.norm.Release()
}

// DeviceBackend records each segment as one command buffer, including the
// readback copies, and blocks once on its completion.
type DeviceBackend struct {
	ctx   *device.Context
	opts  BackendOptions
	owned bool
}

// NewDeviceBackend runs on ctx. The caller keeps ownership of ctx.
func NewDeviceBackend(ctx *device.Context, opts BackendOptions) *DeviceBackend {
	logger.Log.Info("Device backend initialized", "adapter", ctx.Adapter().Name, "workers", ctx.Workers(), "embed_dim", opts.Dims.Model, "heads", opts.Dims.Heads, "projection", opts.projection().Name())
	return &DeviceBackend{ctx: ctx, opts: opts}
}

func (b *DeviceBackend) Name() string { return "device" }

func (b *DeviceBackend) Context() *device.Context { return b.ctx }

func (b *DeviceBackend) NewHeadState(head int, rawGate float32) (attention.HeadMemoryState, error) {
	d := b.opts.Dims
	if head < 0 || head >= d.Heads {
		return nil, fmt.Errorf("%w: head %d out of range [0,%d)", attention.ErrInvalidConfiguration, head, d.Heads)
	}
	mem, err := b.ctx.Allocate(fmt.Sprintf("head%d.memory", head), d.Key*d.Value, device.UsageState)
	if err != nil {
		return nil, err
	}
	norm, err := b.ctx.Allocate(fmt.Sprintf("head%d.norm", head), d.Key, device.UsageState)
	if err != nil {
		mem.Release()
		return nil, err
	}
	return &deviceHeadState{ctx: b.ctx, head: head, raw: rawGate, dims: d, mem: mem, norm: norm}, nil
}

func (b *DeviceBackend) Forward(x []float32, n int, states []attention.HeadMemoryState) (*Pass, error) {
	d := b.opts.Dims
	if err := checkForward(d, x, n, states); err != nil {
		return nil, err
	}
	heads := make([]*deviceHeadState, len(states))
	for i, s := range states {
		hs, ok := s.(*deviceHeadState)
		if !ok || hs.ctx != b.ctx {
			return nil, fmt.Errorf("forward: head %d state is %T, not a state of this device", i, s)
		}
		heads[i] = hs
	}

	var (
		transient []*device.Buffer
		sub       *device.Submission
	)
	enc := b.ctx.NewEncoder(fmt.Sprintf("segment n=%d", n))
	rb := b.ctx.NewReadback(enc)
	// Queued work must finish before its bindings go back to the pool.
	defer func() {
		if sub != nil {
			sub.Wait()
		}
		rb.Release()
		for _, buf := range transient {
			buf.Release()
		}
	}()
	upload := func(label string, host []float32) (*device.Buffer, error) {
		buf, err := b.ctx.Upload(label, host)
		if err == nil {
			transient = append(transient, buf)
		}
		return buf, err
	}
	alloc := func(label string, count int) (*device.Buffer, error) {
		buf, err := b.ctx.Allocate(label, count, device.UsageState)
		if err == nil {
			transient = append(transient, buf)
		}
		return buf, err
	}

	p := device.ParamsFor(d, n)

	var q, k, v *device.Buffer
	var err error
	switch b.opts.projection().(type) {
	case attention.Partition, *attention.Partition:
		xb, err := upload("x", x)
		if err != nil {
			return nil, err
		}
		if q, err = alloc("q", n*d.Key); err != nil {
			return nil, err
		}
		if k, err = alloc("k", n*d.Key); err != nil {
			return nil, err
		}
		if v, err = alloc("v", n*d.Value); err != nil {
			return nil, err
		}
		enc.Dispatch(device.SplitQKV, n, p, xb, q, k, v)
		enc.Barrier()
	default:
		qh, kh, vh, err := b.opts.projection().Project(x, n, d)
		if err != nil {
			return nil, err
		}
		p.PerHeadQKV = len(qh) != n*d.Key
		if q, err = upload("q", qh); err != nil {
			return nil, err
		}
		if k, err = upload("k", kh); err != nil {
			return nil, err
		}
		if v, err = upload("v", vh); err != nil {
			return nil, err
		}
	}

	stacked := d.Heads * n * d.Value
	local, err := alloc("local", stacked)
	if err != nil {
		return nil, err
	}
	memory, err := alloc("memory", stacked)
	if err != nil {
		return nil, err
	}
	combined, err := alloc("combined", stacked)
	if err != nil {
		return nil, err
	}
	health, err := alloc("health", d.Heads*attention.HealthWidth)
	if err != nil {
		return nil, err
	}
	out, err := alloc("output", n*d.Model)
	if err != nil {
		return nil, err
	}

	// Every head reads its memory before any head updates it.
	for h, s := range heads {
		ph := p.WithHead(h, attention.Gate(s.raw))
		enc.Dispatch(device.LocalAttention, n, ph, q, k, v, local)
		enc.Dispatch(device.MemoryRetrieve, n, ph, q, s.mem, s.norm, memory)
	}
	enc.Barrier()
	for h, s := range heads {
		enc.Dispatch(device.GatedCombine, n, p.WithHead(h, attention.Gate(s.raw)), local, memory, combined)
	}
	enc.Barrier()
	for h, s := range heads {
		enc.Dispatch(device.MemoryUpdate, d.Key, p.WithHead(h, 0), k, v, s.mem, s.norm)
	}
	enc.Dispatch(device.MergeHeads, n, p, combined, out)
	enc.Barrier()
	for h, s := range heads {
		enc.Dispatch(device.CheckState, 1, p.WithHead(h, 0), s.mem, s.norm, health)
	}
	enc.Barrier()

	// Staging is reserved before submission so a failed allocation leaves
	// nothing queued.
	if err := rb.Add(out, n*d.Model); err != nil {
		return nil, err
	}
	if err := rb.Add(health, health.Len()); err != nil {
		return nil, err
	}
	if b.opts.Trace {
		if err := rb.Add(local, stacked); err != nil {
			return nil, err
		}
		if err := rb.Add(memory, stacked); err != nil {
			return nil, err
		}
	}

	cb, err := enc.Finish()
	if err != nil {
		return nil, err
	}
	if sub, err = b.ctx.Submit(cb); err != nil {
		return nil, err
	}
	host, err := rb.Collect(sub)
	if err != nil {
		return nil, err
	}

	pass := &Pass{Output: host[0], Health: make([]attention.Health, d.Heads)}
	for h := range pass.Health {
		pass.Health[h] = attention.UnpackHealth(h, host[1])
	}
	if b.opts.Trace {
		pass.Local, pass.Memory = host[2], host[3]
	}
	return pass, nil
}

// Close shuts the device down when the backend opened it.
func (b *DeviceBackend) Close() error {
	if b.owned {
		return b.ctx.Close()
	}
	return nil
}
