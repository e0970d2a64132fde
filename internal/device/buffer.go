package device

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/23skdu/longbow-infini/internal/metrics"
)

// Usage flags declare how a buffer may be bound.
type Usage uint32

const (
	UsageStorage Usage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// UsageState is the usage set for memory state and activations.
const UsageState = UsageStorage | UsageCopySrc | UsageCopyDst

func (u Usage) Has(flags Usage) bool { return u&flags == flags }

func (u Usage) String() string {
	var parts []string
	for _, f := range []struct {
		flag Usage
		name string
	}{
		{UsageStorage, "STORAGE"},
		{UsageCopySrc, "COPY_SRC"},
		{UsageCopyDst, "COPY_DST"},
		{UsageMapRead, "MAP_READ"},
	} {
		if u&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

type poolKey struct {
	n     int
	usage Usage
}

// Buffer is a device allocation of float32 elements. Its contents are only
// reachable from the host through Download.
type Buffer struct {
	ctx      *Context
	label    string
	usage    Usage
	data     []float32
	released atomic.Bool
}

func (b *Buffer) Len() int     { return len(b.data) }
func (b *Buffer) Usage() Usage { return b.usage }
func (b *Buffer) Label() string {
	return b.label
}

func (b *Buffer) Released() bool { return b.released.Load() }

// Release returns the buffer to the context pool. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	c := b.ctx
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		c.free(b)
		return
	}
	k := poolKey{n: len(b.data), usage: b.usage}
	c.poolMu.Lock()
	c.pool[k] = append(c.pool[k], b)
	c.poolMu.Unlock()
}

func (c *Context) free(b *Buffer) {
	c.unreserve(int64(len(b.data)) * 4)
	b.data = nil
}

// Allocate returns a zero-filled buffer of n elements.
func (c *Context) Allocate(label string, n int, usage Usage) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d for %s", ErrTransfer, n, label)
	}
	if usage == 0 {
		return nil, fmt.Errorf("%w: buffer %s has no usage flags", ErrTransfer, label)
	}
	if err := c.usable(); err != nil {
		return nil, err
	}

	k := poolKey{n: n, usage: usage}
	c.poolMu.Lock()
	if bufs := c.pool[k]; len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		c.pool[k] = bufs[:len(bufs)-1]
		c.poolMu.Unlock()
		clear(b.data)
		b.label = label
		b.released.Store(false)
		return b, nil
	}
	c.poolMu.Unlock()

	if err := c.reserve(int64(n) * 4); err != nil {
		return nil, err
	}
	return &Buffer{ctx: c, label: label, usage: usage, data: make([]float32, n)}, nil
}

// Upload creates a state-usage buffer holding a copy of host. The copy is
// visible to every command submitted after Upload returns.
func (c *Context) Upload(label string, host []float32) (*Buffer, error) {
	b, err := c.Allocate(label, len(host), UsageState)
	if err != nil {
		metrics.RecordTransferFailure("upload")
		return nil, err
	}
	copy(b.data, host)
	metrics.RecordTransfer("upload", len(host)*4)
	return b, nil
}

// Download copies the first count elements of b back to the host. The copy
// is queued behind every earlier submission, staged through a MAP_READ
// buffer, and the call blocks until the mapping completes.
func (c *Context) Download(b *Buffer, count int) ([]float32, error) {
	out, err := c.download(b, count)
	if err != nil {
		metrics.RecordTransferFailure("download")
		if !errors.Is(err, ErrTransfer) {
			err = fmt.Errorf("%w: %w", ErrTransfer, err)
		}
		return nil, err
	}
	metrics.RecordTransfer("download", count*4)
	return out, nil
}

func (c *Context) download(b *Buffer, count int) ([]float32, error) {
	enc := c.NewEncoder("download " + b.label)
	rb := c.NewReadback(enc)
	defer rb.Release()
	if err := rb.Add(b, count); err != nil {
		return nil, err
	}
	cb, err := enc.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	sub, err := c.Submit(cb)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	out, err := rb.collect(sub)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Readback batches several downloads into one command buffer. Staging
// buffers are allocated by Add, before the caller submits, so an allocation
// failure never leaves work queued against released bindings.
type Readback struct {
	ctx     *Context
	enc     *Encoder
	staging []*Buffer
}

// NewReadback records its copies into enc.
func (c *Context) NewReadback(enc *Encoder) *Readback {
	return &Readback{ctx: c, enc: enc}
}

// Add stages the first count elements of b. Results come back from Collect
// in the order they were added.
func (r *Readback) Add(b *Buffer, count int) error {
	if b == nil || b.Released() {
		return fmt.Errorf("%w: download from released buffer", ErrTransfer)
	}
	if !b.usage.Has(UsageCopySrc) {
		return fmt.Errorf("%w: buffer %s lacks COPY_SRC (usage %s)", ErrTransfer, b.label, b.usage)
	}
	if count < 0 || count > b.Len() {
		return fmt.Errorf("%w: count %d out of range for %s (%d elements)", ErrTransfer, count, b.label, b.Len())
	}
	staging, err := r.ctx.Allocate(b.label+".staging", count, UsageMapRead|UsageCopyDst)
	if err != nil {
		return fmt.Errorf("%w: staging %s: %w", ErrTransfer, b.label, err)
	}
	r.staging = append(r.staging, staging)
	r.enc.Copy(b, staging, count)
	return nil
}

// Collect waits for sub once and maps every staged buffer.
func (r *Readback) Collect(sub *Submission) ([][]float32, error) {
	out, err := r.collect(sub)
	if err != nil {
		metrics.RecordTransferFailure("download")
		return nil, err
	}
	for _, o := range out {
		metrics.RecordTransfer("download", len(o)*4)
	}
	return out, nil
}

func (r *Readback) collect(sub *Submission) ([][]float32, error) {
	if sub != nil {
		if err := sub.Wait(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
		}
	}
	out := make([][]float32, len(r.staging))
	for i, s := range r.staging {
		host, err := r.ctx.MapRead(s, nil)
		if err != nil {
			return nil, err
		}
		out[i] = host
	}
	return out, nil
}

// Release returns the staging buffers to the pool. Call it only once the
// submission carrying the copies has completed or was never submitted.
func (r *Readback) Release() {
	for _, s := range r.staging {
		s.Release()
	}
	r.staging = nil
}

// MapRead waits for sub and returns a host copy of a MAP_READ buffer.
func (c *Context) MapRead(b *Buffer, sub *Submission) ([]float32, error) {
	if !b.usage.Has(UsageMapRead) {
		return nil, fmt.Errorf("%w: mapping refused for %s (usage %s)", ErrTransfer, b.label, b.usage)
	}
	if sub != nil {
		if err := sub.Wait(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
		}
	}
	if b.Released() {
		return nil, fmt.Errorf("%w: mapping released buffer %s", ErrTransfer, b.label)
	}
	out := make([]float32, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (c *Context) usable() error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: context closed", ErrDeviceUnavailable)
	}
	if err := c.Err(); err != nil {
		return err
	}
	return nil
}
