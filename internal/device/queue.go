package device

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-infini/internal/metrics"
)

type command struct {
	kernel *Kernel
	groups int
	params Params
	binds  []*Buffer

	src, dst *Buffer
	count    int
}

func (cmd *command) name() string {
	if cmd.kernel != nil {
		return cmd.kernel.Name
	}
	return "copy"
}

// Encoder records commands into passes. Commands in the same pass may run in
// any order or concurrently; Barrier starts a new pass.
type Encoder struct {
	ctx    *Context
	label  string
	passes [][]command
	cur    []command
	err    error
}

func (c *Context) NewEncoder(label string) *Encoder {
	return &Encoder{ctx: c, label: label}
}

// Dispatch records groups invocations of k over the bound buffers.
func (e *Encoder) Dispatch(k Kernel, groups int, p Params, binds ...*Buffer) {
	if e.err != nil {
		return
	}
	if groups < 0 {
		e.err = fmt.Errorf("%s: dispatch %s with %d workgroups", e.label, k.Name, groups)
		return
	}
	if len(binds) != k.Bindings {
		e.err = fmt.Errorf("%s: kernel %s takes %d bindings, got %d", e.label, k.Name, k.Bindings, len(binds))
		return
	}
	for i, b := range binds {
		if b == nil || b.Released() {
			e.err = fmt.Errorf("%s: kernel %s binding %d is released", e.label, k.Name, i)
			return
		}
		if !b.usage.Has(UsageStorage) {
			e.err = fmt.Errorf("%s: kernel %s binding %d (%s) lacks STORAGE", e.label, k.Name, i, b.label)
			return
		}
	}
	kk := k
	e.cur = append(e.cur, command{kernel: &kk, groups: groups, params: p, binds: binds})
}

// Copy records a buffer-to-buffer copy of count elements.
func (e *Encoder) Copy(src, dst *Buffer, count int) {
	if e.err != nil {
		return
	}
	switch {
	case src == nil || dst == nil || src.Released() || dst.Released():
		e.err = fmt.Errorf("%s: copy with released buffer", e.label)
	case !src.usage.Has(UsageCopySrc):
		e.err = fmt.Errorf("%s: copy source %s lacks COPY_SRC", e.label, src.label)
	case !dst.usage.Has(UsageCopyDst):
		e.err = fmt.Errorf("%s: copy destination %s lacks COPY_DST", e.label, dst.label)
	case count < 0 || count > src.Len() || count > dst.Len():
		e.err = fmt.Errorf("%s: copy of %d elements exceeds %s (%d) or %s (%d)", e.label, count, src.label, src.Len(), dst.label, dst.Len())
	default:
		e.cur = append(e.cur, command{src: src, dst: dst, count: count})
	}
}

func (e *Encoder) Barrier() {
	if len(e.cur) > 0 {
		e.passes = append(e.passes, e.cur)
		e.cur = nil
	}
}

// CommandBuffer is a finished, submittable recording.
type CommandBuffer struct {
	label  string
	passes [][]command
}

func (e *Encoder) Finish() (*CommandBuffer, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.Barrier()
	return &CommandBuffer{label: e.label, passes: e.passes}, nil
}

// Submission tracks one Submit call through the queue.
type Submission struct {
	buffers []*CommandBuffer
	done    chan struct{}
	err     error
}

// Wait blocks until every command buffer of the submission has executed.
func (s *Submission) Wait() error {
	<-s.done
	return s.err
}

// Wait blocks until s has executed on this context's queue.
func (c *Context) Wait(s *Submission) error { return s.Wait() }

// Done is closed once the submission has executed.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Submit enqueues command buffers. Submissions execute in FIFO order.
func (c *Context) Submit(cbs ...*CommandBuffer) (*Submission, error) {
	s := &Submission{buffers: cbs, done: make(chan struct{})}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("%w: submit on closed context", ErrDeviceUnavailable)
	}
	c.submits <- s
	return s, nil
}

func (c *Context) run() {
	defer close(c.stopped)
	for s := range c.submits {
		err := c.Err()
		if err == nil {
			for _, cb := range s.buffers {
				if err = c.execute(cb); err != nil {
					c.markLost(err)
					err = c.Err()
					break
				}
			}
		}
		s.err = err
		close(s.done)
	}
}

func (c *Context) execute(cb *CommandBuffer) error {
	for i, pass := range cb.passes {
		var g errgroup.Group
		g.SetLimit(c.workers)
		for j := range pass {
			cmd := &pass[j]
			g.Go(func() error {
				start := time.Now()
				err := c.exec(cmd)
				metrics.RecordKernelDuration(cmd.name(), time.Since(start))
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("%s pass %d: %w", cb.label, i, err)
		}
	}
	return nil
}

func (c *Context) exec(cmd *command) error {
	if cmd.kernel == nil {
		if cmd.src.Released() || cmd.dst.Released() {
			return fmt.Errorf("copy %s -> %s: buffer released before execution", cmd.src.label, cmd.dst.label)
		}
		copy(cmd.dst.data[:cmd.count], cmd.src.data[:cmd.count])
		return nil
	}

	binds := make([][]float32, len(cmd.binds))
	for i, b := range cmd.binds {
		if b.Released() {
			return fmt.Errorf("kernel %s: binding %d (%s) released before execution", cmd.kernel.Name, i, b.label)
		}
		binds[i] = b.data
	}

	if cmd.groups <= 1 {
		for gid := 0; gid < cmd.groups; gid++ {
			if err := cmd.kernel.Run(gid, cmd.params, binds); err != nil {
				return fmt.Errorf("kernel %s: %w", cmd.kernel.Name, err)
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for gid := 0; gid < cmd.groups; gid++ {
		g.Go(func() error {
			return cmd.kernel.Run(gid, cmd.params, binds)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("kernel %s: %w", cmd.kernel.Name, err)
	}
	return nil
}
