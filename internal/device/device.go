// Package device is the compute context for the attention pipeline: an
// adapter-selected device with a FIFO submission queue, storage buffers that
// the host can only read back through a mapped staging copy, and a small
// kernel program executed in workgroups.
//
// The bundled "software" adapter runs workgroups on a bounded goroutine
// pool. Commands inside one pass run concurrently; passes are barriers.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrTransfer          = errors.New("device transfer failed")
	ErrDeviceLost        = errors.New("device lost")
)

const (
	AdapterAuto     = "auto"
	AdapterSoftware = "software"
)

// AdapterInfo describes a compute adapter that NewContext can open.
type AdapterInfo struct {
	Name        string
	Kind        string
	MaxWorkers  int
	MemoryLimit int64 // bytes, 0 = unlimited
}

// Adapters lists the adapters available in this build.
func Adapters() []AdapterInfo {
	return []AdapterInfo{
		{Name: AdapterSoftware, Kind: "cpu-emulated", MaxWorkers: runtime.NumCPU()},
	}
}

type Options struct {
	Adapter     string // "auto" or an adapter name
	Workers     int    // 0 = adapter maximum
	MemoryLimit int64  // bytes, 0 = adapter limit
	Label       string
}

// Context holds the device handle and its submission queue.
type Context struct {
	adapter AdapterInfo
	label   string
	workers int
	limit   int64

	allocated atomic.Int64

	mu      sync.RWMutex
	closed  bool
	submits chan *Submission
	stopped chan struct{}

	lostMu sync.Mutex
	lost   error

	poolMu sync.Mutex
	pool   map[poolKey][]*Buffer
}

// NewContext opens the requested adapter. It fails with ErrDeviceUnavailable
// when no compatible adapter exists or the adapter refuses the options.
func NewContext(opts Options) (*Context, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Adapter))
	if name == "" {
		name = AdapterAuto
	}
	logger.Log.Info("Initializing device context...", "adapter", name)

	available := Adapters()
	var adapter *AdapterInfo
	for i := range available {
		if name == AdapterAuto || available[i].Name == name {
			adapter = &available[i]
			break
		}
	}
	if adapter == nil {
		names := make([]string, len(available))
		for i, a := range available {
			names[i] = a.Name
		}
		return nil, fmt.Errorf("%w: no compatible adapter %q (available: %s)", ErrDeviceUnavailable, name, strings.Join(names, ","))
	}

	workers := opts.Workers
	if workers < 0 {
		return nil, fmt.Errorf("%w: adapter %s refused %d workers", ErrDeviceUnavailable, adapter.Name, workers)
	}
	if adapter.MaxWorkers > 0 && workers > adapter.MaxWorkers {
		logger.Log.Warn("Clamping device workers to adapter maximum", "adapter", adapter.Name, "requested", workers, "max", adapter.MaxWorkers)
		workers = adapter.MaxWorkers
	}
	if workers == 0 {
		workers = max(1, adapter.MaxWorkers)
	}
	limit := opts.MemoryLimit
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative memory limit %d", ErrDeviceUnavailable, limit)
	}
	if limit == 0 {
		limit = adapter.MemoryLimit
	}

	c := &Context{
		adapter: *adapter,
		label:   opts.Label,
		workers: workers,
		limit:   limit,
		submits: make(chan *Submission, 64),
		stopped: make(chan struct{}),
		pool:    make(map[poolKey][]*Buffer),
	}
	go c.run()

	logger.Log.Info("Device context ready", "adapter", adapter.Name, "kind", adapter.Kind, "workers", workers, "memory_limit", limit)
	return c, nil
}

func (c *Context) Adapter() AdapterInfo { return c.adapter }

func (c *Context) Workers() int { return c.workers }

// AllocatedBytes reports live device memory, pooled buffers included.
func (c *Context) AllocatedBytes() int64 { return c.allocated.Load() }

// Close drains the queue and frees every pooled buffer. Buffers still held
// by callers become unusable.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.submits)
	c.mu.Unlock()

	<-c.stopped

	c.poolMu.Lock()
	for k, bufs := range c.pool {
		for _, b := range bufs {
			c.free(b)
		}
		delete(c.pool, k)
	}
	c.poolMu.Unlock()
	return nil
}

// Err returns the error that lost the device, if any.
func (c *Context) Err() error {
	c.lostMu.Lock()
	defer c.lostMu.Unlock()
	return c.lost
}

func (c *Context) markLost(err error) {
	c.lostMu.Lock()
	defer c.lostMu.Unlock()
	if c.lost == nil {
		c.lost = fmt.Errorf("%w: %w", ErrDeviceLost, err)
		logger.Log.Error("Device lost", "adapter", c.adapter.Name, "error", err)
	}
}

func (c *Context) reserve(bytes int64) error {
	for {
		cur := c.allocated.Load()
		if c.limit > 0 && cur+bytes > c.limit {
			return fmt.Errorf("%w: out of device memory (%d + %d > %d bytes)", ErrTransfer, cur, bytes, c.limit)
		}
		if c.allocated.CompareAndSwap(cur, cur+bytes) {
			metrics.RecordDeviceMemory(cur + bytes)
			return nil
		}
	}
}

func (c *Context) unreserve(bytes int64) {
	metrics.RecordDeviceMemory(c.allocated.Add(-bytes))
}
