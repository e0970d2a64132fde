// Package cpu is the host reference implementation of the attention stages.
// Every function here has a device kernel twin in package device; the two
// must agree up to float32 rounding.
package cpu

import (
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordHostMemory(newVal)
}

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context pools scratch slices by length so repeated segments of the same
// size do not reallocate.
type Context struct {
	mu   sync.Mutex
	pool map[int][][]float32
}

func NewContext() *Context {
	return &Context{
		pool: make(map[int][][]float32),
	}
}

func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bufs := range c.pool {
		for _, b := range bufs {
			traceAlloc(-int64(cap(b) * 4))
		}
	}
	c.pool = make(map[int][][]float32)
}

// Get returns a zeroed scratch slice of length n.
func (c *Context) Get(n int) []float32 {
	c.mu.Lock()
	pool := c.pool[n]
	if len(pool) > 0 {
		b := pool[len(pool)-1]
		c.pool[n] = pool[:len(pool)-1]
		c.mu.Unlock()
		clear(b)
		return b
	}
	c.mu.Unlock()
	traceAlloc(int64(n * 4))
	return make([]float32, n)
}

// Put hands a scratch slice back to the pool.
func (c *Context) Put(b []float32) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[len(b)] = append(c.pool[len(b)], b)
}

// Softmax normalises x in place, subtracting the max first.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

func dense(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// LocalAttention writes softmax(Q Kᵀ / sqrt(d_key)) V for one head into dst.
// q and k are n × Key, v and dst are n × Value.
func (c *Context) LocalAttention(dst, q, k, v []float32, n int, d attention.Dims) {
	scores := c.Get(n * n)
	defer c.Put(scores)

	s := dense(scores, n, n)
	blas32.Gemm(blas.NoTrans, blas.Trans, d.Scale(), dense(q, n, d.Key), dense(k, n, d.Key), 0, s)
	for i := 0; i < n; i++ {
		Softmax(scores[i*n : (i+1)*n])
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, s, dense(v, n, d.Value), 0, dense(dst, n, d.Value))
}

// featureRows applies the feature map to an n × width matrix.
func (c *Context) featureRows(src []float32, n, width int) []float32 {
	phi := c.Get(n * width)
	for i, x := range src[:n*width] {
		phi[i] = attention.FeatureMap(x)
	}
	return phi
}

// Retrieve reads a head's memory: σ(Q[i])·M / max(σ(Q[i])·z, ε).
func (c *Context) Retrieve(dst, q, mem, norm []float32, n int, d attention.Dims) {
	phi := c.featureRows(q, n, d.Key)
	defer c.Put(phi)

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dense(phi, n, d.Key), dense(mem, d.Key, d.Value), 0, dense(dst, n, d.Value))

	for i := 0; i < n; i++ {
		var den float32
		for j := 0; j < d.Key; j++ {
			den += phi[i*d.Key+j] * norm[j]
		}
		if den < attention.Epsilon {
			den = attention.Epsilon
		}
		row := dst[i*d.Value : (i+1)*d.Value]
		for j := range row {
			row[j] /= den
		}
	}
}

// Update accumulates M += σ(K)ᵀ V and z += Σ_i σ(K[i]).
func (c *Context) Update(mem, norm, k, v []float32, n int, d attention.Dims) {
	phi := c.featureRows(k, n, d.Key)
	defer c.Put(phi)

	blas32.Gemm(blas.Trans, blas.NoTrans, 1, dense(phi, n, d.Key), dense(v, n, d.Value), 1, dense(mem, d.Key, d.Value))

	for i := 0; i < n; i++ {
		for j := 0; j < d.Key; j++ {
			norm[j] += phi[i*d.Key+j]
		}
	}
}

// Combine blends memory and local context: gate·memory + (1-gate)·local.
func Combine(dst, local, memory []float32, gate float32) {
	for i := range dst {
		dst[i] = gate*memory[i] + (1-gate)*local[i]
	}
}
