package attention

import "fmt"

// Projection turns an embedded segment (n × Model) into Q, K and V. Each is
// either one n × Key block shared by every head or Heads stacked blocks,
// see HeadBlock.
type Projection interface {
	Name() string
	Project(x []float32, n int, d Dims) (q, k, v []float32, err error)
}

// Partition is the fixed, non-learned projection: the last dimension is
// split into three equal contiguous chunks.
type Partition struct{}

func (Partition) Name() string { return "partition" }

func (Partition) Project(x []float32, n int, d Dims) ([]float32, []float32, []float32, error) {
	if len(x) != n*d.Model {
		return nil, nil, nil, fmt.Errorf("partition: input has %d values, want %d×%d", len(x), n, d.Model)
	}
	q := make([]float32, n*d.Key)
	k := make([]float32, n*d.Key)
	v := make([]float32, n*d.Value)
	for i := 0; i < n; i++ {
		row := x[i*d.Model : (i+1)*d.Model]
		copy(q[i*d.Key:(i+1)*d.Key], row[:d.Key])
		copy(k[i*d.Key:(i+1)*d.Key], row[d.Key:2*d.Key])
		copy(v[i*d.Value:(i+1)*d.Value], row[2*d.Key:])
	}
	return q, k, v, nil
}

// HeadWeights holds one head's learned projection matrices, row-major
// Model × Key (Wq, Wk) and Model × Value (Wv).
type HeadWeights struct {
	Wq, Wk, Wv []float32
}

// Linear substitutes a learned per-head projection for Partition. Its
// outputs hold one block per head.
type Linear struct {
	Heads []HeadWeights
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) Project(x []float32, n int, d Dims) ([]float32, []float32, []float32, error) {
	if len(l.Heads) != d.Heads {
		return nil, nil, nil, fmt.Errorf("%w: linear projection has %d heads, want %d", ErrInvalidConfiguration, len(l.Heads), d.Heads)
	}
	if len(x) != n*d.Model {
		return nil, nil, nil, fmt.Errorf("linear: input has %d values, want %d×%d", len(x), n, d.Model)
	}
	q := make([]float32, d.Heads*n*d.Key)
	k := make([]float32, d.Heads*n*d.Key)
	v := make([]float32, d.Heads*n*d.Value)
	for h, w := range l.Heads {
		if len(w.Wq) != d.Model*d.Key || len(w.Wk) != d.Model*d.Key || len(w.Wv) != d.Model*d.Value {
			return nil, nil, nil, fmt.Errorf("%w: head %d weights have wrong shape", ErrInvalidConfiguration, h)
		}
		project(q[h*n*d.Key:], x, w.Wq, n, d.Model, d.Key)
		project(k[h*n*d.Key:], x, w.Wk, n, d.Model, d.Key)
		project(v[h*n*d.Value:], x, w.Wv, n, d.Model, d.Value)
	}
	return q, k, v, nil
}

// project writes the n × cols product x·w into dst.
func project(dst, x, w []float32, n, model, cols int) {
	for i := 0; i < n; i++ {
		row := x[i*model : (i+1)*model]
		for c := 0; c < cols; c++ {
			var sum float32
			for m := 0; m < model; m++ {
				sum += row[m] * w[m*cols+c]
			}
			dst[i*cols+c] = sum
		}
	}
}
