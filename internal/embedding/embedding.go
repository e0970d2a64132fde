// Package embedding holds the vocab × d_model token embedding table.
package embedding

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/gguf"
	"github.com/23skdu/longbow-infini/internal/logger"
)

// TensorName is the GGUF tensor holding the table, dims [d_model, vocab].
const TensorName = "token_embd.weight"

const randomBound = 0.1

type Table struct {
	vocab int
	dim   int
	data  []float32 // vocab × dim, row-major
}

// NewRandom fills a table with U(-0.1, 0.1) values. Equal seeds give equal
// tables.
func NewRandom(vocab, dim int, seed uint64) (*Table, error) {
	if err := checkShape(vocab, dim); err != nil {
		return nil, err
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float32, vocab*dim)
	for i := range data {
		data[i] = (r.Float32()*2 - 1) * randomBound
	}
	return &Table{vocab: vocab, dim: dim, data: data}, nil
}

// FromRows wraps data (vocab × dim, row-major) without copying.
func FromRows(vocab, dim int, data []float32) (*Table, error) {
	if err := checkShape(vocab, dim); err != nil {
		return nil, err
	}
	if len(data) != vocab*dim {
		return nil, fmt.Errorf("%w: embedding data has %d values, want %d×%d", attention.ErrInvalidConfiguration, len(data), vocab, dim)
	}
	return &Table{vocab: vocab, dim: dim, data: data}, nil
}

func checkShape(vocab, dim int) error {
	if vocab <= 0 || dim <= 0 {
		return fmt.Errorf("%w: embedding table %d×%d (sizes must be positive)", attention.ErrInvalidConfiguration, vocab, dim)
	}
	return nil
}

// LoadGGUF reads TensorName (F32 or F16) from a GGUF file.
func LoadGGUF(path string) (*Table, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ti, ok := f.Tensor(TensorName)
	if !ok {
		return nil, fmt.Errorf("%s: tensor %s not found", path, TensorName)
	}
	if len(ti.Dimensions) != 2 {
		return nil, fmt.Errorf("%s: tensor %s has %d dims, want 2", path, TensorName, len(ti.Dimensions))
	}
	data, err := ti.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t, err := FromRows(int(ti.Dimensions[1]), int(ti.Dimensions[0]), data)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Embedding table loaded", "path", path, "vocab", t.vocab, "dim", t.dim, "type", ti.Type)
	return t, nil
}

// WriteGGUF stores the table so LoadGGUF can read it back. With half set the
// rows are written as F16.
func (t *Table) WriteGGUF(w io.Writer, half bool) error {
	typ, data := gguf.GGMLTypeF32, gguf.EncodeF32(t.data)
	if half {
		typ, data = gguf.GGMLTypeF16, gguf.EncodeF16(t.data)
	}
	return gguf.Write(w,
		[]gguf.KV{
			{Key: "general.architecture", Value: "infini"},
			{Key: "infini.embedding_length", Value: uint32(t.dim)},
			{Key: "infini.vocab_size", Value: uint32(t.vocab)},
		},
		[]gguf.Tensor{{Name: TensorName, Dims: []uint64{uint64(t.dim), uint64(t.vocab)}, Type: typ, Data: data}},
	)
}

func (t *Table) Dim() int   { return t.dim }
func (t *Table) Vocab() int { return t.vocab }

// Row returns the row for id mod vocab. The slice aliases the table.
func (t *Table) Row(id uint64) []float32 {
	r := int(id % uint64(t.vocab))
	return t.data[r*t.dim : (r+1)*t.dim]
}

// Embed gathers the rows for ids into a fresh len(ids) × dim slice.
func (t *Table) Embed(ids []uint64) ([]float32, error) {
	out := make([]float32, len(ids)*t.dim)
	for i, id := range ids {
		copy(out[i*t.dim:(i+1)*t.dim], t.Row(id))
	}
	return out, nil
}
