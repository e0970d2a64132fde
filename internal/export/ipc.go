// Package export ships engine output as Arrow: a per-segment IPC stream dump
// and a Flight DoPut of the run summary.
package export

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

// SegmentSchema describes one row per token: the segment it belonged to,
// its absolute stream position and its d_model output vector.
func SegmentSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "segment", Type: arrow.PrimitiveTypes.Int64},
		{Name: "position", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// IPCWriter writes every segment output as one record batch of an Arrow
// IPC stream.
type IPCWriter struct {
	mem      memory.Allocator
	schema   *arrow.Schema
	dim      int
	w        *ipc.Writer
	file     io.Closer
	position int64
	batches  int
}

func NewIPCWriter(w io.Writer, dim int) *IPCWriter {
	mem := memory.NewGoAllocator()
	schema := SegmentSchema(dim)
	return &IPCWriter{
		mem:    mem,
		schema: schema,
		dim:    dim,
		w:      ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem)),
	}
}

// CreateIPCFile truncates path and streams segments into it.
func CreateIPCFile(path string, dim int) (*IPCWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump %s: %w", path, err)
	}
	w := NewIPCWriter(f, dim)
	w.file = f
	logger.Log.Info("Segment dump opened", "path", path, "dim", dim)
	return w, nil
}

func (w *IPCWriter) WriteSegment(index int, output []float32, n int) error {
	if len(output) != n*w.dim {
		return fmt.Errorf("segment %d: %d values for %d rows of %d", index, len(output), n, w.dim)
	}

	b := array.NewRecordBuilder(w.mem, w.schema)
	defer b.Release()

	segs := b.Field(0).(*array.Int64Builder)
	pos := b.Field(1).(*array.Int64Builder)
	vecs := b.Field(2).(*array.FixedSizeListBuilder)
	vals := vecs.ValueBuilder().(*array.Float32Builder)

	segs.Reserve(n)
	pos.Reserve(n)
	vals.Reserve(n * w.dim)
	for i := 0; i < n; i++ {
		segs.Append(int64(index))
		pos.Append(w.position + int64(i))
		vecs.Append(true)
		vals.AppendValues(output[i*w.dim:(i+1)*w.dim], nil)
	}

	rec := b.NewRecord()
	defer rec.Release()
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("segment %d: write batch: %w", index, err)
	}
	w.position += int64(n)
	w.batches++
	metrics.RecordTransfer("dump", len(output)*4)
	return nil
}

// Close ends the stream and closes the file opened by CreateIPCFile.
func (w *IPCWriter) Close() error {
	err := w.w.Close()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	logger.Log.Debug("Segment dump closed", "batches", w.batches, "rows", w.position)
	return err
}

// Row is one decoded token output.
type Row struct {
	Segment  int64
	Position int64
	Vector   []float32
}

// ReadIPC decodes a stream written by IPCWriter.
func ReadIPC(r io.Reader) ([]Row, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	var rows []Row
	for rdr.Next() {
		rec := rdr.Record()
		if rec.NumCols() != 3 {
			return nil, fmt.Errorf("ipc batch has %d columns, want 3", rec.NumCols())
		}
		segs, ok1 := rec.Column(0).(*array.Int64)
		pos, ok2 := rec.Column(1).(*array.Int64)
		vecs, ok3 := rec.Column(2).(*array.FixedSizeList)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("ipc batch does not match the segment schema: %s", rec.Schema())
		}
		dim := int(vecs.DataType().(*arrow.FixedSizeListType).Len())
		values := vecs.ListValues().(*array.Float32).Float32Values()
		for i := 0; i < int(rec.NumRows()); i++ {
			rows = append(rows, Row{
				Segment:  segs.Value(i),
				Position: pos.Value(i),
				Vector:   append([]float32(nil), values[i*dim:(i+1)*dim]...),
			})
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return rows, nil
}
