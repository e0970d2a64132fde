package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-infini/internal/logger"
)

// SummaryPath is the Flight descriptor path a summary is put under; the run
// id is appended as the last element.
var SummaryPath = []string{"infini", "summary"}

// Summary is the outcome of one run as shipped over Flight.
type Summary struct {
	RunID    string
	Backend  string
	Tokens   int
	Segments int
	Average  []float32
}

func SummarySchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "run_id", Type: arrow.BinaryTypes.String},
		{Name: "backend", Type: arrow.BinaryTypes.String},
		{Name: "tokens", Type: arrow.PrimitiveTypes.Int64},
		{Name: "segments", Type: arrow.PrimitiveTypes.Int64},
		{Name: "average", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// FlightClient wraps Apache Arrow Flight for summary transport.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient connects lazily; the first RPC dials addr (host:port).
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, errors.New("flight address is empty")
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightClient{client: client, addr: addr, timeout: 30 * time.Second}, nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// PutSummary sends s as a single-row record batch. The run id travels as
// both the last descriptor path element and the batch app metadata. An
// empty RunID is replaced with a fresh UUID, which is returned.
func (fc *FlightClient) PutSummary(ctx context.Context, s Summary) (string, error) {
	if fc.client == nil {
		return "", fmt.Errorf("client not connected")
	}
	if len(s.Average) == 0 {
		return "", fmt.Errorf("summary has no average vector")
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	rec := summaryRecord(memory.NewGoAllocator(), s)
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: append(append([]string(nil), SummaryPath...), s.RunID),
	})
	if err := w.WriteWithAppMetadata(rec, []byte(s.RunID)); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("put result: %w", err)
		}
	}

	logger.Log.Info("Summary exported", "addr", fc.addr, "run_id", s.RunID, "tokens", s.Tokens, "dim", len(s.Average))
	return s.RunID, nil
}

func summaryRecord(mem memory.Allocator, s Summary) arrow.Record {
	b := array.NewRecordBuilder(mem, SummarySchema(len(s.Average)))
	defer b.Release()

	b.Field(0).(*array.StringBuilder).Append(s.RunID)
	b.Field(1).(*array.StringBuilder).Append(s.Backend)
	b.Field(2).(*array.Int64Builder).Append(int64(s.Tokens))
	b.Field(3).(*array.Int64Builder).Append(int64(s.Segments))
	avg := b.Field(4).(*array.FixedSizeListBuilder)
	avg.Append(true)
	avg.ValueBuilder().(*array.Float32Builder).AppendValues(s.Average, nil)
	return b.NewRecord()
}

// DecodeSummaries reads the rows of a summary batch.
func DecodeSummaries(rec arrow.Record) ([]Summary, error) {
	dim := summaryDim(rec)
	if dim <= 0 || !rec.Schema().Equal(SummarySchema(dim)) {
		return nil, fmt.Errorf("batch does not match the summary schema: %s", rec.Schema())
	}
	ids := rec.Column(0).(*array.String)
	backends := rec.Column(1).(*array.String)
	tokens := rec.Column(2).(*array.Int64)
	segments := rec.Column(3).(*array.Int64)
	avg := rec.Column(4).(*array.FixedSizeList)
	values := avg.ListValues().(*array.Float32).Float32Values()

	out := make([]Summary, rec.NumRows())
	for i := range out {
		out[i] = Summary{
			RunID:    ids.Value(i),
			Backend:  backends.Value(i),
			Tokens:   int(tokens.Value(i)),
			Segments: int(segments.Value(i)),
			Average:  append([]float32(nil), values[i*dim:(i+1)*dim]...),
		}
	}
	return out, nil
}

func summaryDim(rec arrow.Record) int {
	if rec.NumCols() != 5 {
		return -1
	}
	if t, ok := rec.Schema().Field(4).Type.(*arrow.FixedSizeListType); ok {
		return int(t.Len())
	}
	return -1
}
