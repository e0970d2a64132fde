package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIPCWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewIPCWriter(&buf, 3)

	require.NoError(t, w.WriteSegment(0, []float32{1, 2, 3, 4, 5, 6}, 2))
	require.NoError(t, w.WriteSegment(1, []float32{7, 8, 9}, 1))
	require.NoError(t, w.Close())

	rows, err := ReadIPC(&buf)
	require.NoError(t, err)
	require.Equal(t, []Row{
		{Segment: 0, Position: 0, Vector: []float32{1, 2, 3}},
		{Segment: 0, Position: 1, Vector: []float32{4, 5, 6}},
		{Segment: 1, Position: 2, Vector: []float32{7, 8, 9}},
	}, rows)
}

func TestIPCWriterRejectsShapeMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewIPCWriter(&buf, 3)
	defer w.Close()
	require.Error(t, w.WriteSegment(0, []float32{1, 2, 3, 4}, 2))
}

func TestCreateIPCFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segments.arrow")
	w, err := CreateIPCFile(path, 2)
	require.NoError(t, err)
	require.NoError(t, w.WriteSegment(0, []float32{0.5, -0.5}, 1))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := ReadIPC(f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []float32{0.5, -0.5}, rows[0].Vector)
}

func TestCreateIPCFileBadPath(t *testing.T) {
	_, err := CreateIPCFile(filepath.Join(t.TempDir(), "missing", "dir", "x.arrow"), 2)
	require.Error(t, err)
}

// summaryServer records every summary put to it.
type summaryServer struct {
	flight.BaseFlightServer

	mu        sync.Mutex
	paths     [][]string
	metadata  []string
	summaries []Summary
}

func (s *summaryServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := rdr.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for rdr.Next() {
		got, err := DecodeSummaries(rdr.Record())
		if err != nil {
			return err
		}
		s.summaries = append(s.summaries, got...)
		s.metadata = append(s.metadata, string(rdr.LatestAppMetadata()))
	}
	return stream.Send(&flight.PutResult{AppMetadata: []byte("ok")})
}

func startServer(t *testing.T) (*summaryServer, string) {
	t.Helper()
	svc := &summaryServer{}
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("127.0.0.1:0"))
	srv.RegisterFlightService(svc)
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return svc, srv.Addr().String()
}

func TestPutSummary(t *testing.T) {
	svc, addr := startServer(t)
	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	want := Summary{RunID: "run-1", Backend: "device", Tokens: 5, Segments: 2, Average: []float32{0.1, 0.2, 0.3}}
	id, err := client.PutSummary(context.Background(), want)
	require.NoError(t, err)
	require.Equal(t, "run-1", id)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Equal(t, []Summary{want}, svc.summaries)
	require.Equal(t, []string{"run-1"}, svc.metadata)
	require.Equal(t, [][]string{{"infini", "summary", "run-1"}}, svc.paths)
}

func TestPutSummaryGeneratesRunID(t *testing.T) {
	svc, addr := startServer(t)
	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	id, err := client.PutSummary(context.Background(), Summary{Backend: "cpu", Tokens: 1, Segments: 1, Average: []float32{1}})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.summaries, 1)
	require.Equal(t, id, svc.summaries[0].RunID)
}

func TestPutSummaryValidation(t *testing.T) {
	_, err := NewFlightClient("")
	require.Error(t, err)

	client, err := NewFlightClient("127.0.0.1:1")
	require.NoError(t, err)
	defer client.Close()
	_, err = client.PutSummary(context.Background(), Summary{RunID: "x"})
	require.ErrorContains(t, err, "no average")

	var unconnected FlightClient
	_, err = unconnected.PutSummary(context.Background(), Summary{Average: []float32{1}})
	require.ErrorContains(t, err, "not connected")
}
