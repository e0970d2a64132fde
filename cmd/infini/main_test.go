package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
	"github.com/23skdu/longbow-infini/internal/embedding"
	"github.com/23skdu/longbow-infini/internal/export"
	"github.com/23skdu/longbow-infini/internal/monitoring"
)

const sample = "the quick brown fox\njumps over\n\nthe lazy dog again and again\n"

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(context.Background(), append([]string{"infini"}, args...))
	return out.String(), err
}

func TestWriteReportText(t *testing.T) {
	tests := []struct {
		name string
		r    Report
		want string
	}{
		{"empty", Report{Empty: true}, "No tokens processed.\n"},
		{"short", Report{Tokens: 5, Average: []float32{0.1, 0.2, -0.3}},
			"Processed 5 tokens, final avg of first 3 dims:\n0.1000 0.2000 -0.3000\n"},
		{"truncated to ten", Report{Tokens: 1, Average: make([]float32, 12)},
			"Processed 1 tokens, final avg of first 10 dims:\n" + strings.TrimSpace(strings.Repeat("0.0000 ", 10)) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeReport(&buf, "text", tt.r))
			require.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriteReportFormats(t *testing.T) {
	r := Report{RunID: "r", Backend: "cpu", Tokens: 3, Segments: 1, Average: []float32{1, 2, 3}}

	var js bytes.Buffer
	require.NoError(t, writeReport(&js, "json", r))
	var back Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &back))
	require.Equal(t, r, back)

	var tbl bytes.Buffer
	require.NoError(t, writeReport(&tbl, "table", r))
	require.Contains(t, tbl.String(), "AVERAGE")
	require.Contains(t, tbl.String(), "2.000000")

	require.Error(t, writeReport(&bytes.Buffer{}, "xml", r))
}

func parseConfig(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var (
		got    config.Config
		gotErr error
	)
	cmd := &cli.Command{
		Name:  "test",
		Flags: engineFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			got, gotErr = loadConfig(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
	return got, gotErr
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeInput(t, "infini.yaml", "embed_dim: 24\nnum_heads: 4\nsegment_size: 8\nuse_device_backend: true\n")

	cfg, err := parseConfig(t, "--config", path, "--heads", "2", "--gate", "0.5", "--gate=-1")
	require.NoError(t, err)
	require.Equal(t, 24, cfg.EmbedDim)
	require.Equal(t, 8, cfg.SegmentSize)
	require.Equal(t, 2, cfg.Heads)
	require.True(t, cfg.UseDevice)
	require.Equal(t, []float32{0.5, -1}, cfg.Gates)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := parseConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "not found")

	_, err = parseConfig(t, "--embed-dim", "13")
	require.ErrorIs(t, err, attention.ErrInvalidConfiguration)
}

func TestRunCommand(t *testing.T) {
	path := writeInput(t, "doc.txt", sample)

	var reports []Report
	for _, backend := range [][]string{nil, {"--device", "--device-workers", "2"}} {
		args := append([]string{"run", "--segment-size", "4", "--heads", "2", "-o", "json"}, backend...)
		out, err := runApp(t, append(args, path)...)
		require.NoError(t, err)

		var r Report
		require.NoError(t, json.Unmarshal([]byte(out), &r))
		require.Equal(t, 12, r.Tokens)
		require.Equal(t, 3, r.Segments)
		require.False(t, r.Empty)
		require.Len(t, r.Average, 12)
		reports = append(reports, r)
	}
	require.Equal(t, "cpu", reports[0].Backend)
	require.Equal(t, "device", reports[1].Backend)
	if diff := cmp.Diff(reports[0].Average, reports[1].Average, cmpopts.EquateApprox(1e-4, 1e-6)); diff != "" {
		t.Errorf("backends disagree:\n%s", diff)
	}
}

func TestRunCommandTextReport(t *testing.T) {
	out, err := runApp(t, "run", writeInput(t, "doc.txt", sample))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Processed 12 tokens, final avg of first 10 dims:\n"), out)

	out, err = runApp(t, "run", writeInput(t, "empty.txt", "\n\n"))
	require.NoError(t, err)
	require.Equal(t, "No tokens processed.\n", out)
}

func TestRunCommandFailsWithoutReport(t *testing.T) {
	path := writeInput(t, "doc.txt", sample)

	out, err := runApp(t, "run", "--embed-dim", "13", path)
	require.ErrorIs(t, err, attention.ErrInvalidConfiguration)
	require.NotContains(t, out, "Processed")

	_, err = runApp(t, "run", filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}

func TestRunCommandDump(t *testing.T) {
	path := writeInput(t, "doc.txt", sample)
	dump := filepath.Join(t.TempDir(), "segments.arrow")

	_, err := runApp(t, "run", "--segment-size", "5", "--dump", dump, path)
	require.NoError(t, err)

	f, err := os.Open(dump)
	require.NoError(t, err)
	defer f.Close()
	rows, err := export.ReadIPC(f)
	require.NoError(t, err)
	require.Len(t, rows, 12)
	require.Equal(t, int64(2), rows[11].Segment)
	require.Equal(t, int64(11), rows[11].Position)
}

func TestInitEmbeddingsFeedsRun(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "embd.gguf")

	_, err := runApp(t, "init-embeddings", "--vocab-size", "64", "--embed-dim", "6", "--seed", "9", table)
	require.NoError(t, err)
	loaded, err := embedding.LoadGGUF(table)
	require.NoError(t, err)
	require.Equal(t, 64, loaded.Vocab())
	require.Equal(t, 6, loaded.Dim())

	out, err := runApp(t, "run", "--embeddings", table, "--embed-dim", "6", "-o", "json", writeInput(t, "doc.txt", sample))
	require.NoError(t, err)
	var r Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.Len(t, r.Average, 6)
}

func TestAdaptersCommand(t *testing.T) {
	out, err := runApp(t, "adapters")
	require.NoError(t, err)
	require.Contains(t, out, "software")
	require.Contains(t, out, "backends: cpu, device")
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, Version)
}

func newTestRouter(t *testing.T, useDevice bool) (*gin.Engine, *monitoring.HealthMonitor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.SegmentSize = 3
	cfg.UseDevice = useDevice
	sess, err := newSession(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.shareDevice())
	t.Cleanup(func() { sess.Close() })
	hm := monitoring.NewHealthMonitor("test")
	return newRouter(sess, hm), hm
}

func postAttend(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/attend", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestServeAttend(t *testing.T) {
	for _, useDevice := range []bool{false, true} {
		r, hm := newTestRouter(t, useDevice)

		w := postAttend(r, `{"text": "a b c\nd e", "tokens": [1, 2]}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var rep Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
		require.Equal(t, 7, rep.Tokens)
		require.Equal(t, 3, rep.Segments)
		require.Len(t, rep.Average, 12)
		require.NotEmpty(t, rep.RunID)

		w = postAttend(r, `{}`)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
		require.True(t, rep.Empty)

		w = postAttend(r, `{"tokens": "nope"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)

		require.Equal(t, 2, hm.Status().Performance.Runs)
		if useDevice {
			require.Equal(t, "software", hm.Status().Engine.Adapter)
		}

		h := httptest.NewRecorder()
		r.ServeHTTP(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, h.Code)
	}
}

func TestServeAttendIsStateless(t *testing.T) {
	r, _ := newTestRouter(t, false)
	first := postAttend(r, `{"tokens": [4, 8, 15, 16, 23, 42]}`)
	second := postAttend(r, `{"tokens": [4, 8, 15, 16, 23, 42]}`)

	var a, b Report
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a.Average, b.Average)
	require.NotEqual(t, a.RunID, b.RunID)
}
