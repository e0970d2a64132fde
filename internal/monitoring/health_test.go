package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

func newRouter(hm *HealthMonitor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hm.Register(r)
	return r
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor("test")
	r := newRouter(hm)

	for _, path := range []string{"/health", "/healthz"} {
		w := get(t, r, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: code %d", path, w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "healthy" {
			t.Errorf("%s: status %q", path, body["status"])
		}
	}
}

func TestAlertLevelsDriveStatus(t *testing.T) {
	tests := []struct {
		level string
		want  string
		code  int
	}{
		{"warning", "healthy", http.StatusOK},
		{"error", "degraded", http.StatusServiceUnavailable},
		{"critical", "critical", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			hm := NewHealthMonitor("test")
			hm.AddAlert(tt.level, "engine", "something happened")
			if got := hm.Status().Status; got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
			if w := get(t, newRouter(hm), "/healthz"); w.Code != tt.code {
				t.Errorf("code = %d, want %d", w.Code, tt.code)
			}

			hm.ResolveAlert(0)
			if got := hm.Status().Status; got != "healthy" {
				t.Errorf("after resolve status = %q", got)
			}
		})
	}
}

func TestRecordRun(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.RecordRun(100, 10*time.Millisecond, nil)
	hm.RecordRun(50, 30*time.Millisecond, nil)
	hm.RecordRun(0, time.Millisecond, errors.New("device lost"))

	perf := hm.Status().Performance
	if perf.Runs != 3 {
		t.Errorf("runs = %d", perf.Runs)
	}
	if perf.ErrorRate < 0.33 || perf.ErrorRate > 0.34 {
		t.Errorf("error rate = %v", perf.ErrorRate)
	}
	if perf.P95LatencyMs != 30 {
		t.Errorf("p95 = %v", perf.P95LatencyMs)
	}
	if perf.TokensPerSecond <= 0 {
		t.Errorf("tokens/s = %v", perf.TokensPerSecond)
	}
	if hm.Status().Status != "degraded" {
		t.Error("failed run should degrade health")
	}
}

func TestNumericFaultIsCritical(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.RecordNumericFault(errors.New("head 2 normalizer is NaN"))

	st := hm.Status()
	if st.Status != "critical" || st.Performance.NanCount != 1 {
		t.Errorf("status %q nan count %d", st.Status, st.Performance.NanCount)
	}
	if !strings.Contains(st.Alerts[0].Message, "head 2") {
		t.Errorf("alert = %q", st.Alerts[0].Message)
	}
}

func TestStatusAndAdminEndpoints(t *testing.T) {
	hm := NewHealthMonitor("v1.2.3")
	hm.SetEngine(EngineInfo{Backend: "device", EmbedDim: 12, NumHeads: 2, KeyDim: 4})
	hm.RecordDeviceMemory(3 << 30)
	r := newRouter(hm)

	var st HealthStatus
	if err := json.Unmarshal(get(t, r, "/status").Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Version != "v1.2.3" || st.Engine.Backend != "device" || st.Engine.DeviceMemoryMB != 3072 {
		t.Errorf("status = %+v", st)
	}

	var alerts []Alert
	if err := json.Unmarshal(get(t, r, "/admin/alerts").Body.Bytes(), &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Component != "device" {
		t.Fatalf("alerts = %+v", alerts)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if w.Code != http.StatusOK || len(hm.Alerts()) != 0 {
		t.Errorf("clear: code %d, %d alerts left", w.Code, len(hm.Alerts()))
	}

	if w := get(t, r, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "infini_") {
		t.Errorf("metrics endpoint: code %d", w.Code)
	}
}

func TestAlertHistoryIsBounded(t *testing.T) {
	hm := NewHealthMonitor("test")
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "engine", "tick")
	}
	if n := len(hm.Alerts()); n != maxAlerts {
		t.Errorf("alerts = %d, want %d", n, maxAlerts)
	}
}
