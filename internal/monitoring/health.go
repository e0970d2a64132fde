package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-infini/internal/logger"
	"github.com/23skdu/longbow-infini/internal/metrics"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// EngineInfo describes the configured attention engine
type EngineInfo struct {
	Backend        string `json:"backend"`
	Adapter        string `json:"adapter,omitempty"`
	SegmentSize    int    `json:"segment_size"`
	EmbedDim       int    `json:"embed_dim"`
	VocabSize      int    `json:"vocab_size"`
	NumHeads       int    `json:"num_heads"`
	KeyDim         int    `json:"key_dim"`
	DeviceMemoryMB int64  `json:"device_memory_mb"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	Runs            int       `json:"runs"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	NanCount        int       `json:"nan_count"`
	LastRun         time.Time `json:"last_run"`
}

// Alert represents a service alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, device, memory
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor tracks run outcomes and alerts for the HTTP service
type HealthMonitor struct {
	startTime   time.Time
	version     string
	mu          sync.RWMutex
	alerts      []Alert
	lastRun     time.Time
	perfHistory []PerfPoint
	nanCount    int
	engine      EngineInfo
}

// PerfPoint represents a performance data point
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		version:     version,
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// SetEngine records what the service is running.
func (hm *HealthMonitor) SetEngine(info EngineInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine = info
}

// Register mounts /health, /healthz, /status, /metrics and the admin
// alert endpoints on r.
func (hm *HealthMonitor) Register(r gin.IRoutes) {
	r.GET("/health", hm.handleHealth)
	r.GET("/healthz", hm.handleHealth)
	r.GET("/status", hm.handleDetailedStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/admin/alerts", hm.handleAlerts)
	r.POST("/admin/clear-alerts", hm.handleClearAlerts)
}

// RecordRun records one finished request.
func (hm *HealthMonitor) RecordRun(tokens int, duration time.Duration, err error) {
	point := PerfPoint{Timestamp: time.Now(), Tokens: tokens, Duration: duration, Failed: err != nil}

	hm.mu.Lock()
	hm.lastRun = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "engine", fmt.Sprintf("Run failed: %v", err))
		return
	}
	hm.checkPerformanceAlerts(point)
}

// RecordNumericFault records a numeric degeneracy.
func (hm *HealthMonitor) RecordNumericFault(err error) {
	hm.mu.Lock()
	hm.nanCount++
	hm.mu.Unlock()
	hm.AddAlert("critical", "engine", fmt.Sprintf("Numeric fault: %v", err))
}

// RecordDeviceMemory records device memory usage
func (hm *HealthMonitor) RecordDeviceMemory(bytes int64) {
	metrics.RecordDeviceMemory(bytes)

	hm.mu.Lock()
	hm.engine.DeviceMemoryMB = bytes / (1024 * 1024)
	hm.mu.Unlock()

	if memoryMB := bytes / (1024 * 1024); memoryMB > 2048 {
		hm.AddAlert("warning", "device",
			fmt.Sprintf("High device memory usage: %d MB", memoryMB))
	}
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(c *gin.Context) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(c *gin.Context) {
	c.JSON(http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(c *gin.Context) {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"message": "alerts cleared"})
}

// Alerts returns a copy of the current alerts.
func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return alerts
}

// Status computes the current health.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      hm.engine,
		Performance: hm.performanceInfo(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

// performanceInfo must be called with mu held.
func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{Runs: len(hm.perfHistory), NanCount: hm.nanCount, LastRun: hm.lastRun}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, failed int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		totalTokens += point.Tokens
		totalDuration += point.Duration
		if point.Failed {
			failed++
		}
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	info.P95LatencyMs = latencies[p95Index]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 || point.Tokens == 0 {
		return
	}
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if tokensPerSecond < 1.0 {
		hm.AddAlert("warning", "performance",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tokensPerSecond))
	}

	latencyMs := float64(point.Duration.Nanoseconds()) / 1e6
	if latencyMs > 5000 {
		hm.AddAlert("error", "performance",
			fmt.Sprintf("High latency: %.2f ms", latencyMs))
	}
}
