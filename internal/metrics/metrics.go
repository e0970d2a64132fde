package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_segments_processed_total",
		Help: "Segments pushed through the attention pipeline",
	}, []string{"backend", "kind"})

	TokensProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_tokens_processed_total",
		Help: "Tokens pushed through the attention pipeline",
	}, []string{"backend"})

	SegmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infini_segment_duration_seconds",
		Help:    "Wall time of one segment pass, dispatch to download",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"backend"})

	SegmentLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infini_segment_length_tokens",
		Help:    "Distribution of segment lengths",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infini_device_kernel_duration_seconds",
		Help:    "Histogram of device kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infini_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the compute device",
	})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infini_host_scratch_allocated_bytes",
		Help: "Current bytes held by the CPU reference scratch pool",
	})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_device_transfer_bytes_total",
		Help: "Bytes moved between host and device",
	}, []string{"direction"})

	TransferFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_device_transfer_failures_total",
		Help: "Uploads or downloads that failed to complete",
	}, []string{"direction"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_numerical_instability_total",
		Help: "Total number of NaN/Inf/negative values detected in head memory",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	MemoryMass = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infini_head_memory_mass",
		Help: "Accumulated key mass (sum of the normalizer) per head",
	}, []string{"head"})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_document_conversions_total",
		Help: "Document-to-text conversions by method and outcome",
	}, []string{"method", "outcome"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infini_runs_total",
		Help: "Stream runs by backend and outcome",
	}, []string{"backend", "outcome"})
)

func RecordSegment(backend string, tokens int, final bool, duration time.Duration) {
	kind := "full"
	if final {
		kind = "final"
	}
	SegmentsProcessed.WithLabelValues(backend, kind).Inc()
	TokensProcessed.WithLabelValues(backend).Add(float64(tokens))
	SegmentDuration.WithLabelValues(backend).Observe(duration.Seconds())
	SegmentLength.Observe(float64(tokens))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordTransfer(direction string, bytes int) {
	TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordTransferFailure(direction string) {
	TransferFailures.WithLabelValues(direction).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount, negCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
	if negCount > 0 {
		NumericalInstability.WithLabelValues(name, "negative").Add(float64(negCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordMemoryMass(head int, mass float64) {
	MemoryMass.WithLabelValues(strconv.Itoa(head)).Set(mass)
}

func RecordConversion(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Conversions.WithLabelValues(method, outcome).Inc()
}

func RecordRun(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RunsCompleted.WithLabelValues(backend, outcome).Inc()
}
