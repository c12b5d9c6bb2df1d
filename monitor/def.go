package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Monitor holds the process and detection metrics of one server. A nil
// *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process

	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	requests   *prometheus.CounterVec
	detections prometheus.Counter
	failures   *prometheus.CounterVec
	latency    prometheus.Histogram
}

func New() (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		proc:     proc,
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bytewhisperer_requests_total",
			Help: "Requests received, by transport and method",
		}, []string{"transport", "method"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bytewhisperer_detections_total",
			Help: "Objects reported across all images",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bytewhisperer_failures_total",
			Help: "Failed images, by phase",
		}, []string{"phase"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bytewhisperer_detect_seconds",
			Help:    "Time spent in detect and fetch per image",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.memUsage, m.cpuUsage, m.requests, m.detections, m.failures, m.latency,
		collectors.NewGoCollector(),
	)
	return m, nil
}

func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) Request(transport, method string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, method).Inc()
}

// Observe records one detect call.
func (m *Monitor) Observe(elapsed time.Duration, found int, err error) {
	if m == nil {
		return
	}
	m.latency.Observe(elapsed.Seconds())
	if err != nil {
		m.failures.WithLabelValues("detect").Inc()
		return
	}
	m.detections.Add(float64(found))
}

func (m *Monitor) Failure(phase string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(phase).Inc()
}

// CheckProcessInfo samples RSS and CPU of this process.
func (m *Monitor) CheckProcessInfo() {
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// Run samples process info every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
}

// Serve exposes /metrics on its own port until ctx is done.
func (m *Monitor) Serve(ctx context.Context, port int, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}()
	log.Info("metrics server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
