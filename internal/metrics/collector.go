// Package metrics provides Prometheus-backed instrumentation for the guest agent.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements comprehensive metrics collection for the FUSE transport,
// content store, and activation engine.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationSize      *prometheus.HistogramVec
	gcBytesReclaimed   prometheus.Counter
	gcPathsCollected   prometheus.Counter
	storeSizeGauge     prometheus.Gauge
	queueDepth         prometheus.Gauge
	activationDuration *prometheus.HistogramVec
	generationGauge    prometheus.Gauge
	errorCounter       *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// OperationMetrics tracks metrics for a specific FUSE operation type.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// defaultMetricsPort is the default listener port for the /metrics endpoint.
const defaultMetricsPort = 9377

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           defaultMetricsPort,
			Path:           "/metrics",
			Namespace:      "guestagent",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go c.updateLoop(ctx)

	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records a FUSE session operation (lookup, read, write, ...).
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, exists := c.operations[operation]; exists {
		m.Count++
		m.TotalDuration += duration
		m.TotalSize += size
		if !success {
			m.Errors++
		}
		m.LastOperation = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
		m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	} else {
		errs := int64(0)
		if !success {
			errs = 1
		}
		c.operations[operation] = &OperationMetrics{
			Count:         1,
			TotalDuration: duration,
			TotalSize:     size,
			Errors:        errs,
			LastOperation: time.Now(),
			AvgDuration:   duration,
			AvgSize:       float64(size),
		}
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if !success {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "type": "failure"}).Inc()
	}
}

// RecordGC records the result of a single garbage-collection pass.
func (c *Collector) RecordGC(pathsCollected int, bytesReclaimed int64) {
	if !c.config.Enabled {
		return
	}
	c.gcPathsCollected.Add(float64(pathsCollected))
	c.gcBytesReclaimed.Add(float64(bytesReclaimed))
}

// RecordActivation records the wall-clock duration of an activation phase.
func (c *Collector) RecordActivation(phase string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.activationDuration.With(prometheus.Labels{"phase": phase}).Observe(duration.Seconds())
}

// UpdateStoreSize updates the total size of the content-addressed store.
func (c *Collector) UpdateStoreSize(bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.storeSizeGauge.Set(float64(bytes))
}

// UpdateQueueDepth updates the number of in-flight virtqueue submissions.
func (c *Collector) UpdateQueueDepth(depth int) {
	if !c.config.Enabled {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// UpdateCurrentGeneration updates the currently active generation id.
func (c *Collector) UpdateCurrentGeneration(id uint32) {
	if !c.config.Enabled {
		return
	}
	c.generationGauge.Set(float64(id))
}

// RecordError records an error against an operation for classification.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "type": classifyError(err)}).Inc()
}

// GetMetrics returns current metrics as a generic map for debug output.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets all internal operation tracking.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() error {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "fuse_operations_total",
			Help:      "Total number of FUSE session operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "fuse_operation_duration_seconds",
			Help:      "Duration of FUSE operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3.3s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "fuse_operation_size_bytes",
			Help:      "Size of read/write payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 14), // 64B to ~1GB
		},
		[]string{"operation"},
	)

	c.gcBytesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "gc_bytes_reclaimed_total",
		Help:      "Total bytes reclaimed by store garbage collection",
	})

	c.gcPathsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "gc_paths_collected_total",
		Help:      "Total store paths removed by garbage collection",
	})

	c.storeSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "store_size_bytes",
		Help:      "Current size of the content-addressed store",
	})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "virtqueue_in_flight",
		Help:      "Number of in-flight virtqueue submissions",
	})

	c.activationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "activation_phase_duration_seconds",
			Help:      "Duration of activation phases (plan, swap, config-reconcile)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"phase"},
	)

	c.generationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      "current_generation",
		Help:      "Id of the currently active system generation",
	})

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and class",
		},
		[]string{"operation", "type"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.gcBytesReclaimed,
		c.gcPathsCollected,
		c.storeSizeGauge,
		c.queueDepth,
		c.activationDuration,
		c.generationGauge,
		c.errorCounter,
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "short response"):
		return "short_response"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "permission"):
		return "permission"
	default:
		return "other"
	}
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// periodic metrics (store/queue gauges) are pushed by their
			// owning components via UpdateStoreSize/UpdateQueueDepth.
		}
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"guestagent-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Guest Agent Operations Summary\n")
	writef("===============================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %14s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	for name, op := range c.operations {
		writef("%-20s %10d %10d %14v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}
