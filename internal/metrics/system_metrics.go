package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemMetrics периодически снимает показатели рантайма
type SystemMetrics interface {
	Record()
	StartRecording(interval time.Duration)
	Stop()
}

type systemMetrics struct {
	log          *logger.Logger
	goroutines   prometheus.Gauge
	memoryAlloc  prometheus.Gauge
	memorySystem prometheus.Gauge
	gcRuns       prometheus.Counter

	mu        sync.Mutex
	lastNumGC uint32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSystemMetrics создает новые системные метрики
func NewSystemMetrics(registry prometheus.Registerer, log *logger.Logger) SystemMetrics {
	factory := promauto.With(registry)

	return &systemMetrics{
		log: log,
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "billing_system_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAlloc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "billing_system_memory_alloc_bytes",
			Help: "Currently allocated heap memory in bytes",
		}),
		memorySystem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "billing_system_memory_system_bytes",
			Help: "Total memory obtained from system in bytes",
		}),
		gcRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_system_gc_runs_total",
			Help: "Completed garbage collection cycles",
		}),
		stopCh: make(chan struct{}),
	}
}

// Record снимает текущие значения
func (m *systemMetrics) Record() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAlloc.Set(float64(memStats.Alloc))
	m.memorySystem.Set(float64(memStats.Sys))

	// счетчик растет на число новых циклов GC с прошлого снимка
	m.mu.Lock()
	if memStats.NumGC > m.lastNumGC {
		m.gcRuns.Add(float64(memStats.NumGC - m.lastNumGC))
		m.lastNumGC = memStats.NumGC
	}
	m.mu.Unlock()
}

// StartRecording начинает запись метрик с заданным интервалом
func (m *systemMetrics) StartRecording(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Record()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Infow("System metrics recording started", "interval", interval)
}

// Stop останавливает запись метрик; повторный вызов безопасен
func (m *systemMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.log.Infow("System metrics recording stopped")
	})
}
