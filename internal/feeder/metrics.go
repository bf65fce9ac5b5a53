package feeder

import (
	"context"
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRecorder is safe to use as a nil pointer, which records nothing.
type metricsRecorder struct {
	frames        prom.Counter
	confirmations *prom.CounterVec
	hatchOpen     prom.Gauge
	hatchCloses   prom.Counter
	feedLow       prom.Gauge
	commands      *prom.CounterVec
	jobs          *prom.CounterVec
	jobsDropped   *prom.CounterVec
}

func newMetricsRecorder(reg *prom.Registry) *metricsRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	m := &metricsRecorder{
		frames: prom.NewCounter(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "frames_total",
			Help:      "Detection batches processed",
		}),
		confirmations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "confirmations_total",
			Help:      "Birds confirmed by the detection filter",
		}, []string{"species"}),
		hatchOpen: prom.NewGauge(prom.GaugeOpts{
			Namespace: "feeder",
			Name:      "hatch_open",
			Help:      "1 while the hatch is open",
		}),
		hatchCloses: prom.NewCounter(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "hatch_closes_total",
			Help:      "Times the hatch closed on a pest",
		}),
		feedLow: prom.NewGauge(prom.GaugeOpts{
			Namespace: "feeder",
			Name:      "feed_low",
			Help:      "1 while the device reports low feed",
		}),
		commands: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "serial_commands_total",
			Help:      "Command bytes written to the device",
		}, []string{"command"}),
		jobs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "jobs_total",
			Help:      "Background jobs by outcome",
		}, []string{"job", "result"}),
		jobsDropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "feeder",
			Name:      "jobs_dropped_total",
			Help:      "Background jobs dropped because the queue was full",
		}, []string{"job"}),
	}
	reg.MustRegister(m.frames, m.confirmations, m.hatchOpen, m.hatchCloses, m.feedLow, m.commands, m.jobs, m.jobsDropped)
	m.hatchOpen.Set(1)
	return m
}

func (m *metricsRecorder) frame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *metricsRecorder) confirmed(species string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(species).Inc()
}

func (m *metricsRecorder) hatch(s HatchState) {
	if m == nil {
		return
	}
	if s == HatchOpen {
		m.hatchOpen.Set(1)
		return
	}
	m.hatchOpen.Set(0)
	m.hatchCloses.Inc()
}

func (m *metricsRecorder) feedLevel(l FeedLevel) {
	if m == nil {
		return
	}
	if l == FeedLow {
		m.feedLow.Set(1)
	} else {
		m.feedLow.Set(0)
	}
}

func (m *metricsRecorder) command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

func (m *metricsRecorder) jobFinished(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.jobs.WithLabelValues(name, result).Inc()
}

func (m *metricsRecorder) jobDropped(name string) {
	if m == nil {
		return
	}
	m.jobsDropped.WithLabelValues(name).Inc()
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prom.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server failed: %v", err)
	}
}
