// Package metrics exposes chat request metrics in Prometheus format. The
// collectors are fed from the internal event bus, so request code never
// touches them directly.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mia/internal/bus"
)

const namespace = "mia"

// Metrics owns a registry with the chat collectors.
type Metrics struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	activeStreams   prometheus.Gauge
	transactions    prometheus.Counter
	suggestions     prometheus.Counter
	confirms        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests grouped by outcome and error kind",
		}, []string{"outcome", "error_kind"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "Duration of successful chat requests, from send to finished",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_active_streams",
			Help:      "Chat requests currently streaming",
		}),
		transactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_records_total",
			Help:      "Transaction records received from the income tool",
		}),
		suggestions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_fetched_total",
			Help:      "Messages that received suggested questions",
		}),
		confirms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirm_answers_total",
			Help:      "Confirm prompts answered, by answer",
		}, []string{"answer"}),
	}
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Subscribe feeds the collectors from eb. It returns the handler id for
// EventBus.Off("*", id).
func (m *Metrics) Subscribe(eb *bus.EventBus) string {
	return eb.On("*", m.observe)
}

func (m *Metrics) observe(e bus.Event) {
	switch e.Type {
	case bus.EventStreamStarted:
		m.activeStreams.Inc()
	case bus.EventStreamFinished:
		m.activeStreams.Dec()
		m.requestsTotal.WithLabelValues("finished", "").Inc()
		if d, ok := e.Payload[bus.KeyDuration].(time.Duration); ok {
			m.requestDuration.Observe(d.Seconds())
		}
	case bus.EventStreamFailed:
		m.activeStreams.Dec()
		kind, _ := e.Payload[bus.KeyErrorKind].(string)
		if kind == "" {
			kind = "unknown"
		}
		m.requestsTotal.WithLabelValues("failed", kind).Inc()
	case bus.EventStreamCancelled:
		m.activeStreams.Dec()
		m.requestsTotal.WithLabelValues("cancelled", "").Inc()
	case bus.EventTransactionsReceived:
		if n, ok := e.Payload[bus.KeyRecords].(int); ok {
			m.transactions.Add(float64(n))
		}
	case bus.EventSuggestionsFetched:
		m.suggestions.Inc()
	case bus.EventConfirmHandled:
		answer := "rejected"
		if ok, _ := e.Payload[bus.KeyConfirmed].(bool); ok {
			answer = "accepted"
		}
		m.confirms.WithLabelValues(answer).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Router serves /metrics and /healthz.
func (m *Metrics) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
