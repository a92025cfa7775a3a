package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "keynotify"

// Result labels
const (
	ResultOk         = "ok"
	ResultError      = "error"
	ResultIncomplete = "incomplete"
	ResultSent       = "already_sent"
)

const handlerTimeout = 10 * time.Second

var registry = prometheus.NewRegistry()

var (
	DispatchTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of notification dispatches.",
		},
		[]string{"result"},
	)
	DeliveriesTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of email deliveries.",
		},
		[]string{"result"},
	)
	LookupsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyserver_lookups_total",
			Help:      "Total number of keyserver lookups.",
		},
		[]string{"result"},
	)
	TasksTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks.",
		},
		[]string{"task", "result"},
	)
)

// ErrorLabel returns the result label corresponding to err.
func ErrorLabel(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOk
}

// LookupLabel returns the result label of a keyserver lookup.
func LookupLabel(err error) string {
	var le *hkp.LookupError
	if errors.As(err, &le) {
		return strings.ReplaceAll(le.Kind.String(), " ", "_")
	}
	return ErrorLabel(err)
}

// Handler returns the HTTP handler exposing keynotify metrics.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		registry,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Timeout: handlerTimeout}),
	)
}

// Serve exposes metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", LogRequestHandler(Handler()))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	logrus.WithField("address", addr).Info("Exporting prometheus metrics")

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
