// Package metrics counts RPC traffic, helper processes, and shutdowns on a
// private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statd/internal/logging"
)

// Collector implements the observer interfaces of transport, reaper, and
// subproc. A nil *Collector ignores every observation.
type Collector struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	reaped     *prometheus.CounterVec
	subprocess *prometheus.CounterVec
	shutdowns  *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statd_rpc_requests_total",
				Help: "RPC messages received, by transport and dispatch result.",
			},
			[]string{"proto", "result"},
		),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statd_children_reaped_total",
				Help: "Background helpers collected after exit.",
			},
			[]string{"result"},
		),
		subprocess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statd_subprocess_runs_total",
				Help: "Synchronous helper runs, by outcome.",
			},
			[]string{"result"},
		),
		shutdowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statd_shutdowns_total",
				Help: "Shutdowns started, by signal.",
			},
			[]string{"signal"},
		),
	}
	c.registry.MustRegister(c.requests, c.reaped, c.subprocess, c.shutdowns)
	return c
}

func (c *Collector) ObserveRequest(proto, result string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(proto, result).Inc()
}

func (c *Collector) ObserveReaped(result string) {
	if c == nil {
		return
	}
	c.reaped.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveSubprocess(result string) {
	if c == nil {
		return
	}
	c.subprocess.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveShutdown(signal string) {
	if c == nil {
		return
	}
	c.shutdowns.WithLabelValues(signal).Inc()
}

// Registry exposes the underlying registry for gathering.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends. The listener is bound
// before Serve returns so bind errors are reported synchronously.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(logger, "metrics server stopped", "metrics_serve_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "metrics are no longer exported"),
			)
		}
	}()
	return ln.Addr(), nil
}
