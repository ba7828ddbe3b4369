// Package telemetry exposes the service's Prometheus metrics: HTTP server
// metrics, relay forwarding outcomes, upstream sync outcomes and database pool
// gauges. Every Provider owns its registry so tests can build isolated ones.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config identifies the running binary in the build_info metric.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "wahub-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	relayRequests *prometheus.CounterVec
	relayForwards *prometheus.CounterVec
	relayLatency  *prometheus.HistogramVec
	upstreamSyncs *prometheus.CounterVec
	upstreamCalls *prometheus.HistogramVec
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: durationBuckets},
			[]string{"method", "route"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "HTTP requests currently being served."},
		),
		relayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_requests_total", Help: "Provider callbacks received by lookup outcome."},
			[]string{"outcome"},
		),
		relayForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_forwards_total", Help: "Forwards to subscriber URLs by result and status class."},
			[]string{"result", "status_class"},
		),
		relayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "relay_forward_duration_seconds", Help: "Subscriber forward latency in seconds.", Buckets: durationBuckets},
			[]string{"result"},
		),
		upstreamSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "upstream_webhook_syncs_total", Help: "Webhook sync calls to the provider by action and result."},
			[]string{"action", "result"},
		),
		upstreamCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "upstream_request_duration_seconds", Help: "Provider API call latency in seconds.", Buckets: durationBuckets},
			[]string{"operation"},
		),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata of the running binary.",
		ConstLabels: prometheus.Labels{
			"service":     cfg.ServiceName,
			"version":     cfg.ServiceVersion,
			"environment": cfg.Environment,
		},
	})
	buildInfo.Set(1)

	p.registry.MustRegister(
		p.httpRequests, p.httpDuration, p.httpInFlight,
		p.relayRequests, p.relayForwards, p.relayLatency,
		p.upstreamSyncs, p.upstreamCalls,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterPool exports pgxpool statistics as gauges read at scrape time.
func (p *Provider) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return fn(pool.Stat())
		})
	}
	p.registry.MustRegister(
		gauge("db_pool_total_conns", "Connections currently in the pool.", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("db_pool_idle_conns", "Idle pooled connections.", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("db_pool_acquired_conns", "Connections checked out of the pool.", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("db_pool_max_conns", "Pool size limit.", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

// ObserveRelay counts one provider callback by lookup outcome.
func (p *Provider) ObserveRelay(outcome string) {
	p.relayRequests.WithLabelValues(outcome).Inc()
}

// ObserveForward records one subscriber forward. statusCode is 0 when no
// response was received.
func (p *Provider) ObserveForward(delivered bool, statusCode int, d time.Duration) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	p.relayForwards.WithLabelValues(result, StatusClass(statusCode)).Inc()
	p.relayLatency.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveSync counts one upstream webhook add/update/delete attempt.
func (p *Provider) ObserveSync(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.upstreamSyncs.WithLabelValues(action, result).Inc()
}

// ObserveUpstream records the latency of one provider API call.
func (p *Provider) ObserveUpstream(operation string, d time.Duration) {
	p.upstreamCalls.WithLabelValues(operation).Observe(d.Seconds())
}

// StatusClass buckets an HTTP status into "2xx".."5xx", or "none" when no
// response was received.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}

// MetricsMiddleware records request counts and latency by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			p.httpInFlight.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
