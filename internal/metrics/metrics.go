package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VM lifecycle metrics
var (
	VMsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noid_vms_active",
			Help: "Number of currently running VMs",
		},
		[]string{"state"},
	)

	VMCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_vm_create_duration_seconds",
			Help:    "Time to create a VM",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"path"}, // "cold" or "golden"
	)

	VMCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noid_vm_creates_total",
			Help: "Total VM creations",
		},
		[]string{"path", "status"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_exec_duration_seconds",
			Help:    "Time to execute a command in a VM",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
		[]string{"timed_out"},
	)

	ConsoleSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noid_console_sessions_active",
			Help: "Number of active console WebSocket sessions",
		},
		[]string{},
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_checkpoint_duration_seconds",
			Help:    "Time to create a checkpoint",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{},
	)

	BrokerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_broker_op_duration_seconds",
			Help:    "Time for network broker operations",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

// Control plane metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noid_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noid_auth_attempts_total",
			Help: "Total bearer auth attempts",
		},
		[]string{"result"},
	)

	RateLimitTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noid_rate_limit_trips_total",
			Help: "Total requests rejected by the auth rate limiter",
		},
		[]string{},
	)
)

func init() {
	prometheus.MustRegister(
		VMsActive,
		VMCreateDuration,
		VMCreatesTotal,
		ExecDuration,
		ConsoleSessionsActive,
		CheckpointDuration,
		BrokerOpDuration,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
		RateLimitTripsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			_ = err
		}
	}()
	return srv
}
