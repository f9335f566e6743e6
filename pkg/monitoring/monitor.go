package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 独立注册表，测试中重复 Init 不会与默认注册表冲突
var Registry = prometheus.NewRegistry()

var (
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkup",
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkup",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkup",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 5},
	}, []string{"method", "route"})

	// 实时通道
	WSOnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linkup",
		Subsystem: "ws",
		Name:      "online_connections",
		Help:      "WebSocket connections held by this instance",
	})

	WSEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkup",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Realtime events by type and direction (in, out, dropped)",
	}, []string{"type", "direction"})

	// 业务
	ConnectionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkup",
		Name:      "connection_transitions_total",
		Help:      "Connection request state transitions",
	}, []string{"status"})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkup",
		Name:      "messages_total",
		Help:      "Message operations",
	}, []string{"op"})
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			HTTPInFlight,
			HTTPRequests,
			HTTPLatency,
			WSOnlineConnections,
			WSEventsTotal,
			ConnectionTransitions,
			MessagesTotal,
		)
	})
}

// MetricsMiddleware 按路由模板打点，未匹配的路径归为 unmatched 避免标签膨胀
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		begin := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(begin).Seconds())
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
	return gin.WrapH(h)
}
