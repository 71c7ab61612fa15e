// Package metrics holds the Prometheus collectors for the chat server.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_ws_connections",
		Help: "Current number of open websocket connections",
	})
	Users = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_users",
		Help: "Current number of joined users",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_messages_total",
		Help: "Chat messages stored and broadcast",
	})
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_messages_rejected_total",
		Help: "Chat messages refused, by error code",
	}, []string{"code"})
	DroppedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a client's queue was full",
	})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Users,
		MessagesTotal,
		RejectedTotal,
		DroppedFramesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
