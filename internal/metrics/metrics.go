package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "readaloud_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_extractions_total",
		Help: "Text extractions by outcome",
	}, []string{"outcome"})

	extractionPages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "readaloud_extraction_pages",
		Help:    "Pages per extracted document",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	insights = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_insight_requests_total",
		Help: "AI insight requests by kind and outcome",
	}, []string{"kind", "outcome"})

	renders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_audio_renders_total",
		Help: "Audio render requests by outcome",
	}, []string{"outcome"})

	sweptArtifacts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readaloud_audio_artifacts_swept_total",
		Help: "Orphaned audio artifacts removed by the sweeper",
	})

	readerSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "readaloud_reader_sessions",
		Help: "Open reader sessions",
	})

	jobsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_jobs_total",
		Help: "Background jobs dispatched by kind",
	}, []string{"kind"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readaloud_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"route"})
)

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func Extraction(outcome string, pages int) {
	extractions.WithLabelValues(outcome).Inc()
	if pages > 0 {
		extractionPages.Observe(float64(pages))
	}
}

func Insight(kind, outcome string) { insights.WithLabelValues(kind, outcome).Inc() }

func Render(outcome string) { renders.WithLabelValues(outcome).Inc() }

func ArtifactsSwept(n int) { sweptArtifacts.Add(float64(n)) }

func ReaderSessionOpened() { readerSessions.Inc() }

func ReaderSessionClosed() { readerSessions.Dec() }

func JobDispatched(kind string) { jobsQueued.WithLabelValues(kind).Inc() }

func RateLimited(route string) { rateLimited.WithLabelValues(route).Inc() }
