// Package telemetry provides prometheus implementations of the reporter
// hooks the request and stream pipelines accept. Both reporters are optional;
// a nil reporter records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
)

var (
	_ request.Reporter = (*Reporter)(nil)
	_ stream.Reporter  = (*StreamReporter)(nil)
)

// Reporter observes the REST pipeline: completed requests by outcome, round
// trip latency and time spent queued behind the rate limiter.
type Reporter struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.HistogramVec
}

// NewReporter constructs REST instruments registered against the supplied
// registerer. A nil registerer falls back to the prometheus default.
func NewReporter(reg prometheus.Registerer) *Reporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Reporter{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unicex",
				Subsystem: "rest",
				Name:      "requests_total",
				Help:      "Completed venue requests by endpoint and outcome.",
			},
			[]string{"exchange", "method", "path", "status", "auth"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unicex",
				Subsystem: "rest",
				Name:      "request_seconds",
				Help:      "Venue request round trip durations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange", "path"},
		),
		throttled: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unicex",
				Subsystem: "rest",
				Name:      "throttle_wait_seconds",
				Help:      "Time requests spent waiting for rate limit capacity.",
				Buckets:   []float64{.001, .005, .025, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"exchange"},
		),
	}
	reg.MustRegister(r.requests, r.latency, r.throttled)
	return r
}

// Latency records one completed request.
func (r *Reporter) Latency(venue, method, path string, status int, authenticated bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	auth := "public"
	if authenticated {
		auth = "private"
	}
	r.requests.WithLabelValues(venue, method, path, strconv.Itoa(status), auth).Inc()
	if elapsed > 0 {
		r.latency.WithLabelValues(venue, path).Observe(elapsed.Seconds())
	}
}

// ThrottleWait records time a request spent queued behind the limiter.
func (r *Reporter) ThrottleWait(venue string, waited time.Duration) {
	if r == nil || waited <= 0 {
		return
	}
	r.throttled.WithLabelValues(venue).Observe(waited.Seconds())
}

// StreamReporter observes websocket command round trips: frames sent, their
// sizes and the latency until the venue's matched reply.
type StreamReporter struct {
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	frames   *prometheus.HistogramVec
}

// NewStreamReporter constructs stream instruments registered against the
// supplied registerer. A nil registerer falls back to the prometheus default.
func NewStreamReporter(reg prometheus.Registerer) *StreamReporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &StreamReporter{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unicex",
				Subsystem: "stream",
				Name:      "commands_total",
				Help:      "Websocket commands that received a matched reply.",
			},
			[]string{"exchange"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unicex",
				Subsystem: "stream",
				Name:      "command_seconds",
				Help:      "Websocket command round trip durations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
		frames: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unicex",
				Subsystem: "stream",
				Name:      "frame_bytes",
				Help:      "Outbound websocket frame sizes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"exchange"},
		),
	}
	reg.MustRegister(r.commands, r.latency, r.frames)
	return r
}

// Latency records one websocket command round trip.
func (r *StreamReporter) Latency(name string, message []byte, t time.Duration) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(name).Inc()
	r.frames.WithLabelValues(name).Observe(float64(len(message)))
	if t > 0 {
		r.latency.WithLabelValues(name).Observe(t.Seconds())
	}
}

// Handler serves metrics in prometheus text exposition format. A nil gatherer
// serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
