// Package metrics holds the Prometheus collectors for the feed, the round
// engine and the spread tracker. A nil *Collector is valid and records
// nothing, so components can run without metrics wired.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

// Collector owns a registry and every engine metric.
type Collector struct {
	registry *prometheus.Registry

	feedSamples   *prometheus.CounterVec
	feedFailovers prometheus.Counter
	feedPrice     prometheus.Gauge

	betsPlaced      prometheus.Counter
	betsRejected    *prometheus.CounterVec
	betVolume       prometheus.Counter
	roundsSettled   *prometheus.CounterVec
	settleDuration  prometheus.Histogram
	roundsRecovered prometheus.Counter
	anomalies       *prometheus.CounterVec

	spreadTransitions *prometheus.CounterVec
	spreadFetchErrors *prometheus.CounterVec
	spreadPollLatency prometheus.Histogram

	httpRequests *prometheus.CounterVec
}

// New creates a Collector with process and Go runtime collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		feedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "samples_total",
			Help: "Accepted price samples by provider and transport.",
		}, []string{"provider", "transport"}),
		feedFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "failovers_total",
			Help: "Provider failovers triggered by the watchdog.",
		}),
		feedPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "last_price",
			Help: "Most recent accepted feed price.",
		}),
		betsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "round", Name: "bets_placed_total",
			Help: "Bets accepted.",
		}),
		betsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "round", Name: "bets_rejected_total",
			Help: "Bets rejected by reason code.",
		}, []string{"code"}),
		betVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "round", Name: "bet_volume_total",
			Help: "Sum of accepted bet amounts in minor units.",
		}),
		roundsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "round", Name: "settled_total",
			Help: "Rounds settled by winning side.",
		}, []string{"winner"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "round", Name: "settle_duration_seconds",
			Help:    "Time spent in the settlement transaction.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		roundsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "round", Name: "recovered_total",
			Help: "Stuck rounds force-closed at bootstrap.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomalies_total",
			Help: "Invariant violations rejected at the data layer.",
		}, []string{"kind"}),
		spreadTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "spread", Name: "transitions_total",
			Help: "Spread track state transitions.",
		}, []string{"from", "to"}),
		spreadFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "spread", Name: "fetch_errors_total",
			Help: "Failed CEX or DEX price fetches.",
		}, []string{"source"}),
		spreadPollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "spread", Name: "poll_duration_seconds",
			Help:    "Duration of one full poll over every track.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	c.registry.MustRegister(
		c.feedSamples, c.feedFailovers, c.feedPrice,
		c.betsPlaced, c.betsRejected, c.betVolume,
		c.roundsSettled, c.settleDuration, c.roundsRecovered, c.anomalies,
		c.spreadTransitions, c.spreadFetchErrors, c.spreadPollLatency,
		c.httpRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// FeedSample records an accepted price sample.
func (c *Collector) FeedSample(provider, transport string, price float64) {
	if c == nil {
		return
	}
	c.feedSamples.WithLabelValues(provider, transport).Inc()
	c.feedPrice.Set(price)
}

// FeedFailover records a watchdog failover.
func (c *Collector) FeedFailover() {
	if c == nil {
		return
	}
	c.feedFailovers.Inc()
}

// BetPlaced records an accepted bet.
func (c *Collector) BetPlaced(amount int64) {
	if c == nil {
		return
	}
	c.betsPlaced.Inc()
	c.betVolume.Add(float64(amount))
}

// BetRejected records a rejected bet by its error code.
func (c *Collector) BetRejected(code string) {
	if c == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	c.betsRejected.WithLabelValues(code).Inc()
}

// RoundSettled records a settlement and how long it took.
func (c *Collector) RoundSettled(winner string, took time.Duration) {
	if c == nil {
		return
	}
	c.roundsSettled.WithLabelValues(winner).Inc()
	c.settleDuration.Observe(took.Seconds())
}

// RoundRecovered records a stuck round closed at bootstrap.
func (c *Collector) RoundRecovered() {
	if c == nil {
		return
	}
	c.roundsRecovered.Inc()
}

// Anomaly records an invariant violation.
func (c *Collector) Anomaly(kind string) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(kind).Inc()
}

// SpreadTransition records a track moving between states.
func (c *Collector) SpreadTransition(from, to string) {
	if c == nil {
		return
	}
	c.spreadTransitions.WithLabelValues(from, to).Inc()
}

// SpreadFetchError records a failed price fetch; source is "cex" or "dex".
func (c *Collector) SpreadFetchError(source string) {
	if c == nil {
		return
	}
	c.spreadFetchErrors.WithLabelValues(source).Inc()
}

// SpreadPoll records the duration of one poll cycle.
func (c *Collector) SpreadPoll(took time.Duration) {
	if c == nil {
		return
	}
	c.spreadPollLatency.Observe(took.Seconds())
}

// HTTPRequest records a served request.
func (c *Collector) HTTPRequest(method, route string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
