package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FederationMetrics tracks delivery, verification and resolution
type FederationMetrics struct {
	// Delivery metrics
	ActivitiesEnqueued   prometheus.Counter
	InboxesBlocked       prometheus.Counter
	DeliveryAttempts     *prometheus.CounterVec
	DeliveryLatency      prometheus.Histogram
	DestinationFailCount *prometheus.GaugeVec
	ActiveWorkers        prometheus.Gauge
	InactiveDestinations prometheus.Gauge

	// Verification metrics
	Rejections      *prometheus.CounterVec
	InboundAccepted *prometheus.CounterVec

	// Resolver metrics
	Resolutions  *prometheus.CounterVec
	Fetches      prometheus.Counter
	FetchLatency prometheus.Histogram
}

// Outcome label values of DeliveryAttempts
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// Result label values of Resolutions
const (
	ResultCached   = "cached"
	ResultFetched  = "fetched"
	ResultNegative = "negative"
	ResultFailed   = "failed"
	ResultGone     = "gone"
	ResultBlocked  = "blocked"
)

// NewFederationMetrics creates and registers Prometheus metrics
func NewFederationMetrics(registry prometheus.Registerer) *FederationMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &FederationMetrics{
		ActivitiesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_activities_enqueued_total",
			Help: "Total number of outgoing activities stored for delivery",
		}),
		InboxesBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_inboxes_blocked_total",
			Help: "Inboxes dropped before enqueueing because their domain is not allowed",
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_delivery_latency_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		}),
		DestinationFailCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "federation_destination_fail_count",
			Help: "Consecutive failed attempts per destination",
		}, []string{"destination"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "federation_delivery_workers",
			Help: "Number of running destination workers",
		}),
		InactiveDestinations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "federation_inactive_destinations",
			Help: "Destinations marked inactive after a permanent failure",
		}),

		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_verification_rejections_total",
			Help: "Inbound documents rejected by the verification gate, by reason",
		}, []string{"reason"}),
		InboundAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbound_accepted_total",
			Help: "Inbound activities handed to the handler, by kind",
		}, []string{"kind"}),

		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_resolutions_total",
			Help: "Object resolutions by result",
		}, []string{"result"}),
		Fetches: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_fetches_total",
			Help: "Network fetches performed by the object resolver",
		}),
		FetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_fetch_latency_seconds",
			Help:    "Duration of a single object fetch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests and
// components constructed without metrics.
func NewNop() *FederationMetrics {
	return NewFederationMetrics(prometheus.NewRegistry())
}
