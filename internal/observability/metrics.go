package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesBooked = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_booked_total", Help: "Rides booked by dispatch mode and resulting status"},
		[]string{"mode", "status"},
	)
	RideRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_total", Help: "Ride request transitions by status"},
		[]string{"status"},
	)
	FanoutSize      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fanout_size", Help: "Candidate drivers per booking", Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21}})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Acceptances that lost a race for the ride or driver"})
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_completed_total", Help: "Rides completed by the trip timer"})
	HandlesInUse    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "handles_in_use", Help: "Resource handles currently held by rides"})
	HandleExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "handle_exhausted_total", Help: "Acquire attempts that found no free handle"})
	ProvisionErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sandbox_provision_failures_total", Help: "Sandbox provisioning failures"})
	DriversExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drivers_expired_total", Help: "Drivers demoted to offline by the liveness sweep"})
	BacklogAssigned = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "backlog_assignments_total", Help: "Pending rides assigned by backlog dispatch"})
	OfferDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offer_deliveries_total", Help: "Ride request offers delivered to drivers by channel"}, []string{"channel", "result"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride lifecycle events published"}, []string{"type", "result"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "booking_latency_seconds", Help: "Time spent booking a ride including fanout"})

	CouponEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "coupon_evaluations_total", Help: "Coupon evaluations by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
