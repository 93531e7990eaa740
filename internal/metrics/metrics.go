package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RedemptionDuration tracks the latency of code redemption by outcome.
	RedemptionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fabric_redemption_duration_seconds",
			Help: "Duration of redemption requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
			},
		},
		[]string{"status"}, // ok, already_redeemed_today, out_of_stock, race_lost, error
	)

	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_redemptions_total",
		Help: "Redemption outcomes by reason",
	}, []string{"reason"})

	ThrottlePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_throttle_pending",
		Help: "Sends waiting for their channel window",
	})

	ThrottleSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_throttle_sends_total",
		Help: "Throttled sends by result",
	}, []string{"result"})

	FollowUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_followups_total",
		Help: "Follow-up lifecycle events",
	}, []string{"event"}) // scheduled, duplicate, fired, failed, canceled

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_realtime_connections",
		Help: "Open realtime connections",
	})

	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_realtime_events_total",
		Help: "Realtime frames written, by event type",
	}, []string{"type"})

	CampaignDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_campaign_deliveries_total",
		Help: "Campaign deliveries by result",
	}, []string{"result"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_jobs_total",
		Help: "Job executions by name and result",
	}, []string{"name", "result"})
)

// RecordRedemption records the duration of a redemption request.
func RecordRedemption(status string, seconds float64) {
	RedemptionDuration.WithLabelValues(status).Observe(seconds)
	Redemptions.WithLabelValues(status).Inc()
}

func JobOutcome(name, result string) {
	Jobs.WithLabelValues(name, result).Inc()
}

func Handler() http.Handler { return promhttp.Handler() }
