package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	InvitesSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_invites_sent_total", Help: "Unified invite texts sent"})
	RemindersSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_reminders_sent_total", Help: "Reminder texts sent"})
	SlotFilledNotices = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_slot_filled_notices_total", Help: "Slot-filled notices sent to losing candidates"})
	Broadcasts        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_unfilled_broadcasts_total", Help: "Final-escalation broadcasts to the pool channel"})
	SendFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_send_failures_total", Help: "Outbound sends that errored"})

	RepliesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sms_replies_received_total", Help: "Inbound webhook replies by kind"}, []string{"kind"})

	ActionsRegistered = prometheus.NewCounter(prometheus.CounterOpts{Name: "escalation_actions_registered_total", Help: "Deferred actions registered"})
	ActionsFired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "escalation_actions_fired_total", Help: "Deferred actions that fired and acted"})
	ActionsSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "escalation_actions_skipped_total", Help: "Fired actions that no-opped on a guard check"})
	ActionsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "escalation_actions_cancelled_total", Help: "Pending actions removed by cancellation"})
	PendingActions    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "escalation_actions_pending", Help: "Actions currently waiting in the scheduled set"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_rate_limit_rejects_total", Help: "Webhook requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			InvitesSent,
			RemindersSent,
			SlotFilledNotices,
			Broadcasts,
			SendFailures,
			RepliesReceived,
			ActionsRegistered,
			ActionsFired,
			ActionsSkipped,
			ActionsCancelled,
			PendingActions,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
