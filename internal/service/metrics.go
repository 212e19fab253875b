package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики жизненного цикла слотов. Регистрируются в default registry,
// gin-prometheus отдает их на /metrics вместе с HTTP-метриками.
var (
	slotAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storychain_slot_acquire_total",
		Help: "Slot acquisition requests by result (acquired, conflict, active_session, error).",
	}, []string{"result"})

	paymentVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storychain_payment_verify_total",
		Help: "Payment verification requests by result (verified, failed, unavailable, duplicate).",
	}, []string{"result"})

	promptSubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storychain_prompt_submit_total",
		Help: "Prompt submissions by outcome (dispatched, rejected, window_expired, limit_exceeded).",
	}, []string{"result"})

	attemptOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storychain_attempt_outcome_total",
		Help: "Terminal attempt outcomes (succeeded, failed, abandoned).",
	}, []string{"outcome"})

	slotsReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storychain_slots_reclaimed_total",
		Help: "Slots repaired by the staleness sweep.",
	})

	generationJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storychain_generation_job_seconds",
		Help:    "Wall time from job dispatch to terminal prompt outcome.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})
)
