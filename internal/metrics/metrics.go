// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecognitionTicks counts processed recognition loop ticks.
	RecognitionTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_recognition_ticks_total",
		Help: "Recognition loop ticks that sampled a frame.",
	})

	// Recognitions counts positive identifications.
	Recognitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_recognitions_total",
		Help: "Sessions where the subject passed the recognition gate.",
	})

	// RecognitionProgress is the current 0-100 gate progress.
	RecognitionProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_recognition_progress",
		Help: "Current recognition gate progress percentage.",
	})

	// ChallengesCompleted counts liveness challenges passed, by type.
	ChallengesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_liveness_challenges_completed_total",
		Help: "Liveness challenges completed, by challenge type.",
	}, []string{"challenge"})

	// Submissions counts attendance submission outcomes.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_submissions_total",
		Help: "Attendance submission attempts, by result.",
	}, []string{"result"})
)
