package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callassist_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callassist_calls_total",
		Help: "Calls by terminal state",
	}, []string{"state"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callassist_call_duration_seconds",
		Help:    "Connected call duration",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callassist_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callassist_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callassist_audio_frames_total",
		Help: "Audio frames received from telephony",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callassist_speech_segments_total",
		Help: "Speech turns detected by the segmenter",
	})

	TranscriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callassist_transcript_events_total",
		Help: "Transcript events received by kind",
	}, []string{"kind"})

	Utterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callassist_utterances_total",
		Help: "Finalized utterances forwarded to the advisor",
	})

	Advisories = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callassist_advisories_total",
		Help: "Advisory messages emitted by category",
	}, []string{"category", "priority"})

	AdvisoriesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callassist_advisories_suppressed_total",
		Help: "Advisor responses dropped as empty or pure sentiment",
	})

	TranscribeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callassist_transcribe_reconnects_total",
		Help: "Transcription transport reconnect attempts",
	})

	Persists = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callassist_persist_total",
		Help: "Call record persistence outcomes",
	}, []string{"status"})
)
