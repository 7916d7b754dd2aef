package audio

import (
	"sync"
	"time"
)

// SegmenterConfig controls voice activity detection and turn segmentation.
type SegmenterConfig struct {
	// Threshold is the RMS amplitude, as a ratio of full scale, at or above
	// which a frame counts as speech.
	Threshold float64
	// SilenceTimeout is how long the line must stay quiet after the last
	// active frame before the turn ends.
	SilenceTimeout time.Duration
	// AnalysisInterval is the period at which the capture ring buffer is sampled.
	AnalysisInterval time.Duration
	SampleRate       int
}

// DefaultSegmenterConfig returns defaults tuned for narrowband call audio.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Threshold:        0.015,
		SilenceTimeout:   2000 * time.Millisecond,
		AnalysisInterval: 100 * time.Millisecond,
		SampleRate:       16000,
	}
}

// SegmentEvent is the outcome of observing one analysis window.
type SegmentEvent int

const (
	// SegmentQuiet means no turn boundary was crossed.
	SegmentQuiet SegmentEvent = iota
	SegmentSpeechStarted
	SegmentSpeechEnded
)

func (e SegmentEvent) String() string {
	switch e {
	case SegmentSpeechStarted:
		return "speech-started"
	case SegmentSpeechEnded:
		return "speech-ended"
	}
	return "quiet"
}

// Segmenter is an energy-based voice activity detector. It has no I/O; the
// caller drives it once per analysis window.
type Segmenter struct {
	cfg SegmenterConfig
	now func() time.Time

	mu         sync.Mutex
	speaking   bool
	lastActive time.Time
	turnStart  time.Time
}

// SegmenterOption configures a Segmenter.
type SegmenterOption func(*Segmenter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) {
		s.now = now
	}
}

// NewSegmenter creates a Segmenter, filling zero config fields with defaults.
func NewSegmenter(cfg SegmenterConfig, opts ...SegmenterOption) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = def.AnalysisInterval
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	s := &Segmenter{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Segmenter) Config() SegmenterConfig {
	return s.cfg
}

// Observe classifies a frame and reports any speech/silence transition.
func (s *Segmenter) Observe(f Frame) SegmentEvent {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.RMS() >= s.cfg.Threshold {
		s.lastActive = now
		if s.speaking {
			return SegmentQuiet
		}
		s.speaking = true
		s.turnStart = now
		return SegmentSpeechStarted
	}
	return s.checkSilence(now)
}

// Tick evaluates the silence timeout when no audio arrived in the last
// analysis window.
func (s *Segmenter) Tick() SegmentEvent {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkSilence(now)
}

func (s *Segmenter) checkSilence(now time.Time) SegmentEvent {
	if !s.speaking {
		return SegmentQuiet
	}
	if now.Sub(s.lastActive) <= s.cfg.SilenceTimeout {
		return SegmentQuiet
	}
	s.speaking = false
	return SegmentSpeechEnded
}

// Speaking reports whether a turn is in progress.
func (s *Segmenter) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// TurnStart returns the time the current or most recent turn began.
func (s *Segmenter) TurnStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnStart
}
