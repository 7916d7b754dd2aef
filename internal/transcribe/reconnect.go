package transcribe

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// ReconnectMode selects how a stream reacts to a dropped transport.
type ReconnectMode string

const (
	// ReconnectNone degrades silently: transcription stops, audio capture
	// and the rest of the call continue.
	ReconnectNone    ReconnectMode = "none"
	ReconnectBackoff ReconnectMode = "backoff"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 8 * time.Second
	jitterFactor       = 0.25
)

// ReconnectPolicy bounds reconnection attempts after a transport error.
type ReconnectPolicy struct {
	Mode       ReconnectMode
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// ParseReconnectPolicy maps a config value onto a policy with defaults.
func ParseReconnectPolicy(mode string) (ReconnectPolicy, error) {
	switch ReconnectMode(mode) {
	case "", ReconnectNone:
		return ReconnectPolicy{Mode: ReconnectNone}, nil
	case ReconnectBackoff:
		return ReconnectPolicy{
			Mode:       ReconnectBackoff,
			MaxRetries: defaultMaxRetries,
			Base:       defaultBackoffBase,
			Max:        defaultBackoffMax,
		}, nil
	}
	return ReconnectPolicy{}, fmt.Errorf("unknown reconnect policy %q", mode)
}

func (p ReconnectPolicy) enabled() bool {
	return p.Mode == ReconnectBackoff && p.MaxRetries > 0
}

// Backoff returns the jittered delay before the given zero-based attempt.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = defaultBackoffMax
	}
	d := base << min(attempt, 16)
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor * float64(d)
	return time.Duration(float64(d) + jitter)
}
