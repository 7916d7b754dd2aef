// Package call supervises one live call: it wires telephony audio through
// segmentation, transcription, utterance assembly and the advisor into the
// call's advisory store, and tears all of it down exactly once.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/hubenschmidt/callassist/internal/advisor"
	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/transcribe"
)

// State is a call's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateActive     State = "active"
	StateEnded      State = "ended"
	// StateFailed is terminal for calls that never got set up.
	StateFailed State = "failed"
)

var (
	// ErrNoCallerIdentity rejects a start request without an agent identity.
	ErrNoCallerIdentity = errors.New("no authenticated caller identity")
	ErrAlreadyStarted   = errors.New("call already started")
)

// Request starts a call.
type Request struct {
	CallID       string `json:"call_id"`
	AgentID      string `json:"agent_id"`
	RemoteNumber string `json:"remote_number"`
	Provider     string `json:"provider"`
}

// Session is a snapshot of a call's lifecycle.
type Session struct {
	CallID         string    `json:"call_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	RemoteNumber   string    `json:"remote_number"`
	AgentID        string    `json:"agent_id"`
	Provider       string    `json:"provider"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	// Duration is whole seconds spent active.
	Duration int    `json:"duration_seconds"`
	Error    string `json:"error,omitempty"`
}

// TranscriptStream is an open transcription session.
type TranscriptStream interface {
	Send(f audio.Frame) error
	Events() <-chan transcribe.Event
	Close(grace time.Duration) error
}

// Transcriber opens a transcript stream for a call.
type Transcriber interface {
	Open(ctx context.Context, f transcribe.Format) (TranscriptStream, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, f transcribe.Format) (TranscriptStream, error)

func (fn TranscriberFunc) Open(ctx context.Context, f transcribe.Format) (TranscriptStream, error) {
	return fn(ctx, f)
}

// StreamsFrom opens streams with a transcribe.Client.
func StreamsFrom(c *transcribe.Client) Transcriber {
	return TranscriberFunc(func(ctx context.Context, f transcribe.Format) (TranscriptStream, error) {
		s, err := c.Open(ctx, f)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Advisor turns a finalized utterance into an advisory, or nil.
type Advisor interface {
	Forward(ctx context.Context, text string) *advisory.Message
}

// AdvisorFactory builds the advisor for one call, reading context from src.
type AdvisorFactory func(callID string, src advisor.ContextSource) Advisor
