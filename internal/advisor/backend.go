// Package advisor sends finalized utterances to an AI-assist backend and
// turns its replies into classified advisory messages.
package advisor

import (
	"context"
	"time"

	"github.com/hubenschmidt/callassist/internal/advisory"
)

// Backend produces raw advice for one utterance. An empty string means the
// backend had nothing to say.
type Backend interface {
	Advise(ctx context.Context, req Request) (string, error)
}

// Request is the advisory endpoint's request body.
type Request struct {
	Transcription string         `json:"transcription"`
	CallSID       string         `json:"callSid"`
	IsAgent       bool           `json:"isAgent"`
	Context       []ContextEntry `json:"context"`
}

// ContextEntry is a prior advisory sent back to the backend as context.
type ContextEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func contextFrom(msgs []advisory.Message) []ContextEntry {
	out := make([]ContextEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ContextEntry{
			Role:      string(m.Role),
			Content:   m.Content,
			Category:  string(m.Category),
			Priority:  string(m.Priority),
			Timestamp: m.Timestamp,
		})
	}
	return out
}
