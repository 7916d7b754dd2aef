package advisory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hubenschmidt/callassist/internal/metrics"
)

// ErrNoPersister is returned by Persist on a store built without a Persister.
var ErrNoPersister = errors.New("advisory store has no persister")

// CallRecord is the authoritative record of a finished call as reported by
// the telephony provider.
type CallRecord struct {
	CallID         string        `json:"call_id"`
	ProviderCallID string        `json:"provider_call_id"`
	AgentID        string        `json:"agent_id"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Direction      string        `json:"direction"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`
	RecordingURL   string        `json:"recording_url,omitempty"`
	// Recording is the transcoded call audio as 16 kHz mono WAV, if any.
	Recording []byte `json:"-"`
}

// Persister stores a finished call. FetchRecording returns nil, nil when the
// call has no recording.
type Persister interface {
	FetchCallRecord(ctx context.Context, call CallInfo) (*CallRecord, error)
	FetchRecording(ctx context.Context, rec *CallRecord) ([]byte, error)
	SubmitCallRecord(ctx context.Context, rec *CallRecord) (string, error)
	SubmitMessages(ctx context.Context, recordID string, msgs []Message) error
}

// Persist saves the call record and every message. A call while another is
// in flight, or after one succeeded, logs a warning and returns nil.
// Steps are not transactional: a failure after SubmitCallRecord leaves the
// record without its messages.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	if s.persister == nil {
		s.mu.Unlock()
		return ErrNoPersister
	}
	if s.saving || s.persisted {
		s.mu.Unlock()
		s.log.Warn("persist skipped, save already in progress or done")
		return nil
	}
	s.saving = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	start := time.Now()
	recordID, err := s.persist(ctx, snap)

	s.mu.Lock()
	s.saving = false
	s.persisted = err == nil
	s.mu.Unlock()

	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Persists.WithLabelValues("error").Inc()
		metrics.Errors.WithLabelValues("persist", "submit").Inc()
		return err
	}
	metrics.Persists.WithLabelValues("ok").Inc()
	s.log.Info("call persisted", "record_id", recordID, "messages", len(snap.Messages))
	return nil
}

func (s *Store) persist(ctx context.Context, snap State) (string, error) {
	rec, err := s.persister.FetchCallRecord(ctx, snap.Call)
	if err != nil {
		return "", fmt.Errorf("fetch call record: %w", err)
	}

	audio, err := s.persister.FetchRecording(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("fetch recording: %w", err)
	}
	rec.Recording = audio

	recordID, err := s.persister.SubmitCallRecord(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("submit call record: %w", err)
	}

	if err := s.persister.SubmitMessages(ctx, recordID, snap.Messages); err != nil {
		return recordID, fmt.Errorf("submit messages for %s: %w", recordID, err)
	}
	return recordID, nil
}
