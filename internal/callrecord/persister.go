package callrecord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/telephony"
)

// Provider is the part of the telephony REST API persistence needs.
type Provider interface {
	FetchCall(ctx context.Context, sid string) (*telephony.Call, error)
	LatestRecording(ctx context.Context, callSID string) (*telephony.Recording, error)
	DownloadRecording(ctx context.Context, rec *telephony.Recording) ([]byte, error)
}

// Submitter stores call records and their advisories.
type Submitter interface {
	SubmitCallRecord(ctx context.Context, rec *advisory.CallRecord) (string, error)
	SubmitMessages(ctx context.Context, recordID string, msgs []advisory.Message) error
}

// Persister implements advisory.Persister. Without a provider, or for calls
// the provider never identified, the record is built from local call info.
type Persister struct {
	provider Provider
	store    Submitter
	log      *slog.Logger
}

func NewPersister(provider Provider, store Submitter, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{provider: provider, store: store, log: log}
}

func (p *Persister) FetchCallRecord(ctx context.Context, info advisory.CallInfo) (*advisory.CallRecord, error) {
	rec := &advisory.CallRecord{
		CallID:         info.CallID,
		ProviderCallID: info.ProviderCallID,
		AgentID:        info.AgentID,
		To:             info.RemoteNumber,
		Status:         "completed",
		StartedAt:      info.StartedAt,
		EndedAt:        time.Now().UTC(),
	}
	if !info.StartedAt.IsZero() {
		rec.Duration = rec.EndedAt.Sub(info.StartedAt).Truncate(time.Second)
	}
	if p.provider == nil || info.ProviderCallID == "" {
		return rec, nil
	}

	c, err := p.provider.FetchCall(ctx, info.ProviderCallID)
	if err != nil {
		return nil, err
	}
	rec.From = c.From
	rec.To = c.To
	rec.Direction = c.Direction
	rec.Status = c.Status
	if !c.StartTime.IsZero() {
		rec.StartedAt = c.StartTime
	}
	if !c.EndTime.IsZero() {
		rec.EndedAt = c.EndTime
	}
	if c.Duration > 0 {
		rec.Duration = c.Duration
	}
	return rec, nil
}

func (p *Persister) FetchRecording(ctx context.Context, rec *advisory.CallRecord) ([]byte, error) {
	if p.provider == nil || rec.ProviderCallID == "" {
		return nil, nil
	}
	r, err := p.provider.LatestRecording(ctx, rec.ProviderCallID)
	if err != nil || r == nil {
		return nil, err
	}
	raw, err := p.provider.DownloadRecording(ctx, r)
	if err != nil {
		return nil, err
	}
	wav, err := Transcode(raw)
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", r.SID, err)
	}
	rec.RecordingURL = r.MediaURL
	p.log.Info("recording transcoded", "recording_sid", r.SID, "bytes", len(wav))
	return wav, nil
}

func (p *Persister) SubmitCallRecord(ctx context.Context, rec *advisory.CallRecord) (string, error) {
	return p.store.SubmitCallRecord(ctx, rec)
}

func (p *Persister) SubmitMessages(ctx context.Context, recordID string, msgs []advisory.Message) error {
	return p.store.SubmitMessages(ctx, recordID, msgs)
}
