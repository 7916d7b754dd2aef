package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callassist/internal/advisor"
	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/transcribe"
)

type fakeSource struct {
	frames chan audio.Frame
	closed atomic.Int32
}

func (s *fakeSource) Frames() <-chan audio.Frame { return s.frames }

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeLeg struct {
	events  chan ProviderEvent
	source  *fakeSource
	hangups atomic.Int32
}

func newFakeLeg() *fakeLeg {
	return &fakeLeg{
		events: make(chan ProviderEvent, 4),
		source: &fakeSource{frames: make(chan audio.Frame, 16)},
	}
}

func (l *fakeLeg) Events() <-chan ProviderEvent { return l.events }

func (l *fakeLeg) Audio() (audio.Source, error) { return l.source, nil }

func (l *fakeLeg) Hangup(context.Context) error {
	l.hangups.Add(1)
	return nil
}

func (l *fakeLeg) accept() {
	l.events <- ProviderEvent{Type: ProviderAccepted, ProviderCallID: "CA1"}
}

func (l *fakeLeg) disconnect() {
	l.events <- ProviderEvent{Type: ProviderDisconnected, Reason: "completed"}
}

type fakeStream struct {
	events chan transcribe.Event
	sent   atomic.Int32
	closes atomic.Int32
	once   sync.Once
}

func (s *fakeStream) Send(audio.Frame) error {
	s.sent.Add(1)
	return nil
}

func (s *fakeStream) Events() <-chan transcribe.Event { return s.events }

func (s *fakeStream) Close(time.Duration) error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.events) })
	return nil
}

type fakePersister struct {
	mu       sync.Mutex
	fetches  int
	messages []advisory.Message
}

func (p *fakePersister) FetchCallRecord(_ context.Context, info advisory.CallInfo) (*advisory.CallRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	return &advisory.CallRecord{CallID: info.CallID, ProviderCallID: info.ProviderCallID}, nil
}

func (p *fakePersister) FetchRecording(context.Context, *advisory.CallRecord) ([]byte, error) {
	return nil, nil
}

func (p *fakePersister) SubmitCallRecord(context.Context, *advisory.CallRecord) (string, error) {
	return "rec-1", nil
}

func (p *fakePersister) SubmitMessages(_ context.Context, _ string, msgs []advisory.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

type backendFunc func(ctx context.Context, req advisor.Request) (string, error)

func (f backendFunc) Advise(ctx context.Context, req advisor.Request) (string, error) {
	return f(ctx, req)
}

type harness struct {
	leg       *fakeLeg
	stream    *fakeStream
	persister *fakePersister
	ctrl      *Controller

	mu   sync.Mutex
	seen []string
}

func newHarness(t *testing.T, openErr error) *harness {
	t.Helper()
	return newHarnessWith(t, openErr, nil)
}

func newHarnessWith(t *testing.T, openErr error, tune func(*Config)) *harness {
	t.Helper()
	h := &harness{
		leg:       newFakeLeg(),
		stream:    &fakeStream{events: make(chan transcribe.Event, 8)},
		persister: &fakePersister{},
	}
	router := advisor.NewRouter(map[string]advisor.Backend{
		"http": backendFunc(func(_ context.Context, req advisor.Request) (string, error) {
			h.mu.Lock()
			h.seen = append(h.seen, req.Transcription)
			h.mu.Unlock()
			return "You should process the refund now.", nil
		}),
	}, "http")

	cfg := Config{Debounce: time.Minute, CloseGrace: 10 * time.Millisecond}
	cfg.Segmenter = audio.DefaultSegmenterConfig()
	cfg.Segmenter.AnalysisInterval = 10 * time.Millisecond
	if tune != nil {
		tune(&cfg)
	}

	h.ctrl = NewController(h.leg, cfg, Deps{
		Transcriber: TranscriberFunc(func(context.Context, transcribe.Format) (TranscriptStream, error) {
			if openErr != nil {
				return nil, openErr
			}
			return h.stream, nil
		}),
		Advisors: func(callID string, src advisor.ContextSource) Advisor {
			return advisor.NewDispatcher(router, src, advisor.DispatcherConfig{CallID: callID, Engine: "http"})
		},
		Persister: h.persister,
	})
	return h
}

func (h *harness) utterances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func (h *harness) startActive(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background(), Request{CallID: "call-1", AgentID: "agent-7", RemoteNumber: "+33123456789"}))
	h.leg.accept()
	require.Eventually(t, func() bool { return h.ctrl.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call never finished cleanup")
	}
}

func TestStart_MissingIdentityFails(t *testing.T) {
	h := newHarness(t, nil)

	err := h.ctrl.Start(context.Background(), Request{CallID: "call-1"})
	require.ErrorIs(t, err, ErrNoCallerIdentity)

	waitDone(t, h.ctrl)
	sess := h.ctrl.Session()
	assert.Equal(t, StateFailed, sess.State)
	assert.NotEmpty(t, sess.Error)
	assert.Zero(t, h.persister.count())
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), Request{CallID: "call-1", AgentID: "a"}))
	assert.ErrorIs(t, h.ctrl.Start(context.Background(), Request{CallID: "call-1", AgentID: "a"}), ErrAlreadyStarted)
	require.NoError(t, h.ctrl.Hangup(context.Background()))
}

func TestFinalTranscript_ProducesAdvisory(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	sess := h.ctrl.Session()
	assert.Equal(t, "CA1", sess.ProviderCallID)
	assert.False(t, sess.StartedAt.IsZero())
	assert.Equal(t, "CA1", h.ctrl.Store().Snapshot().Call.ProviderCallID)

	h.stream.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "I need a refund", IsFinal: true}

	require.Eventually(t, func() bool { return len(h.ctrl.Store().Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)
	msg := h.ctrl.Store().Snapshot().Messages[0]
	assert.Equal(t, advisory.CategoryAction, msg.Category)
	assert.Equal(t, []string{"I need a refund"}, h.utterances())

	h.leg.disconnect()
	waitDone(t, h.ctrl)

	assert.Equal(t, StateEnded, h.ctrl.State())
	assert.True(t, h.ctrl.Store().Snapshot().CallEnded)
	assert.Equal(t, 1, h.persister.count())
	assert.Len(t, h.persister.messages, 1)
	assert.NoError(t, h.ctrl.Err())
}

func loudFrame() audio.Frame {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 8000
	}
	return audio.Frame{Samples: samples, SampleRate: 16000, Captured: time.Now()}
}

func TestSpeechThenSilence_OneUtteranceOneAdvisory(t *testing.T) {
	h := newHarnessWith(t, nil, func(cfg *Config) {
		cfg.Debounce = 30 * time.Millisecond
		cfg.Segmenter.SilenceTimeout = 150 * time.Millisecond
	})
	h.startActive(t)

	for i := range 20 {
		h.leg.source.frames <- loudFrame()
		switch i {
		case 2:
			h.stream.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "I need a"}
		case 5:
			h.stream.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "I need a refund"}
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Debounce elapsed long ago but the caller is still mid-turn.
	assert.Empty(t, h.utterances())

	require.Eventually(t, func() bool { return len(h.ctrl.Store().Snapshot().Messages) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"I need a refund"}, h.utterances())
	assert.Equal(t, advisory.CategoryAction, h.ctrl.Store().Snapshot().Messages[0].Category)

	h.leg.disconnect()
	waitDone(t, h.ctrl)

	assert.Len(t, h.ctrl.Store().Snapshot().Messages, 1)
	assert.Equal(t, []string{"I need a refund"}, h.utterances())
	assert.Equal(t, 1, h.persister.count())
}

func TestAudioReachesTranscription(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	for range 3 {
		h.leg.source.frames <- audio.Frame{Samples: make([]int16, 320), SampleRate: 16000, Captured: time.Now()}
	}
	require.Eventually(t, func() bool { return h.stream.sent.Load() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Hangup(context.Background()))
	assert.Equal(t, int32(1), h.leg.source.closed.Load())
}

func TestCleanup_OnceUnderRacingEnds(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.Hangup(context.Background())
		}()
	}
	h.leg.disconnect()
	close(h.leg.events)
	wg.Wait()
	waitDone(t, h.ctrl)

	assert.Equal(t, 1, h.persister.count())
	assert.Equal(t, int32(1), h.stream.closes.Load())
	assert.Equal(t, int32(1), h.leg.source.closed.Load())
	assert.Equal(t, StateEnded, h.ctrl.State())
}

func TestEnd_FlushesPendingUtteranceBeforePersist(t *testing.T) {
	h := newHarness(t, nil)
	h.startActive(t)

	h.stream.events <- transcribe.Event{Type: transcribe.EventTranscript, Text: "please cancel my order"}
	require.Eventually(t, func() bool { return h.ctrl.assembler.Pending().Text != "" }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Hangup(context.Background()))

	assert.Equal(t, []string{"please cancel my order"}, h.utterances())
	assert.Len(t, h.persister.messages, 1)
	assert.Equal(t, int32(1), h.leg.hangups.Load())
}

func TestTranscriberUnavailable_CallContinues(t *testing.T) {
	h := newHarness(t, errors.New("dial refused"))
	h.startActive(t)

	h.leg.source.frames <- audio.Frame{Samples: make([]int16, 320), SampleRate: 16000}
	h.leg.disconnect()
	waitDone(t, h.ctrl)

	assert.Equal(t, StateEnded, h.ctrl.State())
	assert.Equal(t, 1, h.persister.count())
}

func TestHangupBeforeAccept_SkipsPersist(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(context.Background(), Request{CallID: "call-1", AgentID: "a"}))
	assert.Equal(t, StateInitiating, h.ctrl.State())

	require.NoError(t, h.ctrl.Hangup(context.Background()))

	assert.Equal(t, StateEnded, h.ctrl.State())
	assert.Zero(t, h.persister.count())
	assert.True(t, h.ctrl.Store().Snapshot().CallEnded)

	// A late accept after cleanup never reactivates the call.
	h.leg.accept()
	assert.Equal(t, StateEnded, h.ctrl.State())
}
