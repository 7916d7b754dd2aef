package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/metrics"
	"github.com/hubenschmidt/callassist/internal/transcribe"
	"github.com/hubenschmidt/callassist/internal/utterance"
)

const (
	defaultCloseGrace     = 2 * time.Second
	defaultPersistTimeout = 30 * time.Second
	defaultFlushTimeout   = 10 * time.Second
	// analysisWindow bounds how much audio the ring buffer holds between ticks.
	analysisWindow = time.Second
)

// Config tunes per-call processing.
type Config struct {
	Segmenter      audio.SegmenterConfig
	Debounce       time.Duration
	CloseGrace     time.Duration
	PersistTimeout time.Duration
	FlushTimeout   time.Duration
}

func (c *Config) defaults() {
	def := audio.DefaultSegmenterConfig()
	if c.Segmenter.SampleRate <= 0 {
		c.Segmenter.SampleRate = def.SampleRate
	}
	if c.Segmenter.AnalysisInterval <= 0 {
		c.Segmenter.AnalysisInterval = def.AnalysisInterval
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Transcriber Transcriber
	Advisors    AdvisorFactory
	Persister   advisory.Persister
	// Observers are subscribed to every call's advisory store.
	Observers []advisory.Observer
	Logger    *slog.Logger
}

// Controller runs one call from start request to persisted record.
type Controller struct {
	cfg  Config
	deps Deps
	tel  Telephony
	log  *slog.Logger

	store *advisory.Store

	mu      sync.Mutex
	session Session
	err     error

	// ctx lives from Start until cleanup has flushed the last utterance.
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	ended   atomic.Bool
	hangup  chan struct{}
	done    chan struct{}

	// resMu guards the media resources below; activate and cleanup hold it.
	resMu      sync.Mutex
	activated  bool
	stream     TranscriptStream
	assembler  *utterance.Assembler
	graph      *audio.Graph
	stopTimer  context.CancelFunc
	transcript chan struct{}
}

// NewController returns an idle controller for a telephony leg.
func NewController(tel Telephony, cfg Config, deps Deps) *Controller {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		deps:    deps,
		tel:     tel,
		log:     deps.Logger,
		store:   advisory.NewStore(deps.Persister, deps.Logger),
		session: Session{State: StateIdle},
		hangup:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Store is the call's advisory store.
func (c *Controller) Store() *advisory.Store { return c.store }

func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) State() State {
	return c.Session().State
}

// Done closes once the call has ended and cleanup finished.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the persistence error, if any, once Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start validates the request and begins supervising the telephony leg.
func (c *Controller) Start(ctx context.Context, req Request) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	c.session.CallID = req.CallID
	c.session.AgentID = req.AgentID
	c.session.RemoteNumber = req.RemoteNumber
	c.session.Provider = req.Provider
	c.mu.Unlock()
	c.log = c.log.With("call_id", req.CallID)

	if req.AgentID == "" {
		c.fail(ErrNoCallerIdentity)
		c.ended.Store(true)
		metrics.CallsTotal.WithLabelValues(string(StateFailed)).Inc()
		close(c.done)
		return ErrNoCallerIdentity
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.setState(StateInitiating)
	c.store.Reset(advisory.CallInfo{
		CallID:       req.CallID,
		AgentID:      req.AgentID,
		RemoteNumber: req.RemoteNumber,
		Provider:     req.Provider,
	})
	for _, obs := range c.deps.Observers {
		c.store.Subscribe(obs)
	}

	c.log.Info("call initiating", "agent_id", req.AgentID, "provider", req.Provider)
	go c.run()
	return nil
}

// Hangup ends the call at the provider and waits for cleanup.
func (c *Controller) Hangup(ctx context.Context) error {
	if !c.started.Load() {
		return errors.New("call not started")
	}
	if err := c.tel.Hangup(ctx); err != nil {
		c.log.Warn("provider hangup", "error", err)
	}
	c.cleanup("hangup")

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	events := c.tel.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				c.cleanup("provider closed")
				return
			}
			switch ev.Type {
			case ProviderAccepted:
				if err := c.activate(ev); err != nil {
					c.log.Error("call setup failed", "error", err)
					metrics.Errors.WithLabelValues("call", "setup").Inc()
					c.fail(err)
					c.cleanup("setup failed")
					return
				}
			case ProviderDisconnected:
				c.cleanup(ev.Reason)
				return
			}
		}
	}
}

// activate moves the call to active and starts the media pipeline.
func (c *Controller) activate(ev ProviderEvent) error {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	if c.ended.Load() || c.activated {
		return nil
	}

	src, err := c.tel.Audio()
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.session.ProviderCallID = ev.ProviderCallID
	if ev.RemoteNumber != "" && c.session.RemoteNumber == "" {
		c.session.RemoteNumber = ev.RemoteNumber
	}
	c.session.StartedAt = now
	sess := c.session
	c.mu.Unlock()

	c.store.SetCall(advisory.CallInfo{
		CallID:         sess.CallID,
		ProviderCallID: sess.ProviderCallID,
		AgentID:        sess.AgentID,
		RemoteNumber:   sess.RemoteNumber,
		Provider:       sess.Provider,
		StartedAt:      now,
	})

	adv := c.deps.Advisors(sess.CallID, c.store)
	c.assembler = utterance.New(c.ctx, utterance.Config{Debounce: c.cfg.Debounce, Logger: c.log}, func(ctx context.Context, text string) {
		if msg := adv.Forward(ctx, text); msg != nil {
			c.store.Append(*msg)
		}
	})

	rate := c.cfg.Segmenter.SampleRate
	stream, err := c.deps.Transcriber.Open(c.ctx, transcribe.Format{
		Encoding:     "LINEAR16",
		SampleRate:   rate,
		RemoteNumber: sess.RemoteNumber,
	})
	if err != nil {
		// Advisories stop, the call itself carries on.
		c.log.Error("transcript stream unavailable", "error", err)
		metrics.Errors.WithLabelValues("transcribe", "open").Inc()
	} else {
		c.stream = stream
		c.transcript = make(chan struct{})
		go c.transcriptLoop(stream, c.transcript)
	}

	segmenter := audio.NewSegmenter(c.cfg.Segmenter)
	ring := audio.NewRingBuffer(int(analysisWindow.Seconds() * float64(rate)))
	captureCtx, stopCapture := context.WithCancel(c.ctx)
	analyzerDone := make(chan struct{})
	workletDone := make(chan struct{})
	stopAnalyzer := make(chan struct{})
	stopWorklet := make(chan struct{})

	go c.analysisLoop(captureCtx, segmenter, ring, stopAnalyzer, analyzerDone)
	go c.frameLoop(captureCtx, src, ring, stopWorklet, workletDone)

	c.graph = audio.NewGraph(c.log,
		audio.Node{Name: "analyzer", Release: func() error {
			close(stopAnalyzer)
			<-analyzerDone
			return nil
		}},
		audio.Node{Name: "source", Release: src.Close},
		audio.Node{Name: "worklet", Release: func() error {
			close(stopWorklet)
			<-workletDone
			return nil
		}},
		audio.Node{Name: "context", Release: func() error {
			stopCapture()
			return nil
		}},
	)

	timerCtx, stopTimer := context.WithCancel(c.ctx)
	c.stopTimer = stopTimer
	go c.durationLoop(timerCtx)

	c.activated = true
	c.setState(StateActive)
	metrics.CallsActive.Inc()
	c.log.Info("call active", "provider_call_id", sess.ProviderCallID, "remote_number", sess.RemoteNumber)
	return nil
}

// frameLoop pumps captured frames into the analysis ring and the transcript stream.
func (c *Controller) frameLoop(ctx context.Context, src audio.Source, ring *audio.RingBuffer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	frames := src.Frames()
	warned := false
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			metrics.AudioFrames.Inc()
			ring.Write(f.Samples)
			if c.stream == nil {
				continue
			}
			if err := c.stream.Send(f); err != nil && !warned {
				warned = true
				c.log.Warn("audio not reaching transcription", "error", err)
			}
		}
	}
}

// analysisLoop samples the latest audio window on a fixed period and drives
// the segmenter, independent of how frames arrive.
func (c *Controller) analysisLoop(ctx context.Context, seg *audio.Segmenter, ring *audio.RingBuffer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Segmenter.AnalysisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ev audio.SegmentEvent
			if window := ring.Window(); window != nil {
				ev = seg.Observe(audio.Frame{Samples: window, SampleRate: c.cfg.Segmenter.SampleRate, Captured: time.Now()})
			} else {
				ev = seg.Tick()
			}
			if ev == audio.SegmentQuiet {
				continue
			}
			if ev == audio.SegmentSpeechStarted {
				metrics.SpeechSegments.Inc()
			}
			c.log.Debug("segment", "event", ev)
			c.assembler.OnSegment(ev)
		}
	}
}

func (c *Controller) transcriptLoop(stream TranscriptStream, done chan<- struct{}) {
	defer close(done)
	for ev := range stream.Events() {
		if ev.Type == transcribe.EventError {
			continue
		}
		c.assembler.OnTranscript(ev)
	}
}

func (c *Controller) durationLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.session.Duration++
			c.mu.Unlock()
		}
	}
}

// cleanup runs once per call no matter how many paths end it: mark the
// store ended, close transcription, flush the assembler, release audio
// nodes, then persist.
func (c *Controller) cleanup(reason string) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	c.resMu.Lock()
	defer c.resMu.Unlock()

	c.log.Info("call ending", "reason", reason)
	if c.stopTimer != nil {
		c.stopTimer()
	}
	c.store.MarkCallEnded()

	if c.stream != nil {
		if err := c.stream.Close(c.cfg.CloseGrace); err != nil {
			c.log.Warn("close transcript stream", "error", err)
		}
		<-c.transcript
	}

	if c.assembler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
		if err := c.assembler.Flush(ctx); err != nil {
			c.log.Warn("flush pending utterance", "error", err)
		}
		cancel()
	}

	if c.graph != nil {
		if err := c.graph.Release(); err != nil {
			c.log.Warn("audio graph released with errors", "error", err)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}

	var persistErr error
	if c.activated {
		metrics.CallsActive.Dec()
	}
	if c.activated && c.deps.Persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		persistErr = c.store.Persist(ctx)
		cancel()
		if persistErr != nil {
			c.log.Error("persist call", "error", persistErr)
		}
	}

	c.mu.Lock()
	c.err = persistErr
	if c.session.State != StateFailed {
		c.session.State = StateEnded
	}
	final := c.session
	c.mu.Unlock()

	metrics.CallsTotal.WithLabelValues(string(final.State)).Inc()
	if c.activated {
		metrics.CallDuration.Observe(float64(final.Duration))
	}
	c.log.Info("call ended", "state", final.State, "duration_seconds", final.Duration)
	close(c.done)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.State = s
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.State = StateFailed
	c.session.Error = err.Error()
}
