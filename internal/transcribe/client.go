// Package transcribe streams call audio to a remote transcription service
// over a websocket and decodes the transcripts it sends back.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/metrics"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultWriteWait   = 5 * time.Second
	defaultCloseGrace  = 2 * time.Second
	eventBuffer        = 64
)

// ErrInactive is returned by Send before the handshake completes or after
// Close has begun.
var ErrInactive = errors.New("transcript stream inactive")

// ClientConfig configures the transcription transport.
type ClientConfig struct {
	URL         string
	Headers     http.Header
	DialTimeout time.Duration
	WriteWait   time.Duration
	Reconnect   ReconnectPolicy
	Logger      *slog.Logger
}

// Client opens transcript streams against one endpoint.
type Client struct {
	cfg    ClientConfig
	dialer websocket.Dialer
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.Reconnect.Mode == "" {
		cfg.Reconnect.Mode = ReconnectNone
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

// Open dials the service, sends the stream config and starts reading
// transcripts. The stream lives until Close or until ctx is cancelled.
func (c *Client) Open(ctx context.Context, f Format) (*Stream, error) {
	cfg := BuildConfig(f)
	conn, err := c.connect(ctx, cfg)
	if err != nil {
		metrics.Errors.WithLabelValues("transcribe", "dial").Inc()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client: c,
		cfg:    cfg,
		log:    c.cfg.Logger.With("language", cfg.LanguageCode),
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: cancel,
	}
	s.active.Store(true)
	go s.readLoop()

	s.log.Info("transcript stream open", "url", c.cfg.URL, "sample_rate", cfg.SampleRateHertz)
	return s, nil
}

// connect dials and performs the one-time config handshake.
func (c *Client) connect(ctx context.Context, cfg StreamConfig) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial transcription: %w", err)
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal stream config: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send stream config: %w", err)
	}
	return conn, nil
}

// Stream is one open transcription session.
type Stream struct {
	client *Client
	cfg    StreamConfig
	log    *slog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	active  atomic.Bool
	closing atomic.Bool

	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Config returns the handshake sent for this stream.
func (s *Stream) Config() StreamConfig { return s.cfg }

// Events delivers decoded transcripts and non-fatal error events. The
// channel closes once the stream has fully shut down.
func (s *Stream) Events() <-chan Event { return s.events }

// Send writes one frame as binary little-endian PCM16.
func (s *Stream) Send(f audio.Frame) error {
	if !s.active.Load() {
		return ErrInactive
	}
	conn := s.current()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.active.Load() {
		return ErrInactive
	}
	conn.SetWriteDeadline(time.Now().Add(s.client.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, f.PCM()); err != nil {
		metrics.Errors.WithLabelValues("transcribe", "send").Inc()
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Close stops sending, writes a close frame and waits up to grace for the
// service to finish delivering transcripts before tearing the socket down.
func (s *Stream) Close(grace time.Duration) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.active.Store(false)
	if grace <= 0 {
		grace = defaultCloseGrace
	}

	conn := s.current()
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.client.cfg.WriteWait))
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn("transcript close frame", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.log.Warn("transcript stream close grace elapsed", "grace", grace)
	}

	s.cancel()
	s.current().Close()
	<-s.done
	return nil
}

func (s *Stream) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Stream) swap(conn *websocket.Conn) {
	s.connMu.Lock()
	old := s.conn
	s.conn = conn
	s.connMu.Unlock()
	old.Close()
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.current().ReadMessage()
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			s.active.Store(false)
			s.log.Error("transcript stream read", "error", err)
			metrics.Errors.WithLabelValues("transcribe", "read").Inc()
			s.emit(Event{Type: EventError, Err: fmt.Errorf("transcript stream: %w", err)})
			if !s.reconnect() {
				return
			}
			continue
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			s.log.Warn("transcript message rejected", "error", err)
			metrics.Errors.WithLabelValues("transcribe", "decode").Inc()
			continue
		}
		if ev.Type == EventError {
			s.log.Error("transcription backend", "error", ev.Err)
			metrics.Errors.WithLabelValues("transcribe", "backend").Inc()
		}
		metrics.TranscriptEvents.WithLabelValues(eventKind(ev)).Inc()
		s.emit(ev)
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// reconnect redials under the configured policy and resumes streaming.
func (s *Stream) reconnect() bool {
	pol := s.client.cfg.Reconnect
	if !pol.enabled() {
		s.log.Warn("transcription unavailable for the rest of the call")
		return false
	}

	for attempt := range pol.MaxRetries {
		timer := time.NewTimer(pol.Backoff(attempt))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if s.closing.Load() {
			return false
		}

		conn, err := s.client.connect(s.ctx, s.cfg)
		if err != nil {
			s.log.Warn("transcript reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		s.writeMu.Lock()
		s.swap(conn)
		s.writeMu.Unlock()
		if s.closing.Load() {
			conn.Close()
			return false
		}
		s.active.Store(true)
		metrics.TranscribeReconnects.Inc()
		s.log.Info("transcript stream reconnected", "attempt", attempt+1)
		return true
	}
	s.log.Error("transcript reconnect exhausted", "attempts", pol.MaxRetries)
	return false
}

func eventKind(ev Event) string {
	switch {
	case ev.Type == EventError:
		return "error"
	case ev.IsFinal:
		return "final"
	}
	return "interim"
}
