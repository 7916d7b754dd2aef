package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/call"
	"github.com/hubenschmidt/callassist/internal/metrics"
)

const (
	// TargetSampleRate is the rate every ingested frame is resampled to.
	TargetSampleRate = 16000
	mediaReadTimeout = 60 * time.Second
	frameBuffer      = 256
)

// ErrNotAccepted is returned by Audio before the media stream has started.
var ErrNotAccepted = errors.New("media stream not started")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hanger ends a call at the provider.
type Hanger interface {
	Hangup(ctx context.Context, providerCallID string) error
}

// streamMessage is one media stream websocket message.
type streamMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Start     *streamStart   `json:"start,omitempty"`
	Media     *streamMedia   `json:"media,omitempty"`
	Stop      *streamStopped `json:"stop,omitempty"`
}

type streamStart struct {
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type streamMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type streamStopped struct {
	CallSID string `json:"callSid"`
}

// Registry pairs media stream websockets with the calls waiting for them.
// Streams naming an unknown call_id are treated as inbound calls.
type Registry struct {
	hanger Hanger
	log    *slog.Logger

	mu        sync.Mutex
	pending   map[string]*Connection
	onInbound func(*Connection)
}

func NewRegistry(hanger Hanger, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{hanger: hanger, log: log, pending: make(map[string]*Connection)}
}

// OnInbound sets the callback run for streams no one was waiting for.
func (r *Registry) OnInbound(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInbound = fn
}

// Expect registers a call whose media stream will arrive later.
func (r *Registry) Expect(callID string) *Connection {
	c := newConnection(callID, r.hanger, r.log)
	r.mu.Lock()
	r.pending[callID] = c
	r.mu.Unlock()
	c.emit(call.ProviderEvent{Type: call.ProviderInitiating})
	return c
}

// Forget drops a call from the registry.
func (r *Registry) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, callID)
}

func (r *Registry) claim(callID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.pending[callID]; ok {
		delete(r.pending, callID)
		return c, false
	}
	if r.onInbound == nil {
		return nil, false
	}
	if callID == "" {
		callID = uuid.NewString()
	}
	c := newConnection(callID, r.hanger, r.log)
	c.emit(call.ProviderEvent{Type: call.ProviderInitiating})
	return c, true
}

func (r *Registry) inbound(c *Connection) {
	r.mu.Lock()
	fn := r.onInbound
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// ServeHTTP upgrades a media stream websocket and feeds its audio to the
// matching call until the stream stops or the socket drops.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error("media websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	var conn *Connection
	codec := audio.CodecG711Ulaw
	rate := 8000
	reason := "socket closed"

	defer func() {
		if conn != nil {
			conn.detach(reason)
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(mediaReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if conn != nil && !conn.hungUp() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.log.Warn("media stream read", "call_id", conn.callID, "error", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn("media message rejected", "error", err)
			metrics.Errors.WithLabelValues("telephony", "decode").Inc()
			continue
		}

		switch msg.Event {
		case "connected":
			r.log.Debug("media stream protocol connected")

		case "start":
			if msg.Start == nil || conn != nil {
				continue
			}
			c, isInbound := r.claim(msg.Start.CustomParameters["call_id"])
			if c == nil {
				r.log.Warn("media stream for unknown call", "call_id", msg.Start.CustomParameters["call_id"])
				return
			}
			if parsed, err := audio.ParseCodec(msg.Start.MediaFormat.Encoding); err == nil {
				codec = parsed
			}
			if msg.Start.MediaFormat.SampleRate > 0 {
				rate = msg.Start.MediaFormat.SampleRate
			}
			conn = c
			if isInbound {
				r.inbound(conn)
				if conn.hungUp() {
					reason = "inbound rejected"
					return
				}
			}
			conn.attach(ws, msg.Start.CallSID, msg.Start.CustomParameters["from"])
			r.log.Info("media stream started", "call_id", conn.callID,
				"stream_sid", msg.StreamSID, "encoding", codec, "sample_rate", rate)

		case "media":
			if conn == nil || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				metrics.Errors.WithLabelValues("telephony", "payload").Inc()
				continue
			}
			samples, srcRate, err := audio.Decode(payload, codec, rate)
			if err != nil {
				metrics.Errors.WithLabelValues("telephony", "codec").Inc()
				continue
			}
			conn.push(audio.Frame{
				Samples:    audio.Resample(samples, srcRate, TargetSampleRate),
				SampleRate: TargetSampleRate,
				Captured:   time.Now(),
			})

		case "stop":
			reason = "stream stopped"
			return
		}
	}
}

// Connection is one call's telephony leg. It implements call.Telephony.
type Connection struct {
	callID string
	hanger Hanger
	log    *slog.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	providerCallID string
	accepted       bool
	finished       bool
	hangup         bool

	events chan call.ProviderEvent
	frames chan audio.Frame
}

func newConnection(callID string, hanger Hanger, log *slog.Logger) *Connection {
	return &Connection{
		callID: callID,
		hanger: hanger,
		log:    log.With("call_id", callID),
		events: make(chan call.ProviderEvent, 4),
		frames: make(chan audio.Frame, frameBuffer),
	}
}

func (c *Connection) CallID() string { return c.callID }

func (c *Connection) Events() <-chan call.ProviderEvent { return c.events }

// Audio returns the inbound media as a frame source.
func (c *Connection) Audio() (audio.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepted {
		return nil, ErrNotAccepted
	}
	return mediaSource{c: c}, nil
}

// Hangup ends the call at the provider when possible, then drops the stream.
func (c *Connection) Hangup(ctx context.Context) error {
	c.mu.Lock()
	c.hangup = true
	sid := c.providerCallID
	ws := c.ws
	c.mu.Unlock()

	var err error
	if c.hanger != nil && sid != "" {
		err = c.hanger.Hangup(ctx, sid)
	}
	if ws != nil {
		ws.Close()
	} else {
		c.finish("hangup")
	}
	return err
}

func (c *Connection) hungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangup
}

func (c *Connection) attach(ws *websocket.Conn, providerCallID, from string) {
	c.mu.Lock()
	c.ws = ws
	c.providerCallID = providerCallID
	c.accepted = true
	c.mu.Unlock()
	c.emit(call.ProviderEvent{
		Type:           call.ProviderAccepted,
		ProviderCallID: providerCallID,
		RemoteNumber:   from,
	})
}

// push hands a frame to the call. Frames are dropped while the consumer is
// behind rather than stalling the websocket reader.
func (c *Connection) push(f audio.Frame) {
	select {
	case c.frames <- f:
	default:
		metrics.Errors.WithLabelValues("telephony", "frame_dropped").Inc()
	}
}

// detach runs when the media websocket handler returns.
func (c *Connection) detach(reason string) {
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	close(c.frames)
	c.finish(reason)
}

func (c *Connection) emit(ev call.ProviderEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.events <- ev
}

func (c *Connection) finish(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.events <- call.ProviderEvent{Type: call.ProviderDisconnected, ProviderCallID: c.providerCallID, Reason: reason}
	close(c.events)
	c.log.Info("telephony leg disconnected", "reason", reason)
}

type mediaSource struct {
	c *Connection
}

func (s mediaSource) Frames() <-chan audio.Frame { return s.c.frames }

// Close stops reading from the media socket.
func (s mediaSource) Close() error {
	s.c.mu.Lock()
	ws := s.c.ws
	s.c.mu.Unlock()
	if ws == nil {
		return nil
	}
	if err := ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
