// Package ws serves the live advisory feed for one call to UI clients.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/metrics"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StoreLookup finds the advisory store of a tracked call.
type StoreLookup func(callID string) (*advisory.Store, bool)

// HandlerConfig holds the call lookup and the viewer limit.
type HandlerConfig struct {
	Lookup     StoreLookup
	MaxViewers int
	Logger     *slog.Logger
}

// Handler streams advisory state to viewers with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	log *slog.Logger
}

// NewHandler creates a feed handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxViewers
	if maxConc <= 0 {
		maxConc = 100
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, maxConc), log: log}
}

// Frame is one server-to-viewer message: the full visible state of the call.
type Frame struct {
	Type      string             `json:"type"`
	Call      advisory.CallInfo  `json:"call"`
	Messages  []advisory.Message `json:"messages"`
	Visible   bool               `json:"visible"`
	Minimized bool               `json:"minimized"`
	Filter    advisory.Category  `json:"filter,omitempty"`
	CallEnded bool               `json:"call_ended"`
}

// Control is a viewer-to-server message adjusting the panel view.
type Control struct {
	Type      string  `json:"type"`
	Visible   *bool   `json:"visible,omitempty"`
	Minimized *bool   `json:"minimized,omitempty"`
	Filter    *string `json:"filter,omitempty"`
}

func frameOf(st advisory.State) Frame {
	return Frame{
		Type:      "state",
		Call:      st.Call,
		Messages:  st.Filtered(),
		Visible:   st.Visible,
		Minimized: st.Minimized,
		Filter:    st.Filter,
		CallEnded: st.CallEnded,
	}
}

// ServeHTTP upgrades the connection and streams the call's advisory state.
// Returns 503 at viewer capacity and 404 for an unknown call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	store, ok := h.cfg.Lookup(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runFeed(conn, store, h.log.With("call_id", callID))
}

func (h *Handler) runFeed(conn *websocket.Conn, store *advisory.Store, log *slog.Logger) {
	mb := newMailbox()
	unsubscribe := store.Watch(mb.put)
	defer unsubscribe()

	go readControls(conn, store, mb, log)

	for {
		st, ok := mb.take()
		if !ok {
			return
		}
		data, err := json.Marshal(frameOf(st))
		if err != nil {
			log.Error("marshal feed frame", "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Info("viewer gone", "error", err)
			metrics.Errors.WithLabelValues("feed", "write").Inc()
			return
		}
		if st.CallEnded {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readControls applies viewer controls until the connection drops.
func readControls(conn *websocket.Conn, store *advisory.Store, mb *mailbox, log *slog.Logger) {
	defer mb.close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var c Control
		if err = json.Unmarshal(data, &c); err != nil || c.Type != "view" {
			log.Warn("ignoring viewer message", "error", err)
			continue
		}
		Apply(store, c)
	}
}

// Apply updates the store's view state from a control message. An empty
// or unknown filter clears it.
func Apply(store *advisory.Store, c Control) {
	if c.Visible != nil {
		store.SetVisible(*c.Visible)
	}
	if c.Minimized != nil {
		store.SetMinimized(*c.Minimized)
	}
	if c.Filter != nil {
		cat, _ := advisory.ParseCategory(*c.Filter)
		store.SetFilter(cat)
	}
}

// mailbox holds only the newest state so a slow viewer never blocks the
// store's synchronous notification.
type mailbox struct {
	mu     sync.Mutex
	latest advisory.State
	has    bool
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(st advisory.State) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.latest, m.has = st, true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take blocks for the next state. It reports false once closed.
func (m *mailbox) take() (advisory.State, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return advisory.State{}, false
		}
		if m.has {
			st := m.latest
			m.has = false
			m.mu.Unlock()
			return st, true
		}
		m.mu.Unlock()
		<-m.ready
	}
}
