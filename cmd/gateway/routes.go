package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/call"
	"github.com/hubenschmidt/callassist/internal/callrecord"
	"github.com/hubenschmidt/callassist/internal/ws"
)

const (
	// defaultRecordLimit is how many call records are returned when the
	// caller omits the ?limit= query parameter.
	defaultRecordLimit = 20
	agentHeader        = "X-Agent-ID"
)

type deps struct {
	publicURL   string
	calls       *call.Manager
	records     *callrecord.Store
	relay       *advisory.Relay
	mediaStream http.Handler
	feed        http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/media", d.mediaStream)
	mux.Handle("/ws/advisories", d.feed)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/calls", d.handleListCalls)
	mux.HandleFunc("POST /api/calls", d.handleStartCall)
	mux.HandleFunc("GET /api/calls/{id}", d.handleGetCall)
	mux.HandleFunc("POST /api/calls/{id}/hangup", d.handleHangup)
	mux.HandleFunc("PUT /api/calls/{id}/view", d.handleView)
	mux.HandleFunc("GET /api/calls/{id}/stream", d.handleAdvisoryStream)
	registerRecordRoutes(mux, d.records)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d deps) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": d.calls.Sessions()})
}

func (d deps) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req call.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		req.AgentID = r.Header.Get(agentHeader)
	}
	if req.Provider == "" {
		req.Provider = "twilio"
	}

	ctrl, err := d.calls.Start(r.Context(), req)
	switch {
	case errors.Is(err, call.ErrNoCallerIdentity):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, call.ErrAtCapacity):
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	case errors.Is(err, call.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("start call", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sess := ctrl.Session()
	writeJSON(w, http.StatusCreated, map[string]any{
		"session":   sess,
		"media_url": d.mediaURL(r, sess.CallID),
		"feed_url":  "/ws/advisories?call_id=" + sess.CallID,
	})
}

// mediaURL is where the provider should open the call's media stream.
func (d deps) mediaURL(r *http.Request, callID string) string {
	base := d.publicURL
	if base == "" {
		base = "http://" + r.Host
	}
	base = strings.Replace(base, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/media?call_id=%s", strings.TrimSuffix(base, "/"), callID)
}

func (d deps) handleGetCall(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := d.calls.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	st := ctrl.Store().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    ctrl.Session(),
		"advisories": st.Filtered(),
		"visible":    st.Visible,
		"minimized":  st.Minimized,
		"filter":     st.Filter,
		"call_ended": st.CallEnded,
	})
}

func (d deps) handleHangup(w http.ResponseWriter, r *http.Request) {
	err := d.calls.Hangup(r.Context(), r.PathValue("id"))
	if errors.Is(err, call.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("hangup", "call_id", r.PathValue("id"), "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d deps) handleView(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := d.calls.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var c ws.Control
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ws.Apply(ctrl.Store(), c)
	st := ctrl.Store().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"visible":   st.Visible,
		"minimized": st.Minimized,
		"filter":    st.Filter,
	})
}

// handleAdvisoryStream relays a call's advisories as server-sent events.
// It works from any gateway instance sharing the Redis relay.
func (d deps) handleAdvisoryStream(w http.ResponseWriter, r *http.Request) {
	if d.relay == nil {
		http.Error(w, "relay disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	callID := r.PathValue("id")

	ch, err := d.relay.Subscribe(r.Context(), callID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	history, err := d.relay.History(r.Context(), callID)
	if err != nil {
		slog.Warn("advisory history", "call_id", callID, "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
		writeEvent(w, m)
	}
	flusher.Flush()
	slog.Info("advisory stream client connected", "call_id", callID, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("advisory stream client disconnected", "call_id", callID, "remote", r.RemoteAddr)
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if seen[m.ID] {
				continue
			}
			writeEvent(w, m)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, m advisory.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func registerRecordRoutes(mux *http.ServeMux, store *callrecord.Store) {
	mux.HandleFunc("GET /api/records", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "persistence disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultRecordLimit)
		offset := queryInt(r, "offset", 0)
		recs, total, err := store.List(r.Context(), r.URL.Query().Get("agent_id"), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs, "total": total})
	})

	mux.HandleFunc("GET /api/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "persistence disabled", http.StatusNotFound)
			return
		}
		rec, err := store.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, callrecord.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs, err := store.Messages(r.Context(), rec.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": rec, "messages": msgs})
	})

	mux.HandleFunc("GET /api/records/{id}/recording", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "persistence disabled", http.StatusNotFound)
			return
		}
		data, err := store.Recording(r.Context(), r.PathValue("id"))
		if errors.Is(err, callrecord.ErrNotFound) || (err == nil && len(data) == 0) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
