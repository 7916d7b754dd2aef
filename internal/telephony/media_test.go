package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callassist/internal/call"
)

type fakeHanger struct {
	mu   sync.Mutex
	sids []string
}

func (f *fakeHanger) Hangup(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, sid)
	return nil
}

func dialMedia(t *testing.T, reg *Registry) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func startMsg(callID string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"callSid":          "CA42",
			"customParameters": map[string]string{"call_id": callID, "from": "+33612345678"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func mediaMsg() map[string]any {
	// 20 ms of mu-law silence
	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 160))
	return map[string]any{"event": "media", "media": map[string]string{"track": "inbound", "payload": payload}}
}

func nextProviderEvent(t *testing.T, c *Connection) call.ProviderEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no provider event")
	}
	return call.ProviderEvent{}
}

func TestMediaStream_ExpectedCall(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := reg.Expect("call-1")
	assert.Equal(t, call.ProviderInitiating, nextProviderEvent(t, conn).Type)

	_, err := conn.Audio()
	assert.ErrorIs(t, err, ErrNotAccepted)

	ws := dialMedia(t, reg)
	send(t, ws, map[string]any{"event": "connected", "protocol": "Call"})
	send(t, ws, startMsg("call-1"))

	ev := nextProviderEvent(t, conn)
	assert.Equal(t, call.ProviderAccepted, ev.Type)
	assert.Equal(t, "CA42", ev.ProviderCallID)
	assert.Equal(t, "+33612345678", ev.RemoteNumber)

	src, err := conn.Audio()
	require.NoError(t, err)

	send(t, ws, mediaMsg())
	select {
	case f := <-src.Frames():
		assert.Equal(t, TargetSampleRate, f.SampleRate)
		assert.Len(t, f.Samples, 320)
		assert.Zero(t, f.RMS())
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}

	send(t, ws, map[string]any{"event": "stop", "stop": map[string]string{"callSid": "CA42"}})
	ev = nextProviderEvent(t, conn)
	assert.Equal(t, call.ProviderDisconnected, ev.Type)
	assert.Equal(t, "stream stopped", ev.Reason)

	_, open := <-src.Frames()
	assert.False(t, open)
	_, open = <-conn.Events()
	assert.False(t, open)
}

func TestMediaStream_Inbound(t *testing.T) {
	reg := NewRegistry(nil, nil)
	got := make(chan *Connection, 1)
	reg.OnInbound(func(c *Connection) { got <- c })

	ws := dialMedia(t, reg)
	send(t, ws, startMsg(""))

	var conn *Connection
	select {
	case conn = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound callback not run")
	}
	assert.NotEmpty(t, conn.CallID())
	assert.Equal(t, call.ProviderInitiating, nextProviderEvent(t, conn).Type)
	assert.Equal(t, call.ProviderAccepted, nextProviderEvent(t, conn).Type)
}

func TestMediaStream_UnknownCallRejected(t *testing.T) {
	reg := NewRegistry(nil, nil)
	ws := dialMedia(t, reg)
	send(t, ws, startMsg("nobody"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "server closes the socket")
}

func TestConnection_HangupBeforeMedia(t *testing.T) {
	h := &fakeHanger{}
	reg := NewRegistry(h, nil)
	conn := reg.Expect("call-2")
	nextProviderEvent(t, conn)

	require.NoError(t, conn.Hangup(context.Background()))
	ev := nextProviderEvent(t, conn)
	assert.Equal(t, call.ProviderDisconnected, ev.Type)
	assert.Empty(t, h.sids, "no provider call to hang up yet")
}

func TestConnection_HangupDuringMedia(t *testing.T) {
	h := &fakeHanger{}
	reg := NewRegistry(h, nil)
	conn := reg.Expect("call-3")
	ws := dialMedia(t, reg)
	send(t, ws, startMsg("call-3"))
	nextProviderEvent(t, conn)
	nextProviderEvent(t, conn)

	require.NoError(t, conn.Hangup(context.Background()))
	assert.Equal(t, call.ProviderDisconnected, nextProviderEvent(t, conn).Type)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"CA42"}, h.sids)
}
