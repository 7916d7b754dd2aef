package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/callassist/internal/advisory"
)

func newFeed(t *testing.T, maxViewers int) (*httptest.Server, *advisory.Store) {
	t.Helper()
	store := advisory.NewStore(nil, nil)
	store.Reset(advisory.CallInfo{CallID: "call-1", AgentID: "agent"})
	h := NewHandler(HandlerConfig{
		Lookup: func(id string) (*advisory.Store, bool) {
			return store, id == "call-1"
		},
		MaxViewers: maxViewers,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?call_id=" + callID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestFeed_SnapshotThenUpdates(t *testing.T) {
	srv, store := newFeed(t, 4)
	conn := dial(t, srv, "call-1")

	first := readUntil(t, conn, func(Frame) bool { return true })
	assert.Equal(t, "state", first.Type)
	assert.Equal(t, "call-1", first.Call.CallID)
	assert.True(t, first.Visible)
	assert.Empty(t, first.Messages)

	store.Append(advisory.NewMessage("Offer a refund", advisory.CategoryAction, advisory.PriorityHigh))
	store.Append(advisory.NewMessage("Caller is on a mobile line", advisory.CategoryInfo, advisory.PriorityMedium))

	f := readUntil(t, conn, func(f Frame) bool { return len(f.Messages) == 2 })
	assert.Equal(t, "Offer a refund", f.Messages[0].Content)
	assert.Equal(t, "Caller is on a mobile line", f.Messages[1].Content)
}

func TestFeed_ViewControls(t *testing.T) {
	srv, store := newFeed(t, 4)
	store.Append(advisory.NewMessage("Offer a refund", advisory.CategoryAction, advisory.PriorityHigh))
	store.Append(advisory.NewMessage("Caller is on a mobile line", advisory.CategoryInfo, advisory.PriorityMedium))
	conn := dial(t, srv, "call-1")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "view", "filter": "action", "minimized": true}))

	f := readUntil(t, conn, func(f Frame) bool { return f.Filter == advisory.CategoryAction && f.Minimized })
	require.Len(t, f.Messages, 1)
	assert.Equal(t, advisory.CategoryAction, f.Messages[0].Category)
	assert.True(t, store.Snapshot().Minimized)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "view", "filter": "bogus"}))
	f = readUntil(t, conn, func(f Frame) bool { return f.Filter == "" })
	assert.Len(t, f.Messages, 2)
}

func TestFeed_ClosesWhenCallEnds(t *testing.T) {
	srv, store := newFeed(t, 4)
	conn := dial(t, srv, "call-1")
	readUntil(t, conn, func(Frame) bool { return true })

	store.MarkCallEnded()

	f := readUntil(t, conn, func(f Frame) bool { return f.CallEnded })
	assert.True(t, f.CallEnded)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestFeed_UnknownCall(t *testing.T) {
	srv, _ := newFeed(t, 4)

	resp, err := http.Get(srv.URL + "/?call_id=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeed_AtCapacity(t *testing.T) {
	srv, _ := newFeed(t, 1)
	conn := dial(t, srv, "call-1")
	readUntil(t, conn, func(Frame) bool { return true })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?call_id=call-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
