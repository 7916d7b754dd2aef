package advisory

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRelay(t *testing.T, opts ...RelayOption) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRelay(client, nil, opts...), mr
}

// relayed returns the relayed history, or nil while Redis is failing.
func relayed(relay *Relay, callID string) []string {
	got, err := relay.History(context.Background(), callID)
	if err != nil {
		return nil
	}
	return contents(got)
}

func TestRelayObserver_PublishesEachMessageOnce(t *testing.T) {
	relay, _ := setupRelay(t)
	defer relay.Forget("c1")

	s := NewStore(nil, nil)
	s.Reset(CallInfo{CallID: "c1"})
	s.Subscribe(relay.Observer())

	s.Append(msg("A", CategoryInfo))
	s.SetMinimized(true)
	s.Append(msg("B", CategoryAlert))

	require.Eventually(t, func() bool {
		return len(relayed(relay, "c1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	s.SetVisible(false)
	time.Sleep(50 * time.Millisecond)

	got, err := relay.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, contents(got))
	assert.Equal(t, CategoryAlert, got[1].Category)
}

func TestRelayObserver_RedisErrorDoesNotLoseMessages(t *testing.T) {
	relay, mr := setupRelay(t, WithRelayRetry(20*time.Millisecond))
	defer relay.Forget("c1")

	s := NewStore(nil, nil)
	s.Reset(CallInfo{CallID: "c1"})
	s.Subscribe(relay.Observer())

	s.Append(msg("A", CategoryInfo))
	require.Eventually(t, func() bool {
		return len(relayed(relay, "c1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.SetError("LOADING redis is loading")
	s.Append(msg("B", CategoryInfo))
	time.Sleep(50 * time.Millisecond)
	mr.SetError("")
	s.Append(msg("C", CategoryInfo))

	require.Eventually(t, func() bool {
		return len(relayed(relay, "c1")) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, relayed(relay, "c1"))
}

func TestRelayObserver_RetriesWithoutFurtherAppends(t *testing.T) {
	relay, mr := setupRelay(t, WithRelayRetry(20*time.Millisecond))
	defer relay.Forget("c1")

	s := NewStore(nil, nil)
	s.Reset(CallInfo{CallID: "c1"})
	s.Subscribe(relay.Observer())

	mr.SetError("LOADING redis is loading")
	s.Append(msg("A", CategoryInfo))
	time.Sleep(50 * time.Millisecond)
	mr.SetError("")

	require.Eventually(t, func() bool {
		return len(relayed(relay, "c1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// silentListener accepts connections and never answers.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestRelayObserver_SlowRedisDoesNotBlockAppend(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: silentListener(t)})
	t.Cleanup(func() { client.Close() })
	relay := NewRelay(client, nil)
	defer relay.Forget("c1")

	s := NewStore(nil, nil)
	s.Reset(CallInfo{CallID: "c1"})
	s.Subscribe(relay.Observer())

	start := time.Now()
	for i := range 5 {
		s.Append(msg(fmt.Sprintf("m%d", i), CategoryInfo))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, s.Snapshot().Messages, 5)
}

func TestRelayForget_PublishesQueuedMessages(t *testing.T) {
	relay, _ := setupRelay(t)

	s := NewStore(nil, nil)
	s.Reset(CallInfo{CallID: "c1"})
	s.Subscribe(relay.Observer())
	s.Append(msg("last words", CategoryInfo))
	s.MarkCallEnded()
	relay.Forget("c1")

	require.Eventually(t, func() bool {
		return len(relayed(relay, "c1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A viewer toggling the panel after the call ended replays nothing.
	s.SetVisible(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"last words"}, relayed(relay, "c1"))
}

func TestRelay_TTL(t *testing.T) {
	relay, mr := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, relay.Publish(ctx, "c1", msg("A", CategoryInfo)))
	assert.True(t, mr.Exists("callassist:advisories:c1:history"))

	mr.FastForward(25 * time.Hour)
	assert.False(t, mr.Exists("callassist:advisories:c1:history"))
}

func TestRelay_Subscribe(t *testing.T) {
	relay, _ := setupRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := relay.Subscribe(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, relay.Publish(ctx, "c1", msg("live", CategorySuggestion)))
	select {
	case m := <-ch:
		assert.Equal(t, "live", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no relayed message")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}
