package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replying(reply string, calls *int) Backend {
	return backendFunc(func(context.Context, Request) (string, error) {
		*calls++
		return reply, nil
	})
}

func TestRouter_RoutesByEngine(t *testing.T) {
	var httpCalls, agentCalls int
	r := NewRouter(map[string]Backend{
		"http":  replying("from http", &httpCalls),
		"agent": replying("from agent", &agentCalls),
	}, "http")

	got, err := r.Advise(context.Background(), "agent", Request{})
	require.NoError(t, err)
	assert.Equal(t, "from agent", got)

	got, err = r.Advise(context.Background(), "unknown", Request{})
	require.NoError(t, err)
	assert.Equal(t, "from http", got)

	assert.Equal(t, 1, agentCalls)
	assert.Equal(t, 1, httpCalls)
	assert.Equal(t, []string{"agent", "http"}, r.Engines())
}

func TestRouter_FailsOverToFallback(t *testing.T) {
	var httpCalls int
	r := NewRouter(map[string]Backend{
		"http": replying("Offer a refund.", &httpCalls),
		"agent": backendFunc(func(context.Context, Request) (string, error) {
			return "", errors.New("model overloaded")
		}),
	}, "http")

	got, err := r.Advise(context.Background(), "agent", Request{})
	require.NoError(t, err)
	assert.Equal(t, "Offer a refund.", got)
	assert.Equal(t, 1, httpCalls)
}

func TestRouter_BothEnginesFail(t *testing.T) {
	fail := func(msg string) Backend {
		return backendFunc(func(context.Context, Request) (string, error) { return "", errors.New(msg) })
	}
	r := NewRouter(map[string]Backend{"http": fail("http down"), "agent": fail("agent down")}, "http")

	_, err := r.Advise(context.Background(), "agent", Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http down")
	assert.Contains(t, err.Error(), "agent down")
}

func TestRouter_NoFailoverAfterDeadline(t *testing.T) {
	var httpCalls int
	r := NewRouter(map[string]Backend{
		"http": replying("late", &httpCalls),
		"agent": backendFunc(func(ctx context.Context, _ Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Advise(ctx, "agent", Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, httpCalls)
}

func TestRouter_NoBackend(t *testing.T) {
	_, err := NewRouter(map[string]Backend{}, "http").Advise(context.Background(), "x", Request{})
	assert.ErrorIs(t, err, ErrNoBackend)
}
