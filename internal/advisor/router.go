package advisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/hubenschmidt/callassist/internal/metrics"
)

// ErrNoBackend is returned when neither the requested nor the fallback
// engine is configured.
var ErrNoBackend = errors.New("no advisor backend")

// Router sends each request to the backend named by the call's engine. An
// unknown engine goes to the fallback; a failing one is retried there once.
type Router struct {
	backends map[string]Backend
	fallback string
}

func NewRouter(backends map[string]Backend, fallback string) *Router {
	return &Router{backends: backends, fallback: fallback}
}

func (r *Router) Advise(ctx context.Context, engine string, req Request) (string, error) {
	b, ok := r.backends[engine]
	if !ok {
		engine = r.fallback
		if b, ok = r.backends[engine]; !ok {
			return "", fmt.Errorf("%w for engine %q", ErrNoBackend, engine)
		}
	}

	reply, err := b.Advise(ctx, req)
	if err == nil || engine == r.fallback || ctx.Err() != nil {
		return reply, err
	}
	backup, ok := r.backends[r.fallback]
	if !ok {
		return "", err
	}

	metrics.Errors.WithLabelValues("advisor", "failover").Inc()
	reply, fbErr := backup.Advise(ctx, req)
	if fbErr != nil {
		return "", errors.Join(fmt.Errorf("%s: %w", engine, err), fmt.Errorf("%s: %w", r.fallback, fbErr))
	}
	return reply, nil
}

// Engines lists the configured engine names in order.
func (r *Router) Engines() []string {
	return slices.Sorted(maps.Keys(r.backends))
}
