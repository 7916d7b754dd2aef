package advisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/callassist/internal/advisory"
	"github.com/hubenschmidt/callassist/internal/metrics"
)

const DefaultContextSize = 5

// ContextSource supplies the most recent advisories of the call.
type ContextSource interface {
	Recent(n int) []advisory.Message
}

type DispatcherConfig struct {
	CallID      string
	Engine      string
	IsAgent     bool
	ContextSize int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Dispatcher forwards utterances of one call to the routed backend.
type Dispatcher struct {
	cfg    DispatcherConfig
	router *Router
	src    ContextSource
}

func NewDispatcher(router *Router, src ContextSource, cfg DispatcherConfig) *Dispatcher {
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = DefaultContextSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, router: router, src: src}
}

// Forward asks the backend about text and returns the classified advisory,
// or nil when there is none. Failures are logged and counted, never returned.
func (d *Dispatcher) Forward(ctx context.Context, text string) *advisory.Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var recent []advisory.Message
	if d.src != nil {
		recent = d.src.Recent(d.cfg.ContextSize)
	}
	req := Request{
		Transcription: text,
		CallSID:       d.cfg.CallID,
		IsAgent:       d.cfg.IsAgent,
		Context:       contextFrom(recent),
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := d.router.Advise(ctx, d.cfg.Engine, req)
	metrics.StageDuration.WithLabelValues("advisor").Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "backend"
		switch {
		case errors.Is(err, ErrNoBackend):
			kind = "route"
		case errors.Is(err, context.DeadlineExceeded):
			kind = "timeout"
		}
		d.fail(kind, err)
		return nil
	}

	c, ok := Classify(reply)
	if !ok {
		if strings.TrimSpace(reply) != "" {
			metrics.AdvisoriesSuppressed.Inc()
		}
		return nil
	}

	msg := advisory.NewMessage(c.Content, c.Category, c.Priority)
	metrics.Advisories.WithLabelValues(string(c.Category), string(c.Priority)).Inc()
	d.cfg.Logger.Info("advisory", "category", c.Category, "priority", c.Priority)
	return &msg
}

func (d *Dispatcher) fail(kind string, err error) {
	d.cfg.Logger.Error("advisor", "error_type", kind, "error", err)
	metrics.Errors.WithLabelValues("advisor", kind).Inc()
}
