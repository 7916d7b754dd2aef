// Package utterance turns a stream of interim and final transcripts into
// finalized utterances, one per coherent speaker turn.
package utterance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/metrics"
	"github.com/hubenschmidt/callassist/internal/transcribe"
)

const DefaultDebounce = 2000 * time.Millisecond

// State is the assembler's position in a turn.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateFinalizing:
		return "finalizing"
	}
	return "idle"
}

// ForwardFunc receives each finalized utterance.
type ForwardFunc func(ctx context.Context, text string)

// Segment is the text collected for the current turn but not yet forwarded.
type Segment struct {
	Text    string
	Started time.Time
	Final   bool
}

type Config struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Assembler buffers transcripts and forwards finalized text. Forwards are
// serialized: a finalize requested while one is running is deferred and
// runs as soon as the current one returns.
type Assembler struct {
	ctx     context.Context
	cfg     Config
	forward ForwardFunc

	mu       sync.Mutex
	state    State
	started  time.Time
	final    bool
	speaking bool

	// committed holds final-result text awaiting forward; interim is the
	// latest interim remainder and rawInterim the unstripped interim it came from.
	committed  string
	interim    string
	rawInterim string
	// processed is the text of the current recognizer result already
	// forwarded; lastEmitted only guards against exact repeats.
	processed   string
	lastEmitted string

	timer *time.Timer
	gen   uint64

	running  bool
	deferred bool
	drained  chan struct{}
}

// New returns an assembler that forwards under ctx until ctx is done.
func New(ctx context.Context, cfg Config, forward ForwardFunc) *Assembler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{ctx: ctx, cfg: cfg, forward: forward}
}

func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending reports the text collected but not yet forwarded.
func (a *Assembler) Pending() Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Segment{Text: joinText(a.committed, a.interim), Started: a.started, Final: a.final}
}

// OnTranscript feeds one transcript event. Error events are ignored.
func (a *Assembler) OnTranscript(ev transcribe.Event) {
	if ev.Type != transcribe.EventTranscript {
		return
	}
	text := strings.TrimSpace(ev.Text)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.IsFinal {
		a.stopTimerLocked()
		if rest := a.strip(text); rest != "" {
			a.committed = joinText(a.committed, rest)
		}
		a.interim, a.rawInterim, a.processed = "", "", ""
		a.final = true
		a.requestLocked()
		return
	}

	if text == "" {
		return
	}
	rest := a.strip(text)
	if rest == "" {
		return
	}
	if a.state == StateIdle {
		a.state = StateCollecting
		if a.started.IsZero() {
			a.started = time.Now()
		}
	}
	a.interim, a.rawInterim = rest, text
	a.armTimerLocked()
}

// OnSegment feeds one segmenter transition.
func (a *Assembler) OnSegment(ev audio.SegmentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev {
	case audio.SegmentSpeechStarted:
		a.speaking = true
		if a.started.IsZero() {
			a.started = time.Now()
		}
	case audio.SegmentSpeechEnded:
		a.speaking = false
		if a.timer == nil && a.hasPendingLocked() {
			a.requestLocked()
		}
	}
}

// Flush finalizes whatever is pending and waits for every forward to return.
func (a *Assembler) Flush(ctx context.Context) error {
	a.mu.Lock()
	a.stopTimerLocked()
	if a.hasPendingLocked() {
		a.requestLocked()
	}
	drained := a.drained
	running := a.running
	a.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Assembler) armTimerLocked() {
	a.stopTimerLocked()
	gen := a.gen
	a.timer = time.AfterFunc(a.cfg.Debounce, func() { a.debounceFired(gen) })
}

func (a *Assembler) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *Assembler) debounceFired(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	a.timer = nil
	// Still talking: the segmenter's SpeechEnded finalizes instead.
	if a.speaking {
		return
	}
	a.requestLocked()
}

func (a *Assembler) hasPendingLocked() bool {
	return a.committed != "" || a.interim != ""
}

func (a *Assembler) requestLocked() {
	if a.running {
		a.deferred = true
		return
	}
	if !a.hasPendingLocked() {
		return
	}
	a.running = true
	a.state = StateFinalizing
	a.drained = make(chan struct{})
	go a.drain(a.drained)
}

func (a *Assembler) drain(done chan struct{}) {
	defer close(done)
	for {
		a.mu.Lock()
		text := a.takeLocked()
		a.mu.Unlock()

		if text != "" {
			metrics.Utterances.Inc()
			a.cfg.Logger.Debug("utterance finalized", "chars", len(text))
			a.forward(a.ctx, text)
		}

		a.mu.Lock()
		if a.deferred {
			a.deferred = false
			a.mu.Unlock()
			continue
		}
		a.running = false
		switch {
		case a.hasPendingLocked():
			a.state = StateCollecting
		default:
			a.state = StateIdle
		}
		a.mu.Unlock()
		return
	}
}

// takeLocked moves pending text out for forwarding. It returns "" when the
// text duplicates the last utterance.
func (a *Assembler) takeLocked() string {
	text := joinText(a.committed, a.interim)
	if a.interim != "" {
		a.processed = a.rawInterim
	}
	a.committed, a.interim, a.rawInterim = "", "", ""
	a.started = time.Time{}
	a.final = false
	if text == "" || strings.EqualFold(text, a.lastEmitted) {
		return ""
	}
	a.lastEmitted = text
	return text
}

// strip removes the part of the current recognizer result that was already
// forwarded. The cut must land on a word boundary.
func (a *Assembler) strip(text string) string {
	if rest, ok := cutPrefixFold(text, a.processed); ok {
		return rest
	}
	return text
}

func cutPrefixFold(text, prefix string) (string, bool) {
	if prefix == "" || len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return text, false
	}
	rest := text[len(prefix):]
	if r, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(r) && !unicode.IsPunct(r) {
		return text, false
	}
	return strings.TrimLeft(rest, " ,.;:!?"), true
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
