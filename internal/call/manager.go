package call

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAtCapacity = errors.New("at capacity")
	ErrNotFound   = errors.New("call not found")
	ErrDuplicate  = errors.New("call id in use")
)

// Dialer prepares the telephony leg for an outbound call.
type Dialer func(callID string) Telephony

// ManagerConfig bounds concurrent calls and how long ended calls stay queryable.
type ManagerConfig struct {
	MaxCalls  int
	Retention time.Duration
	Call      Config
	// OnEnd runs after a call's cleanup has finished.
	OnEnd func(callID string)
}

// Manager admits calls up to a fixed concurrency and tracks them by call id.
type Manager struct {
	cfg  ManagerConfig
	deps Deps
	dial Dialer
	log  *slog.Logger
	sem  chan struct{}

	mu    sync.Mutex
	calls map[string]*Controller
}

func NewManager(cfg ManagerConfig, deps Deps, dial Dialer) *Manager {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		dial:  dial,
		log:   deps.Logger,
		sem:   make(chan struct{}, cfg.MaxCalls),
		calls: make(map[string]*Controller),
	}
}

// Start places an outbound call. An empty CallID gets a fresh one.
func (m *Manager) Start(ctx context.Context, req Request) (*Controller, error) {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if req.AgentID == "" {
		return nil, ErrNoCallerIdentity
	}
	return m.admit(ctx, req, func() Telephony { return m.dial(req.CallID) })
}

// Adopt supervises a leg that already exists, such as an inbound call.
func (m *Manager) Adopt(ctx context.Context, tel Telephony, req Request) (*Controller, error) {
	return m.admit(ctx, req, func() Telephony { return tel })
}

func (m *Manager) admit(ctx context.Context, req Request, leg func() Telephony) (*Controller, error) {
	select {
	case m.sem <- struct{}{}:
	default:
		return nil, ErrAtCapacity
	}

	m.mu.Lock()
	if _, ok := m.calls[req.CallID]; ok {
		m.mu.Unlock()
		<-m.sem
		return nil, ErrDuplicate
	}
	ctrl := NewController(leg(), m.cfg.Call, m.deps)
	m.calls[req.CallID] = ctrl
	m.mu.Unlock()

	if err := ctrl.Start(ctx, req); err != nil {
		m.remove(req.CallID, ctrl)
		<-m.sem
		return nil, err
	}

	go m.reap(req.CallID, ctrl)
	return ctrl, nil
}

func (m *Manager) reap(callID string, ctrl *Controller) {
	<-ctrl.Done()
	<-m.sem
	if m.cfg.OnEnd != nil {
		m.cfg.OnEnd(callID)
	}
	if m.cfg.Retention > 0 {
		time.AfterFunc(m.cfg.Retention, func() { m.remove(callID, ctrl) })
		return
	}
	m.remove(callID, ctrl)
}

func (m *Manager) remove(callID string, ctrl *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls[callID] == ctrl {
		delete(m.calls, callID)
	}
}

func (m *Manager) Get(callID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// Hangup ends a call and waits for its cleanup.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	c, ok := m.Get(callID)
	if !ok {
		return ErrNotFound
	}
	return c.Hangup(ctx)
}

// Sessions lists tracked calls ordered by call id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.calls))
	for _, c := range m.calls {
		ctrls = append(ctrls, c)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Session())
	}
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.CallID, b.CallID) })
	return out
}

// Shutdown hangs up every live call.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.calls))
	for _, c := range m.calls {
		ctrls = append(ctrls, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ctrls))
	for i, c := range ctrls {
		if c.ended.Load() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Hangup(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
