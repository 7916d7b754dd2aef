package advisory

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// CallInfo identifies the call a store is collecting advisories for.
type CallInfo struct {
	CallID         string    `json:"call_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	AgentID        string    `json:"agent_id"`
	RemoteNumber   string    `json:"remote_number"`
	Provider       string    `json:"provider"`
	StartedAt      time.Time `json:"started_at"`
}

// State is an immutable snapshot handed to observers.
type State struct {
	Call      CallInfo  `json:"call"`
	Messages  []Message `json:"messages"`
	Visible   bool      `json:"visible"`
	Minimized bool      `json:"minimized"`
	Filter    Category  `json:"filter,omitempty"`
	CallEnded bool      `json:"call_ended"`
}

// Filtered returns the messages matching the snapshot's category filter.
func (s State) Filtered() []Message {
	if s.Filter == "" {
		return s.Messages
	}
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Category == s.Filter {
			out = append(out, m)
		}
	}
	return out
}

// Observer is called synchronously after every state change. Observers may
// read the store but must not mutate it from inside the callback.
type Observer func(State)

type subscriber struct {
	id int
	fn Observer
}

// Store is the append-only advisory log for one call. Mutations are
// serialized and each one is followed by notification of every observer,
// in subscription order, before the next mutation starts.
type Store struct {
	log       *slog.Logger
	persister Persister

	// notifyMu orders mutation+notification pairs; mu guards the fields.
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	subs     []subscriber
	nextID   int

	saving    bool
	persisted bool
}

// NewStore returns an empty, visible store. A nil persister makes Persist
// return ErrNoPersister.
func NewStore(p Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:       log,
		persister: p,
		state:     State{Visible: true},
	}
}

// Subscribe registers fn and returns a func that removes it.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// Watch calls fn with the current state, then with every later change. No
// change can land between the two. Watch must not be called from inside an
// observer.
func (s *Store) Watch(fn Observer) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	fn(s.Snapshot())
	return s.Subscribe(fn)
}

// Append adds a message at the end of the log.
func (s *Store) Append(m Message) {
	s.update(func(st *State) {
		st.Messages = append(st.Messages, m)
	})
}

func (s *Store) SetVisible(v bool) {
	s.update(func(st *State) { st.Visible = v })
}

func (s *Store) SetMinimized(v bool) {
	s.update(func(st *State) { st.Minimized = v })
}

// SetFilter restricts Filtered to one category; "" shows everything.
func (s *Store) SetFilter(c Category) {
	s.update(func(st *State) { st.Filter = c })
}

func (s *Store) MarkCallEnded() {
	s.update(func(st *State) { st.CallEnded = true })
}

// Reset clears the log and binds the store to a new call.
func (s *Store) Reset(info CallInfo) {
	s.mu.Lock()
	s.persisted = false
	s.mu.Unlock()
	s.update(func(st *State) {
		*st = State{Call: info, Visible: true}
	})
}

// SetCall updates the call identity without touching the log.
func (s *Store) SetCall(info CallInfo) {
	s.update(func(st *State) { st.Call = info })
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Filtered returns the messages passing the current category filter.
func (s *Store) Filtered() []Message {
	return s.Snapshot().Filtered()
}

// Recent returns up to n of the newest messages, oldest first.
func (s *Store) Recent(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.state.Messages
	if n <= 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return slices.Clone(msgs)
}

func (s *Store) update(mutate func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	mutate(&s.state)
	snap := s.snapshotLocked()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snap)
	}
}

func (s *Store) snapshotLocked() State {
	snap := s.state
	snap.Messages = slices.Clone(s.state.Messages)
	return snap
}
