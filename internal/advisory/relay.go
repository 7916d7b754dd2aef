package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/callassist/internal/metrics"
)

const (
	defaultRelayPrefix = "callassist"
	defaultRelayTTL    = 24 * time.Hour
	defaultRelayRetry  = time.Second
	relayTimeout       = 2 * time.Second
)

// Relay republishes appended advisories on Redis so UI feeds served by
// other gateway instances receive them, and keeps a per-call history list.
// Each call gets its own publisher goroutine so a slow Redis never stalls
// the store's notifications.
type Relay struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *slog.Logger

	mu    sync.Mutex
	calls map[string]*relayQueue
}

type RelayOption func(*Relay)

func WithRelayPrefix(prefix string) RelayOption {
	return func(r *Relay) { r.prefix = prefix }
}

// WithRelayTTL sets how long a call's history list is kept.
func WithRelayTTL(ttl time.Duration) RelayOption {
	return func(r *Relay) { r.ttl = ttl }
}

// WithRelayRetry sets the delay before a failed publish is retried.
func WithRelayRetry(d time.Duration) RelayOption {
	return func(r *Relay) { r.retry = d }
}

func NewRelay(client *redis.Client, log *slog.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		client: client,
		prefix: defaultRelayPrefix,
		ttl:    defaultRelayTTL,
		retry:  defaultRelayRetry,
		log:    log,
		calls:  make(map[string]*relayQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observer returns a store observer that publishes each message once, in
// store order. Messages whose publish fails stay queued and are retried.
func (r *Relay) Observer() Observer {
	return func(st State) {
		callID := st.Call.CallID
		if callID == "" {
			return
		}
		// Changes after Forget, such as view toggles, must not replay history.
		if q := r.queue(callID, !st.CallEnded); q != nil {
			q.offer(st.Messages)
		}
	}
}

// Forget drops relay bookkeeping for a finished call. Messages still queued
// get one last publish attempt.
func (r *Relay) Forget(callID string) {
	r.mu.Lock()
	q, ok := r.calls[callID]
	delete(r.calls, callID)
	r.mu.Unlock()
	if ok {
		close(q.stop)
	}
}

func (r *Relay) queue(callID string, create bool) *relayQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.calls[callID]
	if !ok && create {
		q = &relayQueue{
			relay:  r,
			callID: callID,
			wake:   make(chan struct{}, 1),
			stop:   make(chan struct{}),
		}
		r.calls[callID] = q
		go q.run()
	}
	return q
}

// relayQueue publishes one call's messages. sent only moves forward after
// Redis accepted the batch.
type relayQueue struct {
	relay  *Relay
	callID string

	mu     sync.Mutex
	latest []Message
	sent   int

	wake chan struct{}
	stop chan struct{}
}

func (q *relayQueue) offer(msgs []Message) {
	q.mu.Lock()
	q.latest = msgs
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *relayQueue) run() {
	var retry <-chan time.Time
	for {
		select {
		case <-q.wake:
		case <-retry:
		case <-q.stop:
			q.flush()
			return
		}
		retry = nil
		if err := q.flush(); err != nil {
			retry = time.After(q.relay.retry)
		}
	}
}

func (q *relayQueue) flush() error {
	q.mu.Lock()
	msgs := q.latest
	from := q.sent
	q.mu.Unlock()

	if from > len(msgs) {
		// store was reset
		from = 0
	}
	if from == len(msgs) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := q.relay.Publish(ctx, q.callID, msgs[from:]...); err != nil {
		q.relay.log.Error("relay advisories", "call_id", q.callID, "pending", len(msgs)-from, "error", err)
		metrics.Errors.WithLabelValues("relay", "publish").Inc()
		return err
	}

	q.mu.Lock()
	q.sent = len(msgs)
	q.mu.Unlock()
	return nil
}

// Publish appends msgs to the call's history and announces them. The
// batch is applied atomically.
func (r *Relay) Publish(ctx context.Context, callID string, msgs ...Message) error {
	listKey := r.historyKey(callID)
	pipe := r.client.TxPipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal advisory: %w", err)
		}
		pipe.RPush(ctx, listKey, data)
		pipe.Publish(ctx, r.channel(callID), data)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, listKey, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// History returns every relayed message for a call, oldest first.
func (r *Relay) History(ctx context.Context, callID string) ([]Message, error) {
	items, err := r.client.LRange(ctx, r.historyKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history: %w", err)
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode advisory: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Subscribe streams messages relayed for callID until ctx is done.
func (r *Relay) Subscribe(ctx context.Context, callID string) (<-chan Message, error) {
	sub := r.client.Subscribe(ctx, r.channel(callID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rm, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(rm.Payload), &m); err != nil {
					r.log.Warn("relay message rejected", "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Relay) channel(callID string) string {
	return r.prefix + ":advisories:" + callID
}

func (r *Relay) historyKey(callID string) string {
	return r.prefix + ":advisories:" + callID + ":history"
}
