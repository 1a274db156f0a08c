// Package journal is the agent's flow event feed: each session publishes
// what happened (started, recognized, challenges, submission outcome) and
// the status API consumes the stream for its recent-activity view.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one flow occurrence.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Event types published by the flow.
const (
	EventSessionStarted     = "session_started"
	EventRecognized         = "recognized"
	EventChallengeCompleted = "challenge_completed"
	EventSubmitted          = "submitted"
	EventFailed             = "failed"
)

// Journal is the abstraction over feed backends.
type Journal interface {
	Publish(ctx context.Context, evt Event) error
	Consume(ctx context.Context) (<-chan Event, error)
}

// InMemory is a channel-backed feed for single-process deployments.
type InMemory struct {
	ch chan Event
}

// NewInMemory creates a bounded in-memory feed.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Event, size)}
}

// Publish enqueues an event, dropping it when the buffer is full rather
// than stalling the flow.
func (j *InMemory) Publish(ctx context.Context, evt Event) error {
	select {
	case j.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Consume returns a channel for readers.
func (j *InMemory) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-j.ch:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisJournal pushes events onto a Redis list so a site-local collector
// can pick them up across agent restarts.
type RedisJournal struct {
	client *redis.Client
	key    string
}

// NewRedisJournal builds a feed using LPUSH/BRPOP semantics.
func NewRedisJournal(client *redis.Client, key string) *RedisJournal {
	if key == "" {
		key = "presence:events"
	}
	return &RedisJournal{client: client, key: key}
}

// Publish enqueues an event.
func (j *RedisJournal) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return j.client.LPush(ctx, j.key, body).Err()
}

// Consume streams events using BRPOP.
func (j *RedisJournal) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			res, err := j.client.BRPop(ctx, 5*time.Second, j.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var evt Event
				if json.Unmarshal([]byte(res[1]), &evt) == nil {
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Recent retains the last n consumed events for the status API. Safe for
// concurrent use by the consumer goroutine and request handlers.
type Recent struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewRecent creates a bounded recent-events buffer.
func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 50
	}
	return &Recent{limit: limit}
}

// Add appends an event, evicting the oldest past the limit.
func (r *Recent) Add(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the retained events, newest last.
func (r *Recent) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
