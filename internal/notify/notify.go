// SPDX-License-Identifier: MIT

// Package notify publishes pipeline lifecycle events to a Redis channel so
// other services can follow reductions without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gemini-dr/gnirspipe/internal/log"
)

// Event types published during a run.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
	EventDirStarted  = "dir.started"
	EventDirFinished = "dir.finished"
	EventSortDone    = "sort.done"
)

// Event is the JSON payload published to the channel.
type Event struct {
	Type   string    `json:"type"`
	RunID  string    `json:"run_id,omitempty"`
	ObsDir string    `json:"obs_dir,omitempty"`
	State  string    `json:"state,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Notifier publishes events. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop is a Notifier that discards everything, used when eventing is not
// configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Redis publishes events to a Redis channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to addr and returns a publisher for channel.
func NewRedis(addr, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: redis connection failed: %w", err)
	}

	return &Redis{client: client, channel: channel}, nil
}

// Publish sends one event. The timestamp is filled in when the caller left
// it zero.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	logger := log.WithComponentFromContext(ctx, "notify")
	logger.Debug().
		Str(log.FieldEvent, "notify.published").
		Str("channel", r.channel).
		Str("type", ev.Type).
		Msg("event published")
	return nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
