// Package gateway is the client every server process uses to reach the shared
// grid store and the change bus.
//
// The grid lives in one ordered set (GridKey) whose members are checkbox
// indices and whose scores are 0 or 1. Changes are announced on ChangesTopic.
// Both names are shared by every server instance and must not change.
//
// Four backends are provided: Redis and Postgres for multi-process
// deployments, bbolt for a durable single process, and an in-memory store for
// tests and demos.
package gateway

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// GridKey is the ordered set holding the grid.
	GridKey = "checkboxes"
	// ChangesTopic is the bus topic carrying "<c|u>,<index>" payloads.
	ChangesTopic = "checkbox_changes"
)

// ErrStoreUnavailable is matched by every connectivity failure a backend reports.
var ErrStoreUnavailable = errors.New("store unavailable")

// Member is one stored index and its score.
type Member struct {
	Index uint32
	Score int
}

// Gateway is the shared ordered store plus the publish/subscribe bus.
type Gateway interface {
	// RangeWithScores returns the stored members of key whose index lies in
	// [start, end], ascending by index. It is empty when start > end.
	RangeWithScores(ctx context.Context, key string, start, end uint32) ([]Member, error)
	// SetScore upserts index with score.
	SetScore(ctx context.Context, key string, index uint32, score int) error
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic, payload string) error
	// Subscribe starts delivering payloads published on topic from now on.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close releases the backend's connections.
	Close() error
}

// Subscription is a live feed of one topic.
type Subscription interface {
	// Messages yields payloads in the order this subscriber received them.
	// It is closed when the subscription ends.
	Messages() <-chan string
	Close() error
}

// StoreError reports a backend failure. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStoreUnavailable, e.Err)
}

// Unwrap exposes both the sentinel and the backend cause.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
