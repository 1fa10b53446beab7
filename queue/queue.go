// Package queue provides a delayed, at-least-once task queue for dispatcher work items
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind routes a task to its handler
type Kind string

const (
	KindRunBatch Kind = "campaign.run_batch"
	KindDispatch Kind = "target.dispatch"
)

var ErrInvalidTask = errors.New("invalid task")

// Task is a work item. Ref is the uuid of the campaign or target the task acts on;
// the owning tenant is resolved from it when the task runs.
type Task struct {
	ID      uuid.UUID `json:"id"`
	Kind    Kind      `json:"kind"`
	Ref     uuid.UUID `json:"ref"`
	Token   uuid.UUID `json:"token"`
	Attempt int       `json:"attempt,omitempty"`

	raw string
}

// NewTask builds a task with a fresh id
func NewTask(kind Kind, ref uuid.UUID) Task {
	return Task{ID: uuid.New(), Kind: kind, Ref: ref}
}

func (t Task) validate() error {
	if t.ID == uuid.Nil || t.Kind == "" || t.Ref == uuid.Nil {
		return ErrInvalidTask
	}
	return nil
}

// Queue is a delayed task queue. Claimed tasks stay invisible until acked or until their
// visibility deadline passes, after which RequeueExpired makes them claimable again.
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	Claim(ctx context.Context, now time.Time, max int) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int64, error)
}
