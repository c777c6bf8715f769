package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerbot/internal/core"
)

type OpKind string

const (
	OpAppend       OpKind = "append"
	OpRecategorize OpKind = "recategorize"
)

// Op is a pending write to the store. Txn is the transaction as it was when
// the op was enqueued; recategorize ops only use its ID and Category.
type Op struct {
	ID       string
	Kind     OpKind
	Txn      core.Transaction
	Enqueued time.Time
}

func newOp(kind OpKind, t core.Transaction, now time.Time) Op {
	return Op{ID: uuid.NewString(), Kind: kind, Txn: t, Enqueued: now}
}

// Queue is an unbounded FIFO of persist ops. The consumer peeks the head,
// applies it and pops it only afterwards, so a failing op is never
// overtaken by later ones.
type Queue struct {
	mu      sync.Mutex
	items   []Op
	changed chan struct{}
}

func NewQueue() *Queue {
	return &Queue{changed: make(chan struct{})}
}

// Push appends op at the tail.
func (q *Queue) Push(op Op) {
	q.mu.Lock()
	q.items = append(q.items, op)
	q.broadcast()
	q.mu.Unlock()
}

// Peek blocks until the queue is non-empty and returns the head without
// removing it.
func (q *Queue) Peek(ctx context.Context) (Op, error) {
	var head Op
	err := q.wait(ctx, func() bool {
		if len(q.items) == 0 {
			return false
		}
		head = q.items[0]
		return true
	})
	return head, err
}

// Pop removes the head if its id matches and reports whether it did.
func (q *Queue) Pop(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].ID != id {
		return false
	}
	q.items[0] = Op{}
	q.items = q.items[1:]
	q.broadcast()
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued ops, head first.
func (q *Queue) Items() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Op(nil), q.items...)
}

// Retarget points every queued op for transaction from at transaction to.
func (q *Queue) Retarget(from, to int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Txn.ID == from {
			q.items[i].Txn.ID = to
		}
	}
}

// WaitEmpty blocks until every queued op has been popped.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	return q.wait(ctx, func() bool { return len(q.items) == 0 })
}

// broadcast wakes every waiter. Caller holds mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// wait blocks until cond, evaluated under mu, holds.
func (q *Queue) wait(ctx context.Context, cond func() bool) error {
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
