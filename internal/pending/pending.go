// Package pending correlates server-to-client prompts with the client's
// eventual input_response.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"zbridge/internal/clock"
)

// DefaultTimeout bounds how long a command waits for client input
const DefaultTimeout = 5 * time.Second

type outcome struct {
	value any
	err   error
}

// Request is a single outstanding prompt. It resolves exactly once.
type Request struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	slot chan outcome
	once sync.Once
}

func (r *Request) settle(o outcome) bool {
	settled := false
	r.once.Do(func() {
		r.slot <- o
		settled = true
	})
	return settled
}

// Table tracks outstanding requests by id
type Table struct {
	mu       sync.Mutex
	requests map[string]*Request
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewTable creates a request table. timeout <= 0 uses DefaultTimeout.
func NewTable(timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		requests: make(map[string]*Request),
		timeout:  timeout,
		clock:    clk,
		logger:   logger.With("component", "pending"),
	}
}

// Create registers a new request owned by the given connection
func (t *Table) Create(owner string) *Request {
	req := &Request{
		ID:        uuid.New().String(),
		Owner:     owner,
		CreatedAt: t.clock.Now(),
		slot:      make(chan outcome, 1),
	}

	t.mu.Lock()
	t.requests[req.ID] = req
	t.mu.Unlock()

	return req
}

// Resolve delivers value to the request. Only the owning connection may
// resolve it; any other owner gets ErrNotFound.
func (t *Table) Resolve(id, owner string, value any) error {
	t.mu.Lock()
	req, ok := t.requests[id]
	if ok && req.Owner == owner {
		delete(t.requests, id)
	}
	t.mu.Unlock()

	if !ok || req.Owner != owner {
		return ErrNotFound
	}
	if !req.settle(outcome{value: value}) {
		return ErrNotFound
	}
	return nil
}

// Await blocks until req resolves, ctx ends or the timeout passes. The
// request is always removed from the table on return.
func (t *Table) Await(ctx context.Context, req *Request) (any, error) {
	defer t.remove(req.ID)

	select {
	case o := <-req.slot:
		return o.value, o.err
	case <-ctx.Done():
		req.settle(outcome{err: ctx.Err()})
		return nil, ctx.Err()
	case <-t.clock.After(t.timeout):
		if req.settle(outcome{err: ErrTimeout}) {
			t.logger.Warn("pending request timed out", "request_id", req.ID, "owner", req.Owner)
			return nil, ErrTimeout
		}
		// resolved concurrently with the timeout firing
		o := <-req.slot
		return o.value, o.err
	}
}

// ReleaseOwner fails every request owned by owner and returns how many
// were released.
func (t *Table) ReleaseOwner(owner string) int {
	t.mu.Lock()
	var owned []*Request
	for id, req := range t.requests {
		if req.Owner == owner {
			owned = append(owned, req)
			delete(t.requests, id)
		}
	}
	t.mu.Unlock()

	for _, req := range owned {
		req.settle(outcome{err: ErrOwnerClosed})
	}
	return len(owned)
}

// Cancel withdraws req without waiting for it, e.g. when the prompt could
// not be delivered
func (t *Table) Cancel(req *Request) {
	t.remove(req.ID)
	req.settle(outcome{err: context.Canceled})
}

// Len returns the number of outstanding requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}
