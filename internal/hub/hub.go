package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"zbridge/internal/clock"
	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// DefaultBufferSize is the broadcast queue depth
const DefaultBufferSize = 1000

// Source supplies broadcast targets. The connection registry implements it.
type Source interface {
	Snapshot() []interfaces.Connection
	Unregister(id string) bool
}

// Options configures a Hub
type Options struct {
	BufferSize int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Stats counts broadcast outcomes
type Stats struct {
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Queued     int    `json:"queued"`
}

type envelope struct {
	notice    types.Notice
	excludeID string
}

// Hub fans server-initiated notices out to every connection
// ARCHITECTURAL DISCOVERY: Single hub goroutine serialises delivery so broadcasts
// arrive at each client in the order they were queued
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs bursts without blocking senders
	broadcasts chan envelope

	source Source
	clock  clock.Clock
	logger *slog.Logger

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	broadcastCount, delivered, failed atomic.Uint64
}

// NewHub creates a hub delivering to source's connections
func NewHub(source Source, opts Options) (*Hub, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		broadcasts: make(chan envelope, opts.BufferSize),
		source:     source,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "hub"),
	}, nil
}

// Start begins delivery. The hub stops when ctx ends or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.running = true

	h.logger.Info("broadcast hub started")
	go h.run(ctx, h.done)
	return nil
}

// Stop halts delivery and waits for the hub goroutine to exit. Queued
// broadcasts that were not yet delivered are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	<-done
	h.logger.Info("broadcast hub stopped")
	return nil
}

// Running reports whether the hub is delivering
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Broadcast queues event for every connection except excludeID. It never
// blocks: a full queue yields ErrBroadcastChannelFull.
func (h *Hub) Broadcast(event string, payload any, excludeID string) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	env := envelope{
		notice:    types.Notice{Event: event, Data: payload, Timestamp: h.clock.Now().UTC()},
		excludeID: excludeID,
	}
	select {
	case h.broadcasts <- env:
		h.broadcastCount.Add(1)
		return nil
	default:
		h.logger.Warn("broadcast dropped, queue full", "event", event)
		return ErrBroadcastChannelFull
	}
}

// Stats returns a snapshot of the counters
func (h *Hub) Stats() Stats {
	return Stats{
		Broadcasts: h.broadcastCount.Load(),
		Delivered:  h.delivered.Load(),
		Failed:     h.failed.Load(),
		Queued:     len(h.broadcasts),
	}
}

func (h *Hub) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.broadcasts:
			h.deliver(env)
		}
	}
}

// deliver sends env to a snapshot of the connections. A connection that
// cannot take the frame is removed and closed; the rest are unaffected.
func (h *Hub) deliver(env envelope) {
	for _, conn := range h.source.Snapshot() {
		if conn.ID() == env.excludeID {
			continue
		}
		if err := conn.TrySend(env.notice); err != nil {
			h.failed.Add(1)
			h.logger.Warn("broadcast delivery failed, dropping connection",
				"conn", conn.ID(), "event", env.notice.Event, "error", err)
			h.source.Unregister(conn.ID())
			go func(c interfaces.Connection) { _ = c.Close() }(conn)
			continue
		}
		h.delivered.Add(1)
	}
}
