// Package cache holds the results of read-only commands, partitioned by
// the identity of the caller so no two principals share an entry.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"zbridge/internal/clock"
	"zbridge/pkg/types"
)

// Entry is a cached command result
type Entry struct {
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
	TTL       time.Duration
	// Owner is nil for the anonymous partition
	Owner *types.UserContext
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats is a read-only snapshot of the cache counters
type Stats struct {
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Expirations       uint64  `json:"expirations"`
	Sets              uint64  `json:"sets"`
	Evictions         uint64  `json:"evictions"`
	Entries           int     `json:"entries"`
	HitRate           float64 `json:"hit_rate"`
	DefaultTTLSeconds float64 `json:"default_ttl_seconds"`
	MaxTTLSeconds     float64 `json:"max_ttl_seconds,omitempty"`
}

// Options configures a Manager
type Options struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration // zero means uncapped
	SweepInterval time.Duration // zero disables Run
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Manager is the TTL cache
// ARCHITECTURAL DISCOVERY: one mutex over map lookups only, callers never
// hold it across dispatcher I/O
type Manager struct {
	mu            sync.Mutex
	entries       map[string]*Entry
	defaultTTL    time.Duration
	maxTTL        time.Duration
	sweepInterval time.Duration

	hits, misses, expirations, sets, evictions uint64

	clock  clock.Clock
	logger *slog.Logger
}

// PutOption customises a Put
type PutOption func(*Entry)

// WithOwner tags the entry so selective clearing can find it
func WithOwner(uc *types.UserContext) PutOption {
	return func(e *Entry) {
		if uc == nil {
			e.Owner = nil
			return
		}
		owner := *uc
		e.Owner = &owner
	}
}

// NewManager creates a cache manager
func NewManager(opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		entries:       make(map[string]*Entry),
		defaultTTL:    opts.DefaultTTL,
		maxTTL:        opts.MaxTTL,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "cache"),
	}
}

// BuildKey derives the cache key for command+args as seen by uc.
// A nil uc lands in the anonymous partition and is logged, since a missing
// context on an authenticated path would otherwise go unnoticed.
func (m *Manager) BuildKey(command string, args map[string]any, uc *types.UserContext) string {
	if uc == nil {
		m.logger.Warn("building cache key without user context, using anonymous partition",
			"command", command)
	}
	return deriveKey(keyParts(command, args, uc)...)
}

// Get returns the payload for key. Expired entries are evicted and reported as misses.
func (m *Manager) Get(key string) (json.RawMessage, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		m.expirations++
		m.misses++
		return nil, false
	}
	m.hits++
	return e.Payload, true
}

// Put stores payload under key, overwriting any previous entry.
// ttl <= 0 uses the default TTL; ttl is capped at MaxTTL.
func (m *Manager) Put(key string, payload json.RawMessage, ttl time.Duration, opts ...PutOption) error {
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	e := &Entry{
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: m.clock.Now(),
		TTL:       ttl,
	}
	for _, opt := range opts {
		opt(e)
	}
	m.entries[key] = e
	m.sets++
	return nil
}

// ClearAll drops every entry and returns how many were removed
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	m.entries = make(map[string]*Entry)
	m.evictions += uint64(n)
	return n
}

// ClearForUser drops entries owned by userID, whether as the application
// user or the internal user behind it
func (m *Manager) ClearForUser(userID string) int {
	if userID == "" {
		return 0
	}
	return m.clearWhere(func(o *types.UserContext) bool {
		return o != nil && (o.UserID == userID || o.InternalUserID == userID)
	})
}

// ClearForApp drops entries owned by any user of app
func (m *Manager) ClearForApp(app string) int {
	if app == "" {
		return 0
	}
	return m.clearWhere(func(o *types.UserContext) bool {
		return o != nil && o.AppName == app
	})
}

// ClearForContext drops entries whose owner is exactly uc. A nil uc clears
// the anonymous partition.
func (m *Manager) ClearForContext(uc *types.UserContext) int {
	return m.clearWhere(func(o *types.UserContext) bool {
		if uc == nil || o == nil {
			return uc == nil && o == nil
		}
		return *o == *uc
	})
}

func (m *Manager) clearWhere(match func(*types.UserContext) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if match(e.Owner) {
			delete(m.entries, k)
			n++
		}
	}
	m.evictions += uint64(n)
	return n
}

// Sweep evicts every expired entry
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	m.expirations += uint64(n)
	return n
}

// Run sweeps periodically until ctx is done. It returns immediately when
// no sweep interval is configured.
func (m *Manager) Run(ctx context.Context) {
	if m.sweepInterval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}

// DefaultTTL returns the TTL applied when Put is given none
func (m *Manager) DefaultTTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultTTL
}

// SetDefaultTTL changes the default TTL for future entries
func (m *Manager) SetDefaultTTL(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxTTL > 0 && d > m.maxTTL {
		return ErrTTLExceedsMax
	}
	m.defaultTTL = d
	m.logger.Info("default cache ttl changed", "ttl", d)
	return nil
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Hits:              m.hits,
		Misses:            m.misses,
		Expirations:       m.expirations,
		Sets:              m.sets,
		Evictions:         m.evictions,
		Entries:           len(m.entries),
		DefaultTTLSeconds: m.defaultTTL.Seconds(),
		MaxTTLSeconds:     m.maxTTL.Seconds(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
