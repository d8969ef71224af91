package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbridge/internal/clock"
	"zbridge/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(epoch)
	m := NewManager(Options{
		DefaultTTL: time.Minute,
		MaxTTL:     time.Hour,
		Clock:      c,
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	return m, c
}

func alice() *types.UserContext {
	return &types.UserContext{UserID: "alice", AppName: "store", Role: "customer", AuthContext: types.AuthContextApplication}
}

func bob() *types.UserContext {
	return &types.UserContext{UserID: "bob", AppName: "store", Role: "customer", AuthContext: types.AuthContextApplication}
}

// Isolation: identical command and args under distinct contexts never share a key
func TestBuildKey_IsolatesContexts(t *testing.T) {
	m, _ := newTestManager(t)

	base := alice()
	variants := []*types.UserContext{
		nil,
		bob(),
		{UserID: "alice", AppName: "analytics", Role: "customer", AuthContext: types.AuthContextApplication},
		{UserID: "alice", AppName: "store", Role: "admin", AuthContext: types.AuthContextApplication},
		{UserID: "alice", AppName: "store", Role: "customer", AuthContext: types.AuthContextDual},
		{UserID: "alice", InternalUserID: "root", AppName: "store", Role: "customer", AuthContext: types.AuthContextApplication},
		{},
	}

	baseKey := m.BuildKey("list_products", nil, base)
	seen := map[string]bool{baseKey: true}
	for _, v := range variants {
		k := m.BuildKey("list_products", nil, v)
		assert.False(t, seen[k], "key collision for %+v", v)
		seen[k] = true
	}
}

func TestBuildKey_Deterministic(t *testing.T) {
	m, _ := newTestManager(t)

	a := m.BuildKey("^ListProducts", map[string]any{"page": 1.0, "filter": map[string]any{"b": true, "a": "x"}}, alice())
	b := m.BuildKey("^ListProducts", map[string]any{"filter": map[string]any{"a": "x", "b": true}, "page": 1.0}, alice())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := m.BuildKey("^ListProducts", map[string]any{"page": 2.0}, alice())
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, m.BuildKey("^ListOrders", nil, alice()))
}

func TestBuildKey_LengthPrefixPreventsShifting(t *testing.T) {
	assert.NotEqual(t, deriveKey("ab", "c"), deriveKey("a", "bc"))
}

func TestBuildKey_AnonymousWarns(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(Options{Clock: clock.Fake(epoch), Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	m.BuildKey("^Ping", nil, nil)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "anonymous partition")
}

func TestCache_AliceResultNeverServedToBob(t *testing.T) {
	m, _ := newTestManager(t)

	aliceKey := m.BuildKey("list_products", nil, alice())
	require.NoError(t, m.Put(aliceKey, json.RawMessage(`["alice-only"]`), 0, WithOwner(alice())))

	_, hit := m.Get(m.BuildKey("list_products", nil, bob()))
	assert.False(t, hit)

	payload, hit := m.Get(aliceKey)
	require.True(t, hit)
	assert.JSONEq(t, `["alice-only"]`, string(payload))
}

func TestCache_TTLExpiry(t *testing.T) {
	m, c := newTestManager(t)

	require.NoError(t, m.Put("k", json.RawMessage(`1`), time.Second))

	c.Advance(time.Second)
	_, hit := m.Get("k")
	assert.True(t, hit, "entry is still valid exactly at its ttl")

	c.Advance(500 * time.Millisecond)
	_, hit = m.Get("k")
	assert.False(t, hit)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Entries)
}

func TestCache_PutDefaultsAndCapsTTL(t *testing.T) {
	m, c := newTestManager(t)

	require.NoError(t, m.Put("default", json.RawMessage(`1`), 0))
	require.NoError(t, m.Put("capped", json.RawMessage(`1`), 48*time.Hour))

	c.Advance(2 * time.Minute)
	_, hit := m.Get("default")
	assert.False(t, hit)
	_, hit = m.Get("capped")
	assert.True(t, hit)

	c.Advance(59 * time.Minute)
	_, hit = m.Get("capped")
	assert.False(t, hit, "ttl should have been capped at one hour")
}

func TestCache_PutOverwritesAndRejectsInvalidJSON(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Put("k", json.RawMessage(`"old"`), 0))
	require.NoError(t, m.Put("k", json.RawMessage(`"new"`), 0))
	got, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"new"`, string(got))

	assert.ErrorIs(t, m.Put("bad", json.RawMessage(`{`), 0), ErrInvalidPayload)
}

func TestCache_SelectiveClearing(t *testing.T) {
	m, _ := newTestManager(t)

	analyst := &types.UserContext{UserID: "carol", AppName: "analytics", Role: "analyst", AuthContext: types.AuthContextApplication}
	dual := &types.UserContext{UserID: "alice", InternalUserID: "root", AppName: "store", Role: "customer", AuthContext: types.AuthContextDual}

	put := func(cmd string, uc *types.UserContext) string {
		k := m.BuildKey(cmd, nil, uc)
		require.NoError(t, m.Put(k, json.RawMessage(`{}`), 0, WithOwner(uc)))
		return k
	}
	aliceKey := put("a", alice())
	bobKey := put("a", bob())
	carolKey := put("a", analyst)
	dualKey := put("a", dual)
	anonKey := put("a", nil)

	assert.Equal(t, 2, m.ClearForUser("alice"))
	_, ok := m.Get(aliceKey)
	assert.False(t, ok)
	_, ok = m.Get(dualKey)
	assert.False(t, ok)

	assert.Equal(t, 1, m.ClearForApp("store"))
	_, ok = m.Get(bobKey)
	assert.False(t, ok)

	_, ok = m.Get(carolKey)
	assert.True(t, ok)

	assert.Equal(t, 1, m.ClearForContext(nil))
	_, ok = m.Get(anonKey)
	assert.False(t, ok)

	assert.Equal(t, 1, m.ClearForContext(analyst))
	assert.Equal(t, 0, m.Stats().Entries)

	assert.Equal(t, 0, m.ClearForUser(""))
	assert.Equal(t, 0, m.ClearForApp(""))
}

func TestCache_ClearForContextIsExact(t *testing.T) {
	m, _ := newTestManager(t)

	admin := alice()
	admin.Role = "admin"
	require.NoError(t, m.Put("customer", json.RawMessage(`1`), 0, WithOwner(alice())))
	require.NoError(t, m.Put("admin", json.RawMessage(`1`), 0, WithOwner(admin)))

	assert.Equal(t, 1, m.ClearForContext(alice()))
	_, ok := m.Get("admin")
	assert.True(t, ok)
}

func TestCache_ClearAll(t *testing.T) {
	m, _ := newTestManager(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Put(k, json.RawMessage(`1`), 0))
	}
	assert.Equal(t, 3, m.ClearAll())
	assert.Equal(t, uint64(3), m.Stats().Evictions)
	assert.Equal(t, 0, m.ClearAll())
}

func TestCache_SetDefaultTTL(t *testing.T) {
	m, _ := newTestManager(t)

	assert.ErrorIs(t, m.SetDefaultTTL(0), ErrInvalidTTL)
	assert.ErrorIs(t, m.SetDefaultTTL(2*time.Hour), ErrTTLExceedsMax)
	require.NoError(t, m.SetDefaultTTL(5*time.Minute))
	assert.Equal(t, 5*time.Minute, m.DefaultTTL())
	assert.Equal(t, 300.0, m.Stats().DefaultTTLSeconds)
}

func TestCache_RunSweepsExpired(t *testing.T) {
	c := clock.Fake(epoch)
	m := NewManager(Options{DefaultTTL: time.Second, SweepInterval: time.Minute, Clock: c})
	require.NoError(t, m.Put("k", json.RawMessage(`1`), 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	require.Eventually(t, func() bool { return m.Stats().Entries == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().Expirations)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
