package cache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(maxSize int) (*Memory, *fixedClock) {
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemory(MemoryConfig{MaxSize: maxSize, Now: clock.Now}), clock
}

func newEntry(status int, body string) *Entry {
	return &Entry{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
}

func TestMemory_StoreLookupRoundTrip(t *testing.T) {
	m, _ := newTestMemory(10)

	m.Store("fp1", newEntry(200, `{"ok":true}`), time.Minute)

	e, ok := m.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, 200, e.StatusCode)
	assert.Equal(t, []byte(`{"ok":true}`), e.Body)
	assert.True(t, e.ExpiresAt.After(e.CreatedAt), "expires_at must be after created_at")
}

func TestMemory_LookupMiss(t *testing.T) {
	m, _ := newTestMemory(10)
	_, ok := m.Lookup("absent")
	assert.False(t, ok)
}

func TestMemory_ExpiredEntryIsLazyDeleted(t *testing.T) {
	m, clock := newTestMemory(10)

	m.Store("fp1", newEntry(200, "x"), time.Minute)
	clock.Advance(time.Minute + time.Second)

	_, ok := m.Lookup("fp1")
	assert.False(t, ok, "expired entry reports miss")
	assert.Equal(t, 0, m.Len(), "expired entry deleted at lookup")
}

func TestMemory_EvictsLRUAtCap(t *testing.T) {
	m, clock := newTestMemory(3)

	m.Store("a", newEntry(200, "a"), time.Hour)
	clock.Advance(time.Second)
	m.Store("b", newEntry(200, "b"), time.Hour)
	clock.Advance(time.Second)
	m.Store("c", newEntry(200, "c"), time.Hour)
	clock.Advance(time.Second)

	// Touch "a" so "b" becomes least recently accessed.
	_, ok := m.Lookup("a")
	require.True(t, ok)
	clock.Advance(time.Second)

	m.Store("d", newEntry(200, "d"), time.Hour)

	assert.Equal(t, 3, m.Len())
	_, ok = m.Lookup("b")
	assert.False(t, ok, "least recently accessed entry should be evicted")
	_, ok = m.Lookup("a")
	assert.True(t, ok)
	_, ok = m.Lookup("d")
	assert.True(t, ok)
}

func TestMemory_OverwriteDoesNotEvict(t *testing.T) {
	m, _ := newTestMemory(2)

	m.Store("a", newEntry(200, "a"), time.Hour)
	m.Store("b", newEntry(200, "b"), time.Hour)
	m.Store("a", newEntry(200, "a2"), time.Hour)

	assert.Equal(t, 2, m.Len())
	e, ok := m.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, []byte("a2"), e.Body)
	_, ok = m.Lookup("b")
	assert.True(t, ok)
}

func TestMemory_InvalidateAndClear(t *testing.T) {
	m, _ := newTestMemory(10)

	m.Store("a", newEntry(200, "a"), time.Hour)
	m.Store("b", newEntry(200, "b"), time.Hour)

	m.Invalidate("a")
	_, ok := m.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestMemory_Stats(t *testing.T) {
	m, _ := newTestMemory(5)

	for i := 0; i < 3; i++ {
		m.Store(fmt.Sprintf("fp%d", i), newEntry(200, "body"), time.Hour)
	}

	stats := m.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 5, stats.Max)
	assert.Len(t, stats.Entries, 3)
}

func TestMemory_Sweep(t *testing.T) {
	m, clock := newTestMemory(10)

	m.Store("old", newEntry(200, "old"), time.Minute)
	m.Store("fresh", newEntry(200, "fresh"), time.Hour)

	clock.Advance(2 * time.Minute)

	removed, err := m.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())
}

func TestFingerprint_Stable(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/api/data?a=1&b=2", nil)
	r2 := httptest.NewRequest(http.MethodGet, "/api/data?b=2&a=1", nil)

	fp1 := Fingerprint(r1, nil, nil)
	fp2 := Fingerprint(r2, nil, nil)

	assert.Len(t, fp1, 16)
	assert.Equal(t, fp1, fp2, "query parameter order must not change the fingerprint")
}

func TestFingerprint_MethodAndPathDiffer(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	head := httptest.NewRequest(http.MethodHead, "/api/data", nil)
	other := httptest.NewRequest(http.MethodGet, "/api/other", nil)

	assert.NotEqual(t, Fingerprint(get, nil, nil), Fingerprint(head, nil, nil))
	assert.NotEqual(t, Fingerprint(get, nil, nil), Fingerprint(other, nil, nil))
}

func TestFingerprint_VaryByHeader(t *testing.T) {
	varyBy := []string{"Authorization"}

	a := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	a.Header.Set("Authorization", "A")
	b := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	b.Header.Set("Authorization", "B")
	a2 := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	a2.Header.Set("Authorization", "A")

	assert.NotEqual(t, Fingerprint(a, nil, varyBy), Fingerprint(b, nil, varyBy))
	assert.Equal(t, Fingerprint(a, nil, varyBy), Fingerprint(a2, nil, varyBy))
}

func TestFingerprint_BodyDigestForNonGET(t *testing.T) {
	p1 := httptest.NewRequest(http.MethodPost, "/api/data", nil)
	p2 := httptest.NewRequest(http.MethodPost, "/api/data", nil)

	fp1 := Fingerprint(p1, []byte(`{"a":1}`), nil)
	fp2 := Fingerprint(p2, []byte(`{"a":2}`), nil)
	assert.NotEqual(t, fp1, fp2, "distinct POST bodies must fingerprint differently")

	// GET ignores the body.
	g1 := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	g2 := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	assert.Equal(t, Fingerprint(g1, []byte("x"), nil), Fingerprint(g2, []byte("y"), nil))
}
