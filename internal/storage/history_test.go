package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bmswatch/internal/kv"
	"bmswatch/internal/telemetry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// flakyStore wraps a MemoryStore and fails the next n writes.
type flakyStore struct {
	*kv.MemoryStore
	failWrites int
	writes     int
	lastSize   int
}

func (f *flakyStore) Set(key string, value []byte) error {
	f.writes++
	if f.failWrites > 0 {
		f.failWrites--
		return kv.ErrQuotaExceeded
	}
	var entries []telemetry.Sample
	_ = json.Unmarshal(value, &entries)
	f.lastSize = len(entries)
	return f.MemoryStore.Set(key, value)
}

type brokenReadStore struct {
	*kv.MemoryStore
}

func (b brokenReadStore) Get(string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func newTestHistory(store kv.Store, clock *fakeClock, policy RetentionPolicy) *History {
	return NewHistory(store, HistoryOptions{Policy: policy, Now: clock.Now}, zerolog.Nop())
}

func sampleAt(t time.Time) telemetry.Sample {
	return telemetry.Sample{Timestamp: t.UnixMilli(), Voltage: 52.1, Current: -3.2, SOC: 80, Temperature: 24.5}
}

func TestHistoryAppendAndQuery(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newTestHistory(kv.NewMemoryStore(0), clock, DefaultRetention())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Equal(t, AppendStored, h.Append(ctx, sampleAt(clock.now)))
		clock.Advance(time.Minute)
	}

	all := h.Query(ctx, 0)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Timestamp, all[i].Timestamp)
	}

	// now is 5 minutes after the first sample; a 2 minute window keeps
	// the samples at +3m and +4m.
	recent := h.Query(ctx, 2*time.Minute)
	require.Len(t, recent, 2)
}

func TestHistoryEvictsByAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	h := newTestHistory(kv.NewMemoryStore(0), clock, DefaultRetention())
	ctx := context.Background()

	// Eight days of samples, one every six hours.
	for i := 0; i < 8*4; i++ {
		h.Append(ctx, sampleAt(clock.now))
		clock.Advance(6 * time.Hour)
	}

	cutoff := clock.now.Add(-7 * 24 * time.Hour).UnixMilli()
	got := h.Query(ctx, 0)
	require.NotEmpty(t, got)
	for _, s := range got {
		require.GreaterOrEqual(t, s.Timestamp, cutoff)
	}
	require.Equal(t, len(got), h.Count(), "query should write back the evicted log")
}

func TestHistoryEvictsByCount(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	policy := RetentionPolicy{MaxAge: 7 * 24 * time.Hour, MaxCount: 50, TruncateTo: 20}
	h := newTestHistory(kv.NewMemoryStore(0), clock, policy)
	ctx := context.Background()

	var first int64
	for i := 0; i < 75; i++ {
		if i == 25 {
			first = clock.now.UnixMilli()
		}
		h.Append(ctx, sampleAt(clock.now))
		clock.Advance(time.Second)
	}

	got := h.Query(ctx, 0)
	require.Len(t, got, 50)
	require.Equal(t, first, got[0].Timestamp)
}

func TestHistoryDefaultCountBound(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(0)
	h := newTestHistory(store, clock, DefaultRetention())

	seed := make([]telemetry.Sample, 10_000)
	for i := range seed {
		seed[i] = sampleAt(clock.now.Add(time.Duration(i) * time.Second))
	}
	raw, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, store.Set(DefaultHistoryKey, raw))

	clock.Advance(4 * time.Hour)
	require.Equal(t, AppendStored, h.Append(context.Background(), sampleAt(clock.now)))

	got := h.Query(context.Background(), 0)
	require.Len(t, got, 10_000)
	require.Equal(t, seed[1].Timestamp, got[0].Timestamp)
	require.Equal(t, clock.now.UnixMilli(), got[len(got)-1].Timestamp)
}

func TestHistoryTruncatesAndRetriesOnWriteFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := &flakyStore{MemoryStore: kv.NewMemoryStore(0)}
	policy := RetentionPolicy{MaxAge: 7 * 24 * time.Hour, MaxCount: 100, TruncateTo: 10}
	h := newTestHistory(store, clock, policy)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		h.Append(ctx, sampleAt(clock.now))
		clock.Advance(time.Second)
	}

	store.failWrites = 1
	last := sampleAt(clock.now)
	require.Equal(t, AppendTruncated, h.Append(ctx, last))
	require.Equal(t, 10, store.lastSize)

	got := h.Query(ctx, 0)
	require.Len(t, got, 10)
	require.Equal(t, last.Timestamp, got[len(got)-1].Timestamp)
}

func TestHistoryRetriesWithCancelledContext(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := &flakyStore{MemoryStore: kv.NewMemoryStore(0)}
	h := newTestHistory(store, clock, DefaultRetention())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store.failWrites = 1
	sample := sampleAt(clock.now)
	require.Equal(t, AppendTruncated, h.Append(ctx, sample))
	require.Equal(t, 2, store.writes)

	got := h.Query(context.Background(), 0)
	require.Len(t, got, 1)
	require.Equal(t, sample.Timestamp, got[0].Timestamp)
}

func TestHistoryDropsSampleWhenRetryFails(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := &flakyStore{MemoryStore: kv.NewMemoryStore(0)}
	h := newTestHistory(store, clock, DefaultRetention())
	ctx := context.Background()

	require.Equal(t, AppendStored, h.Append(ctx, sampleAt(clock.now)))
	clock.Advance(time.Minute)

	store.failWrites = 2
	require.Equal(t, AppendDropped, h.Append(ctx, sampleAt(clock.now)))
	require.Len(t, h.Query(ctx, 0), 1)
}

func TestHistoryCorruptDocumentIsEmpty(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set(DefaultHistoryKey, []byte("{not json")))
	h := newTestHistory(store, clock, DefaultRetention())
	ctx := context.Background()

	require.Empty(t, h.Query(ctx, 0))

	// The next append replaces the corrupt document.
	require.Equal(t, AppendStored, h.Append(ctx, sampleAt(clock.now)))
	require.Len(t, h.Query(ctx, 0), 1)
}

func TestHistoryUnreadableStoreFailsOpen(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	h := newTestHistory(brokenReadStore{kv.NewMemoryStore(0)}, clock, DefaultRetention())
	ctx := context.Background()

	require.Equal(t, AppendDropped, h.Append(ctx, sampleAt(clock.now)))
	require.Empty(t, h.Query(ctx, time.Hour))
}

func TestHistoryQueryMissingKey(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newTestHistory(kv.NewMemoryStore(0), clock, DefaultRetention())
	got := h.Query(context.Background(), time.Hour)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestNewHistoryClampsTruncateTo(t *testing.T) {
	h := NewHistory(kv.NewMemoryStore(0), HistoryOptions{Policy: RetentionPolicy{MaxCount: 100}}, zerolog.Nop())
	require.Equal(t, 100, h.Policy().TruncateTo)
	require.Equal(t, 7*24*time.Hour, h.Policy().MaxAge)
}
