package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bmswatch/internal/telemetry"
)

func sampleAt(ts int64) telemetry.Sample {
	return telemetry.Sample{Timestamp: ts, Voltage: float64(ts), SOC: 50}
}

func TestAppendKeepsInsertionOrder(t *testing.T) {
	b := New(4)
	for i := int64(1); i <= 3; i++ {
		b.Append(sampleAt(i))
	}

	series := b.Series()
	require.Equal(t, []int64{1, 2, 3}, series.Timestamps)
	require.Equal(t, []float64{1, 2, 3}, series.Voltage)
	require.Equal(t, 3, b.Len())
}

func TestAppendDropsOldestBeyondCapacity(t *testing.T) {
	b := New(DefaultCapacity)
	for i := int64(0); i < DefaultCapacity+25; i++ {
		b.Append(sampleAt(i))
	}

	samples := b.Samples()
	require.Len(t, samples, DefaultCapacity)
	require.Equal(t, int64(25), samples[0].Timestamp)
	require.Equal(t, int64(DefaultCapacity+24), samples[len(samples)-1].Timestamp)

	stats := b.Stats()
	require.Equal(t, int64(25), stats.Dropped)
	require.Equal(t, int64(DefaultCapacity+25), stats.Appended)
}

func TestCapacityIsCountBased(t *testing.T) {
	b := New(3)
	// Large gaps between arrivals must not evict anything early.
	b.Append(sampleAt(0))
	b.Append(sampleAt(3_600_000))
	b.Append(sampleAt(86_400_000))

	require.Equal(t, 3, b.Len())
	latest, ok := b.Latest()
	require.True(t, ok)
	require.Equal(t, int64(86_400_000), latest.Timestamp)
}

func TestReset(t *testing.T) {
	b := New(2)
	b.Append(sampleAt(1))
	b.Append(sampleAt(2))
	b.Reset()

	require.Zero(t, b.Len())
	require.Zero(t, b.Series().Len())
	_, ok := b.Latest()
	require.False(t, ok)

	b.Append(sampleAt(7))
	require.Equal(t, []int64{7}, b.Series().Timestamps)
}

func TestNewDefaultsCapacity(t *testing.T) {
	require.Equal(t, DefaultCapacity, New(0).Cap())
}
