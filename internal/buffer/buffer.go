// Package buffer holds the live telemetry window that feeds real-time charts.
package buffer

import (
	"sync"

	"bmswatch/internal/telemetry"
)

// DefaultCapacity is 30 minutes of samples at a 10s cadence.
const DefaultCapacity = 180

// Series is a column-oriented snapshot of the buffer, oldest first.
type Series struct {
	Timestamps  []int64   `json:"timestamps"`
	Voltage     []float64 `json:"voltage"`
	Current     []float64 `json:"current"`
	SOC         []float64 `json:"soc"`
	Temperature []float64 `json:"temperature"`
}

// Len returns the number of points in the snapshot.
func (s Series) Len() int {
	return len(s.Timestamps)
}

// Buffer is a fixed-capacity circular window over the most recent samples.
// Capacity is counted in samples, so gaps in arrival never shrink the window.
type Buffer struct {
	mu       sync.RWMutex
	data     []telemetry.Sample
	head     int // next write position
	count    int
	capacity int

	appended int64
	dropped  int64
}

// New creates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:     make([]telemetry.Sample, capacity),
		capacity: capacity,
	}
}

// Append adds a sample, overwriting the oldest one when full.
func (b *Buffer) Append(sample telemetry.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = sample
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	} else {
		b.dropped++
	}
	b.appended++
}

// Reset clears every series.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.data {
		b.data[i] = telemetry.Sample{}
	}
	b.head = 0
	b.count = 0
}

// Samples returns the buffered samples, oldest first.
func (b *Buffer) Samples() []telemetry.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]telemetry.Sample, b.count)
	start := b.tail()
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(start+i)%b.capacity]
	}
	return out
}

// Series returns the buffer as parallel columns, oldest first.
func (b *Buffer) Series() Series {
	samples := b.Samples()
	s := Series{
		Timestamps:  make([]int64, len(samples)),
		Voltage:     make([]float64, len(samples)),
		Current:     make([]float64, len(samples)),
		SOC:         make([]float64, len(samples)),
		Temperature: make([]float64, len(samples)),
	}
	for i, sample := range samples {
		s.Timestamps[i] = sample.Timestamp
		s.Voltage[i] = sample.Voltage
		s.Current[i] = sample.Current
		s.SOC[i] = sample.SOC
		s.Temperature[i] = sample.Temperature
	}
	return s
}

// Latest returns the newest sample.
func (b *Buffer) Latest() (telemetry.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return telemetry.Sample{}, false
	}
	idx := (b.head - 1 + b.capacity) % b.capacity
	return b.data[idx], true
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Stats holds buffer counters.
type Stats struct {
	Capacity int   `json:"capacity"`
	Count    int   `json:"count"`
	Appended int64 `json:"appended"`
	Dropped  int64 `json:"dropped"`
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Capacity: b.capacity,
		Count:    b.count,
		Appended: b.appended,
		Dropped:  b.dropped,
	}
}

func (b *Buffer) tail() int {
	return (b.head - b.count + b.capacity) % b.capacity
}
