package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bmswatch/internal/kv"
	"bmswatch/internal/telemetry"
)

// DefaultHistoryKey is the document key the history log is stored under.
const DefaultHistoryKey = "bmswatch_history_v1"

// RetentionPolicy bounds the history log. MaxAge and MaxCount are enforced
// independently; TruncateTo is the size the log is cut to before the single
// retry that follows a failed write.
type RetentionPolicy struct {
	MaxAge     time.Duration `json:"max_age"`
	MaxCount   int           `json:"max_count"`
	TruncateTo int           `json:"truncate_to"`
}

// DefaultRetention keeps seven days and at most 10 000 entries.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:     7 * 24 * time.Hour,
		MaxCount:   10_000,
		TruncateTo: 5_000,
	}
}

// AppendResult reports what happened to a sample handed to History.Append.
type AppendResult int

const (
	// AppendStored means the sample was written on the first attempt.
	AppendStored AppendResult = iota
	// AppendTruncated means the first write failed and the retry on the
	// truncated log succeeded.
	AppendTruncated
	// AppendDropped means both writes failed and the sample was discarded.
	AppendDropped
)

func (r AppendResult) String() string {
	switch r {
	case AppendStored:
		return "stored"
	case AppendTruncated:
		return "truncated"
	case AppendDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// HistoryOptions configure a History.
type HistoryOptions struct {
	Key    string
	Policy RetentionPolicy
	Now    func() time.Time
}

// History is the durable, quota-bounded sample log. Storage faults never
// propagate to callers: writes degrade through a truncate-and-retry path and
// reads fall back to an empty log.
type History struct {
	mu     sync.Mutex
	store  kv.Store
	key    string
	policy RetentionPolicy
	now    func() time.Time
	logger zerolog.Logger
}

// NewHistory wires a History onto a key-value store.
func NewHistory(store kv.Store, opts HistoryOptions, logger zerolog.Logger) *History {
	if opts.Key == "" {
		opts.Key = DefaultHistoryKey
	}
	defaults := DefaultRetention()
	if opts.Policy.MaxAge <= 0 {
		opts.Policy.MaxAge = defaults.MaxAge
	}
	if opts.Policy.MaxCount <= 0 {
		opts.Policy.MaxCount = defaults.MaxCount
	}
	if opts.Policy.TruncateTo <= 0 || opts.Policy.TruncateTo > opts.Policy.MaxCount {
		opts.Policy.TruncateTo = min(defaults.TruncateTo, opts.Policy.MaxCount)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &History{
		store:  store,
		key:    opts.Key,
		policy: opts.Policy,
		now:    opts.Now,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Policy returns the active retention policy.
func (h *History) Policy() RetentionPolicy {
	return h.policy
}

// Append adds sample to the log, evicting entries older than MaxAge and then
// the oldest entries beyond MaxCount. A failed write is always followed by
// exactly one truncated retry, whatever the state of the caller's context.
func (h *History) Append(_ context.Context, sample telemetry.Sample) AppendResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.load()
	if err != nil && !errors.Is(err, errCorrupt) {
		h.logger.Error().Err(err).Msg("history unreadable; dropping sample")
		return AppendDropped
	}

	entries = append(entries, sample)
	entries = h.evict(entries)

	err = h.write(entries)
	if err == nil {
		return AppendStored
	}
	h.logger.Warn().Err(err).Int("entries", len(entries)).
		Int("truncate_to", h.policy.TruncateTo).
		Msg("history write failed; truncating and retrying")

	if len(entries) > h.policy.TruncateTo {
		entries = entries[len(entries)-h.policy.TruncateTo:]
	}
	if err := h.write(entries); err != nil {
		h.logger.Error().Err(err).Int64("timestamp", sample.Timestamp).Msg("history retry failed; sample dropped")
		return AppendDropped
	}
	return AppendTruncated
}

// Query returns entries no older than maxAge, ascending by timestamp. A
// maxAge <= 0 returns everything the retention policy still admits. Missing or
// corrupt storage yields an empty result.
func (h *History) Query(ctx context.Context, maxAge time.Duration) []telemetry.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.load()
	if err != nil {
		h.logger.Warn().Err(err).Msg("history unavailable; returning empty log")
		return []telemetry.Sample{}
	}

	total := len(entries)
	entries = h.evict(entries)
	if len(entries) != total {
		if err := h.write(entries); err != nil {
			h.logger.Warn().Err(err).Msg("failed to write back evicted history")
		}
	}

	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = h.now().Add(-maxAge).UnixMilli()
	}

	out := make([]telemetry.Sample, 0, len(entries))
	for _, entry := range entries {
		if maxAge > 0 && entry.Timestamp < cutoff {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Count returns the number of stored entries without applying eviction.
func (h *History) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.load()
	if err != nil {
		return 0
	}
	return len(entries)
}

// Clear removes the stored log.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.Delete(h.key)
}

var errCorrupt = errors.New("history document corrupt")

// load reads the log. A missing key is an empty log; an unparsable document is
// reported as errCorrupt together with an empty log.
func (h *History) load() ([]telemetry.Sample, error) {
	raw, err := h.store.Get(h.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return []telemetry.Sample{}, nil
		}
		return nil, err
	}

	var entries []telemetry.Sample
	if err := json.Unmarshal(raw, &entries); err != nil {
		h.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("history document unparsable; treating as empty")
		return []telemetry.Sample{}, errCorrupt
	}
	return entries, nil
}

func (h *History) evict(entries []telemetry.Sample) []telemetry.Sample {
	cutoff := h.now().Add(-h.policy.MaxAge).UnixMilli()
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp >= cutoff {
			kept = append(kept, entry)
		}
	}
	if over := len(kept) - h.policy.MaxCount; over > 0 {
		kept = kept[over:]
	}
	return kept
}

func (h *History) write(entries []telemetry.Sample) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return h.store.Set(h.key, payload)
}
