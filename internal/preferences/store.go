package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"bmswatch/internal/kv"
)

// DefaultKey is the document key preferences are stored under.
const DefaultKey = "bmswatch_dashboard_prefs_v1"

// Store owns the in-memory preference object and its persisted copy.
type Store struct {
	mu      sync.RWMutex
	kv      kv.Store
	key     string
	current Preferences
	logger  zerolog.Logger
}

// NewStore creates a Store seeded with defaults. Call Load to read the
// persisted document.
func NewStore(store kv.Store, key string, logger zerolog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		kv:      store,
		key:     key,
		current: Defaults(),
		logger:  logger.With().Str("component", "preferences").Logger(),
	}
}

// Load reads the persisted document. Absent or unparsable documents yield
// defaults; otherwise the document is merged onto defaults.
func (s *Store) Load() Preferences {
	loaded := s.read()

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return loaded
}

func (s *Store) read() Preferences {
	raw, err := s.kv.Get(s.key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("failed to load preferences, using defaults")
		}
		return Defaults()
	}

	partial, err := Decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse preferences, using defaults")
		return Defaults()
	}
	return Merge(Defaults(), partial)
}

// Get returns a copy of the current preferences.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update merges partial onto the current preferences, persists the result and
// returns it. A failed persist is logged; the in-memory update still applies.
func (s *Store) Update(partial Partial) Preferences {
	s.mu.Lock()
	s.current = Merge(s.current, partial)
	updated := s.current
	s.mu.Unlock()

	_ = s.Persist()
	return updated
}

// Reset restores defaults and persists them.
func (s *Store) Reset() Preferences {
	s.mu.Lock()
	s.current = Defaults()
	s.mu.Unlock()

	_ = s.Persist()
	return Defaults()
}

// Persist writes the current preferences.
func (s *Store) Persist() error {
	current := s.Get()
	payload, err := json.Marshal(current)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode preferences")
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := s.kv.Set(s.key, payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist preferences")
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

// Decode parses a preference document. Comments and trailing commas are
// accepted so the file can be edited by hand.
func Decode(raw []byte) (Partial, error) {
	var partial Partial
	if err := json.Unmarshal(jsonc.ToJSON(raw), &partial); err != nil {
		return Partial{}, fmt.Errorf("decode preferences: %w", err)
	}
	return partial, nil
}
