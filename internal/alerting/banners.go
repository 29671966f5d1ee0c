package alerting

import (
	"sort"
	"sync"
	"time"
)

// BannerSink receives persistent banner changes keyed by alert id.
type BannerSink interface {
	CreateBanner(id, message string, severity Severity)
	RemoveBanner(id string)
}

// Banner is one persistent, dismissible alert.
type Banner struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Banners is an in-memory BannerSink that can be listed by the HTTP API.
type Banners struct {
	mu    sync.RWMutex
	items map[string]Banner
	now   func() time.Time
}

// NewBanners creates an empty registry.
func NewBanners() *Banners {
	return &Banners{items: make(map[string]Banner), now: time.Now}
}

// CreateBanner replaces any banner with the same id.
func (b *Banners) CreateBanner(id, message string, severity Severity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[id] = Banner{ID: id, Message: message, Severity: severity, CreatedAt: b.now()}
}

// RemoveBanner drops the banner if present.
func (b *Banners) RemoveBanner(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, id)
}

// List returns the active banners, oldest first.
func (b *Banners) List() []Banner {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Banner, 0, len(b.items))
	for _, banner := range b.items {
		out = append(out, banner)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Has reports whether a banner with id is active.
func (b *Banners) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.items[id]
	return ok
}

// Clear removes all banners.
func (b *Banners) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]Banner)
}

var _ BannerSink = (*Banners)(nil)
