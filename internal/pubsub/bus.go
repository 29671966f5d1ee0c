// Package pubsub fans transport events out to subscribers. Each named channel
// keeps an ordered subscriber list; Publish invokes them synchronously in
// registration order and isolates failures so one subscriber cannot starve
// the others or the publisher.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bmswatch/internal/telemetry"
)

// Channel names a transport event stream.
type Channel string

const (
	ChannelOpen    Channel = "open"
	ChannelClose   Channel = "close"
	ChannelError   Channel = "error"
	ChannelMessage Channel = "message"
)

// Channels lists every channel in a stable order.
var Channels = []Channel{ChannelOpen, ChannelClose, ChannelError, ChannelMessage}

// Event is one transport occurrence. Message is set only on ChannelMessage
// and Err only on ChannelError or, optionally, ChannelClose.
type Event struct {
	Channel Channel
	At      time.Time
	Message *telemetry.Message
	Err     error
}

// Handler consumes an event. A returned error is logged and does not stop
// delivery to later subscribers.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus is a typed, in-process publish-subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Channel][]subscription
	nextID uint64
	now    func() time.Time
	logger zerolog.Logger

	failures uint64
}

// New constructs an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Channel][]subscription),
		now:    time.Now,
		logger: logger.With().Str("component", "pubsub").Logger(),
	}
}

// Subscribe appends handler to channel's list. The returned function removes
// it again and is safe to call more than once.
func (b *Bus) Subscribe(channel Channel, name string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", channel)
	}
	if !knownChannel(channel) {
		return nil, fmt.Errorf("subscribe: unknown channel %q", channel)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], subscription{id: id, name: name, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}, nil
}

func (b *Bus) unsubscribe(channel Channel, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[channel]
	for i, sub := range list {
		if sub.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[channel] = next
			return
		}
	}
}

// Publish delivers event to every subscriber of event.Channel in order and
// returns the number of subscribers that failed.
func (b *Bus) Publish(ctx context.Context, event Event) int {
	if event.At.IsZero() {
		event.At = b.now()
	}

	b.mu.RLock()
	list := b.subs[event.Channel]
	b.mu.RUnlock()

	failed := 0
	for _, sub := range list {
		if err := b.deliver(ctx, sub, event); err != nil {
			failed++
			b.logger.Error().Err(err).
				Str("channel", string(event.Channel)).
				Str("subscriber", sub.name).
				Msg("subscriber failed")
		}
	}

	if failed > 0 {
		b.mu.Lock()
		b.failures += uint64(failed)
		b.mu.Unlock()
	}
	return failed
}

func (b *Bus) deliver(ctx context.Context, sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// Len returns the number of subscribers on channel.
func (b *Bus) Len(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Failures returns the total number of failed deliveries.
func (b *Bus) Failures() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Reset drops every subscription.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Channel][]subscription)
}

func knownChannel(channel Channel) bool {
	for _, c := range Channels {
		if c == channel {
			return true
		}
	}
	return false
}
