// Package source reads live telemetry from the bridge WebSocket and publishes
// transport events on a pubsub.Bus.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bmswatch/internal/pubsub"
	"bmswatch/internal/telemetry"
)

// Options parameterise the telemetry client.
type Options struct {
	URL              string
	RedialInterval   time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client keeps one connection to the bridge open, redialing at a fixed
// interval after every disconnect.
type Client struct {
	opts   Options
	bus    *pubsub.Bus
	dialer *websocket.Dialer
	logger zerolog.Logger

	connected    atomic.Bool
	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	sessions     atomic.Uint64
}

// Status is a point-in-time view of the client.
type Status struct {
	URL          string `json:"url"`
	Connected    bool   `json:"connected"`
	Frames       uint64 `json:"frames"`
	DecodeErrors uint64 `json:"decode_errors"`
	Sessions     uint64 `json:"sessions"`
}

// New constructs a Client.
func New(opts Options, bus *pubsub.Bus, logger zerolog.Logger) *Client {
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts: opts,
		bus:  bus,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger.With().Str("component", "telemetry_source").Str("url", opts.URL).Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.URL == "" {
		return fmt.Errorf("telemetry source url not configured")
	}

	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Dur("redial_in", c.opts.RedialInterval).Msg("telemetry session ended")
		}

		timer := time.NewTimer(c.opts.RedialInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		err = fmt.Errorf("dial telemetry source: %w", err)
		if ctx.Err() == nil {
			c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelError, Err: err})
		}
		return err
	}

	c.sessions.Add(1)
	c.connected.Store(true)
	c.logger.Info().Msg("telemetry source connected")
	c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelOpen})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-done:
		}
	}()

	readErr := c.readLoop(ctx, conn)

	close(done)
	_ = conn.Close()
	c.connected.Store(false)

	closeErr := readErr
	if ctx.Err() != nil || isNormalClose(readErr) {
		closeErr = nil
	} else {
		c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelError, Err: readErr})
	}
	c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelClose, Err: closeErr})
	c.logger.Info().Msg("telemetry source disconnected")
	return closeErr
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}

		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read telemetry frame: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.frames.Add(1)

		msg, err := Decode(data)
		if err != nil {
			c.decodeErrors.Add(1)
			c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelError, Err: err})
			continue
		}
		c.publish(ctx, pubsub.Event{Channel: pubsub.ChannelMessage, Message: &msg})
	}
}

func (c *Client) publish(ctx context.Context, event pubsub.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, event)
}

// Status returns connection counters.
func (c *Client) Status() Status {
	return Status{
		URL:          c.opts.URL,
		Connected:    c.connected.Load(),
		Frames:       c.frames.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Sessions:     c.sessions.Load(),
	}
}

// Decode parses one bridge frame.
func Decode(data []byte) (telemetry.Message, error) {
	var msg telemetry.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return telemetry.Message{}, fmt.Errorf("decode telemetry frame: %w", err)
	}
	return msg, nil
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
