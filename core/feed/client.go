// Package feed consumes build-ready events from the push-notification feed
// over a websocket. The feed service and its subscription model are
// external; this client only reads the events it emits.
package feed

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"phone-orchestrator/core/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// Handler receives one build event.
type Handler func(event *models.BuildEvent)

// Client maintains a websocket subscription to the build feed, redialing
// with exponential backoff when the connection drops.
type Client struct {
	url     string
	handler Handler
}

// NewClient creates a feed client for url delivering events to handler.
func NewClient(url string, handler Handler) *Client {
	return &Client{url: url, handler: handler}
}

// Run consumes the feed until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := c.consume(ctx); err != nil {
			log.Printf("Build feed connection to %s failed: %v", c.url, err)
		}
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) consume(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("Connected to build feed at %s", c.url)

	// Unblock ReadJSON when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		event := &models.BuildEvent{}
		if err := conn.ReadJSON(event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.handler(event)
	}
}
