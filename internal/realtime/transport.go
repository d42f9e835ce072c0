// Package realtime is the push side of the hosted service: per-topic
// broadcast subscriptions over one Phoenix-channel websocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// Handler receives one broadcast event for a joined topic.
type Handler func(event string, payload json.RawMessage)

// Transport joins topics and delivers their events. Join is idempotent per
// topic: a second Join for the same topic is a no-op.
type Transport interface {
	Join(ctx context.Context, topic string, h Handler) error
	Close() error
}

var ErrClosed = errors.New("realtime: transport closed")

// ChatTopic is the broadcast topic for one chat.
func ChatTopic(chatID string) string {
	return "chat:" + chatID
}

// EndpointURL derives the websocket endpoint from the service root URL.
func EndpointURL(base *url.URL, apiKey string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{"vsn": {"1.0.0"}}
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
