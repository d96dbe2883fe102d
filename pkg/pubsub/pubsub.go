// Package pubsub fans events out to subscribers. It has two parts: a topic
// publisher that streams durable map documents and member lists to SSE
// clients, and the channel hub that carries presence and ephemeral
// broadcasts between the participants of a map.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by a publisher or hub after Close.
var ErrClosed = errors.New("pubsub closed")

// Event types published on map topics.
const (
	EventDocument = "document" // full map document after a save
	EventMembers  = "members"  // full member list after a membership change
)

// Event is one published message.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"` // per-topic sequence number
}

// Subscription is a client subscription to a topic.
type Subscription interface {
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	Close() error
}

// Publisher manages topic subscriptions and publishing.
type Publisher interface {
	// Subscribe creates a subscription that is closed when ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data any) error

	Close() error
}

// MapTopic is the topic carrying the durable documents of a map.
func MapTopic(mapID string) string {
	return "map:" + mapID
}

// MembersTopic is the topic carrying the member list of a map.
func MembersTopic(mapID string) string {
	return "members:" + mapID
}
