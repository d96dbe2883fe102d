// Package realtime defines the channel wire protocol shared by the hub and
// its clients: frames carrying presence and named broadcasts, the codecs
// that put them on a websocket, and a client connection.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ritzau/mapsync/pkg/model"
)

// FrameType discriminates frames.
type FrameType string

const (
	TypeJoined       FrameType = "joined"        // server -> client, after the connection is admitted
	TypeTrack        FrameType = "track"         // client -> server, announce presence metadata
	TypeUntrack      FrameType = "untrack"       // client -> server, withdraw presence
	TypeBroadcast    FrameType = "broadcast"     // both ways, named ephemeral event
	TypePresenceSync FrameType = "presence_sync" // server -> client, full roster state
	TypeError        FrameType = "error"         // server -> client
)

// Broadcast event names.
const (
	EventCursor = "cursor"
	EventDrag   = "drag"
)

// PresenceState is the full presence state of a channel: presence key (one
// per connection) to the metadata tracked on it.
type PresenceState map[string][]model.PresenceRecord

// Frame is one message on a channel connection.
type Frame struct {
	Type     FrameType             `json:"type" msgpack:"type" validate:"required,oneof=joined track untrack broadcast presence_sync error"`
	Channel  string                `json:"channel,omitempty" msgpack:"channel,omitempty" validate:"max=256"`
	Event    string                `json:"event,omitempty" msgpack:"event,omitempty" validate:"max=64"`
	Sender   string                `json:"sender,omitempty" msgpack:"sender,omitempty"`
	Payload  json.RawMessage       `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Meta     *model.PresenceRecord `json:"meta,omitempty" msgpack:"meta,omitempty"`
	Presence PresenceState         `json:"presence,omitempty" msgpack:"presence,omitempty"`
	Error    string                `json:"error,omitempty" msgpack:"error,omitempty"`
}

// ErrInvalidFrame wraps every validation failure.
var ErrInvalidFrame = errors.New("invalid frame")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks a frame received from the other side of a connection.
func (f *Frame) Validate() error {
	if err := validatorInstance().Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case TypeBroadcast:
		if f.Event == "" {
			return fmt.Errorf("%w: broadcast without event name", ErrInvalidFrame)
		}
	case TypeTrack:
		if f.Meta == nil {
			return fmt.Errorf("%w: track without metadata", ErrInvalidFrame)
		}
	}
	return nil
}

// Broadcast builds a broadcast frame with a JSON encoded payload.
func Broadcast(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Frame{Type: TypeBroadcast, Event: event, Payload: raw}, nil
}
