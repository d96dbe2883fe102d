package realtime

import (
	"encoding/json"
	"fmt"
)

// CursorPayload is broadcast as EventCursor.
type CursorPayload struct {
	ParticipantID string  `json:"participantId" validate:"required,max=128"`
	Username      string  `json:"username" validate:"max=128"`
	Color         string  `json:"color" validate:"omitempty,hexcolor"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
}

// DragPayload is broadcast as EventDrag while a node is being dragged.
type DragPayload struct {
	ParticipantID string  `json:"participantId" validate:"required,max=128"`
	NodeID        string  `json:"nodeId" validate:"required,max=64"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
}

// DecodePayload unmarshals a broadcast payload into v and validates it.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := validatorInstance().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
