package model

import "time"

// Participant is a user who may take part in a session.
type Participant struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Member    bool   `json:"member"` // from the membership table
	Online    bool   `json:"online"` // from presence, or the durable fallback flag
}

// PresenceRecord is the ephemeral roster entry of a connected participant.
type PresenceRecord struct {
	ParticipantID string    `json:"participantId" msgpack:"participantId" validate:"required"`
	Username      string    `json:"username" msgpack:"username"`
	Color         string    `json:"color" msgpack:"color"`
	OnlineAt      time.Time `json:"onlineAt" msgpack:"onlineAt"`
}

// CursorPosition is the last known pointer position of a participant.
type CursorPosition struct {
	ParticipantID string    `json:"participantId"`
	Username      string    `json:"username"`
	Color         string    `json:"color"`
	Position      Position  `json:"position"`
	SeenAt        time.Time `json:"seenAt"`
}

// Palette is the fixed set of colors participants are mapped into.
var Palette = []string{
	"#e11d48", // rose
	"#ea580c", // orange
	"#ca8a04", // yellow
	"#16a34a", // green
	"#0d9488", // teal
	"#0284c7", // sky
	"#4f46e5", // indigo
	"#9333ea", // purple
	"#c026d3", // fuchsia
	"#64748b", // slate
}

// ColorFor maps a participant identifier to a palette color. The mapping is
// deterministic so a participant keeps its color across sessions and reconnects.
func ColorFor(id string) string {
	var h int32
	for _, r := range id {
		h = int32(r) + ((h << 5) - h)
	}
	idx := int(h) % len(Palette)
	if idx < 0 {
		idx = -idx
	}
	return Palette[idx]
}

// Viewport is the pan/zoom state of a canvas, used to map screen coordinates
// into graph space.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// ToGraph converts a screen-space point into graph space.
func (v Viewport) ToGraph(screenX, screenY float64) Position {
	zoom := v.Zoom
	if zoom == 0 {
		zoom = 1
	}
	return Position{
		X: (screenX - v.X) / zoom,
		Y: (screenY - v.Y) / zoom,
	}
}
