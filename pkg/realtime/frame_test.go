package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
)

func TestFrameValidate(t *testing.T) {
	meta := &model.PresenceRecord{ParticipantID: "u1", Username: "ada"}

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"broadcast", Frame{Type: TypeBroadcast, Event: EventCursor}, false},
		{"broadcast without event", Frame{Type: TypeBroadcast}, true},
		{"track", Frame{Type: TypeTrack, Meta: meta}, false},
		{"track without meta", Frame{Type: TypeTrack}, true},
		{"track without participant", Frame{Type: TypeTrack, Meta: &model.PresenceRecord{Username: "x"}}, true},
		{"untrack", Frame{Type: TypeUntrack}, false},
		{"unknown type", Frame{Type: "subscribe"}, true},
		{"missing type", Frame{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	f, err := Broadcast(EventDrag, DragPayload{ParticipantID: "u1", NodeID: "3", X: 50, Y: 60})
	require.NoError(t, err)

	var drag DragPayload
	require.NoError(t, DecodePayload(f.Payload, &drag))
	assert.Equal(t, DragPayload{ParticipantID: "u1", NodeID: "3", X: 50, Y: 60}, drag)

	var cursor CursorPayload
	assert.ErrorIs(t, DecodePayload([]byte(`{"x":1,"y":2}`), &cursor), ErrInvalidFrame, "participant id is required")
	assert.ErrorIs(t, DecodePayload([]byte(`{"participantId":"u1","color":"red"}`), &cursor), ErrInvalidFrame, "color must be hex")
	assert.ErrorIs(t, DecodePayload([]byte(`not json`), &cursor), ErrInvalidFrame)
	assert.ErrorIs(t, DecodePayload(nil, &cursor), ErrInvalidFrame)
}

func TestCodecs(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	in := Frame{
		Type:    TypePresenceSync,
		Channel: "map:m1",
		Presence: PresenceState{
			"conn-1": {{ParticipantID: "u1", Username: "ada", Color: "#e11d48", OnlineAt: at}},
		},
	}
	cursor, err := Broadcast(EventCursor, CursorPayload{ParticipantID: "u1", X: 1.5, Y: -2})
	require.NoError(t, err)
	cursor.Sender = "u1"

	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(in)
			require.NoError(t, err)
			out, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, in.Type, out.Type)
			assert.Equal(t, in.Channel, out.Channel)
			require.Len(t, out.Presence["conn-1"], 1)
			assert.Equal(t, "ada", out.Presence["conn-1"][0].Username)
			assert.True(t, at.Equal(out.Presence["conn-1"][0].OnlineAt))

			data, err = codec.Encode(cursor)
			require.NoError(t, err)
			out, err = codec.Decode(data)
			require.NoError(t, err)
			var p CursorPayload
			require.NoError(t, DecodePayload(out.Payload, &p))
			assert.Equal(t, 1.5, p.X)
			assert.Equal(t, "u1", out.Sender)
		})
	}

	_, err = JSON.Decode([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
