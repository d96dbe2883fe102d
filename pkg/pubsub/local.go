package pubsub

import (
	"context"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/realtime"
)

// LocalConn is an in-process connection to a hub channel, for sessions
// running in the same process as the hub.
type LocalConn struct {
	peer *Peer
}

// Connect joins channel as participantID.
func Connect(h *Hub, channel, participantID string) (*LocalConn, error) {
	peer, err := h.Join(channel, participantID)
	if err != nil {
		return nil, err
	}
	return &LocalConn{peer: peer}, nil
}

func (c *LocalConn) Track(ctx context.Context, meta model.PresenceRecord) error {
	return c.peer.Handle(realtime.Frame{Type: realtime.TypeTrack, Meta: &meta})
}

func (c *LocalConn) Untrack(ctx context.Context) error {
	return c.peer.Handle(realtime.Frame{Type: realtime.TypeUntrack})
}

func (c *LocalConn) Send(ctx context.Context, event string, payload any) error {
	f, err := realtime.Broadcast(event, payload)
	if err != nil {
		return err
	}
	return c.peer.Handle(f)
}

func (c *LocalConn) Frames() <-chan realtime.Frame {
	return c.peer.Outbound()
}

func (c *LocalConn) Close() error {
	c.peer.Leave()
	return nil
}
