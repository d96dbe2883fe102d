package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/model"
)

// echoServer decodes every frame, stamps a sender and writes it back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		codec, err := CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := codec.Decode(data)
			if err != nil {
				return
			}
			f.Sender = "echo"
			out, _ := codec.Encode(f)
			if err := ws.WriteMessage(codec.MessageType(), out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/maps/m1"
}

func receive(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestConnRoundTrip(t *testing.T) {
	srv := echoServer(t)

	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			c, err := Dial(ctx, wsURL(srv), codec, nil)
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.Track(ctx, model.PresenceRecord{ParticipantID: "u1", Username: "ada"}))
			f := receive(t, c)
			assert.Equal(t, TypeTrack, f.Type)
			require.NotNil(t, f.Meta)
			assert.Equal(t, "u1", f.Meta.ParticipantID)

			require.NoError(t, c.Send(ctx, EventCursor, CursorPayload{ParticipantID: "u1", X: 3, Y: 4}))
			f = receive(t, c)
			assert.Equal(t, TypeBroadcast, f.Type)
			assert.Equal(t, EventCursor, f.Event)
			assert.Equal(t, "echo", f.Sender)
		})
	}
}

func TestConnClose(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, wsURL(srv), JSON, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(ctx, EventCursor, CursorPayload{ParticipantID: "u1"}), ErrClosed)

	select {
	case _, ok := <-c.Frames():
		for ok {
			_, ok = <-c.Frames()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel was not closed")
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), JSON, nil)
	assert.Error(t, err)
}
