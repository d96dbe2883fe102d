package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
)

const (
	// Time allowed to write a frame to the peer.
	WriteWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	PongWait = 60 * time.Second

	// Pings are sent with this period; must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	MaxFrameSize = 512 * 1024

	// Outbound frames queued per connection.
	SendBufferSize = 256
)

var (
	// ErrClosed is returned when using a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrBackpressure is returned when the outbound queue is full. The frame is dropped.
	ErrBackpressure = errors.New("send queue full")
)

// Conn is a client connection to one hub channel over a websocket.
// Outbound calls never block on the network: frames are queued and written
// by a pump goroutine.
type Conn struct {
	ws    *websocket.Conn
	codec Codec

	frames chan Frame
	send   chan Frame
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a channel endpoint such as ws://host/ws/maps/{id}. The
// codec name is sent as the "codec" query parameter.
func Dial(ctx context.Context, url string, codec Codec, header http.Header) (*Conn, error) {
	if codec == nil {
		codec = JSON
	}
	target := url
	if codec != JSON {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		target = fmt.Sprintf("%s%scodec=%s", url, sep, codec.Name())
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(ws, codec), nil
}

// NewConn wraps an established websocket and starts its pumps.
func NewConn(ws *websocket.Conn, codec Codec) *Conn {
	c := &Conn{
		ws:     ws,
		codec:  codec,
		frames: make(chan Frame, SendBufferSize),
		send:   make(chan Frame, SendBufferSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Frames delivers inbound frames. It is closed when the connection ends.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Track announces presence metadata on the channel.
func (c *Conn) Track(ctx context.Context, meta model.PresenceRecord) error {
	return c.enqueue(ctx, Frame{Type: TypeTrack, Meta: &meta})
}

// Untrack withdraws this connection's presence.
func (c *Conn) Untrack(ctx context.Context) error {
	return c.enqueue(ctx, Frame{Type: TypeUntrack})
}

// Send broadcasts a named event with a JSON payload to every subscriber of
// the channel, this connection included.
func (c *Conn) Send(ctx context.Context, event string, payload any) error {
	f, err := Broadcast(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, f)
}

func (c *Conn) enqueue(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.frames)
		c.Close()
	}()

	c.ws.SetReadLimit(MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn("channel read failed", "error", err)
			}
			return
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			logging.Debug("discarding undecodable frame", "error", err)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			data, err := c.codec.Encode(f)
			if err != nil {
				logging.Warn("failed to encode frame", "type", f.Type, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.ws.WriteMessage(c.codec.MessageType(), data); err != nil {
				logging.Debug("channel write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
