package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/pubsub"
	"github.com/ritzau/mapsync/pkg/realtime"
)

// handleChannel upgrades to a websocket joined to the map's hub channel.
// The frame codec is chosen with the codec query parameter.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.admit(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	codec := realtime.JSON
	if name := r.URL.Query().Get("codec"); name != "" {
		if codec, err = realtime.CodecByName(name); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	peer, err := s.hub.Join(pubsub.MapTopic(id), p.ID)
	if err != nil {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		ws.Close()
		return
	}

	logging.InfoContext(r.Context(), "participant connected", "map", id, "participant", p.ID, "conn", peer.ID(), "codec", codec.Name())
	go writeFrames(ws, codec, peer)
	readFrames(ws, codec, peer)
	logging.Info("participant disconnected", "map", id, "participant", p.ID, "conn", peer.ID())
}

// readFrames feeds inbound frames to the hub until the socket fails, then
// takes the peer out of the channel.
func readFrames(ws *websocket.Conn, codec realtime.Codec, peer *pubsub.Peer) {
	defer func() {
		peer.Leave()
		ws.Close()
	}()

	ws.SetReadLimit(realtime.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(realtime.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(realtime.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("channel read failed", "conn", peer.ID(), "error", err)
			}
			return
		}
		f, err := codec.Decode(data)
		if err != nil {
			logging.Trace("discarding undecodable frame", "conn", peer.ID(), "error", err)
			continue
		}
		// Invalid frames are dropped quietly; a flooding peer is told once
		// per frame so a well-behaved client can back off.
		if err := peer.Handle(f); errors.Is(err, pubsub.ErrFlood) {
			peer.Notify(realtime.Frame{Type: realtime.TypeError, Error: err.Error()})
		} else if err != nil {
			logging.Trace("frame rejected", "conn", peer.ID(), "error", err)
		}
	}
}

// writeFrames drains the peer's outbound queue to the socket and keeps it
// alive with pings. It returns when the peer leaves.
func writeFrames(ws *websocket.Conn, codec realtime.Codec, peer *pubsub.Peer) {
	ticker := time.NewTicker(realtime.PingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case f, ok := <-peer.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(realtime.WriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := codec.Encode(f)
			if err != nil {
				logging.Warn("failed to encode frame", "type", f.Type, "error", err)
				continue
			}
			if err := ws.WriteMessage(codec.MessageType(), data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(realtime.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
