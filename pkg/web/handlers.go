package web

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/pubsub"
)

const keepAlivePeriod = 25 * time.Second

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}

	g, err := s.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ToDocument(g))
}

type saveResponse struct {
	Revision  string    `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// handleSave overwrites the whole document. Writers that did not stamp a
// revision or timestamp get one here.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.admit(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	g, err := model.Decode(data)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if g.ID == "" {
		g.ID = id
	}
	if g.ID != id {
		writeError(w, r, fmt.Errorf("%w: document id %q does not match %q", errBadRequest, g.ID, id))
		return
	}
	if g.Revision == "" {
		g.Revision = uuid.New().String()
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}

	if err := s.store.Save(r.Context(), g); err != nil {
		writeError(w, r, err)
		return
	}
	logging.DebugContext(r.Context(), "map saved", "map", id, "participant", p.ID, "revision", g.Revision)
	writeJSON(w, http.StatusOK, saveResponse{Revision: g.Revision, UpdatedAt: g.UpdatedAt})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	release, err := s.relayDocuments(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()
	s.stream(w, r, pubsub.MapTopic(id))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Analyze(g))
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	members := []model.Participant{}
	if s.dir != nil {
		list, err := s.dir.Members(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list != nil {
			members = list
		}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleMemberChanges(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	if s.dir != nil {
		release, err := s.relayMembers(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer release()
	}
	s.stream(w, r, pubsub.MembersTopic(id))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.admit(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Presence(pubsub.MapTopic(id)))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}
	if s.dir == nil {
		http.NotFound(w, r)
		return
	}
	p, err := s.dir.Profile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// stream writes a topic as server-sent events until the client goes away
// or the server closes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Initial comment establishes the stream (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := pubsub.WriteSSE(w, event); err != nil {
				logging.DebugContext(r.Context(), "event stream write failed", "topic", topic, "error", err)
				return
			}
		}
		flusher.Flush()
	}
}
