// Package web serves the mapsync HTTP API: durable documents and their
// change streams, membership, live presence, and the websocket channel
// that carries presence and broadcast frames between participants.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ritzau/mapsync/pkg/logging"
	"github.com/ritzau/mapsync/pkg/metrics"
	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/pubsub"
	"github.com/ritzau/mapsync/pkg/store"
)

// maxDocumentSize bounds PUT bodies.
const maxDocumentSize = 8 << 20

// Options wires a server to its collaborators.
type Options struct {
	Store     store.Store
	Directory store.Directory // optional; without it every participant is admitted
	Auth      Authenticator   // defaults to HeaderAuth
	Hub       *pubsub.Hub     // defaults to a hub with DefaultHubConfig
	Metrics   *metrics.Collector
	OpenJoin  bool
}

// Server represents the web server
type Server struct {
	router    *mux.Router
	store     store.Store
	dir       store.Directory
	auth      Authenticator
	hub       *pubsub.Hub
	metrics   *metrics.Collector
	publisher *pubsub.SSEPublisher
	upgrader  websocket.Upgrader
	openJoin  bool

	// relays copy store change feeds into publisher topics, one per topic,
	// while at least one stream reads the topic.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	relays map[string]*relayState
}

type relayState struct {
	readers int
	cancel  context.CancelFunc
}

// NewServer creates a new web server
func NewServer(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuth{}
	}
	if opts.Hub == nil {
		opts.Hub = pubsub.NewHub(pubsub.DefaultHubConfig(), opts.Metrics)
	}

	// Change feeds replay the latest document or member list so a
	// subscriber that loaded slightly earlier catches up.
	publisher := pubsub.NewSSEPublisher()
	publisher.SetDefaultConfig(pubsub.LatestOnly)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    mux.NewRouter(),
		store:     opts.Store,
		dir:       opts.Directory,
		auth:      opts.Auth,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		publisher: publisher,
		openJoin:  opts.OpenJoin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		relays: make(map[string]*relayState),
	}
	if s.dir != nil {
		s.hub.OnPresenceChange(s.recordPresence)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(logging.RequestIDMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/maps/{id}", s.handleLoad).Methods("GET")
	api.HandleFunc("/maps/{id}", s.handleSave).Methods("PUT")
	api.HandleFunc("/maps/{id}/changes", s.handleChanges).Methods("GET")
	api.HandleFunc("/maps/{id}/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/maps/{id}/members", s.handleMembers).Methods("GET")
	api.HandleFunc("/maps/{id}/members/changes", s.handleMemberChanges).Methods("GET")
	api.HandleFunc("/maps/{id}/presence", s.handlePresence).Methods("GET")
	api.HandleFunc("/profiles/{id}", s.handleProfile).Methods("GET")

	s.router.HandleFunc("/ws/maps/{id}", s.handleChannel).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Info("starting web server", "addr", "http://localhost"+srv.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("web server failed: %w", err)
	case <-ctx.Done():
	}

	logging.Info("shutting down web server")
	// Long-lived streams never finish on their own; close them first.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	return nil
}

// Close stops the change relays, ends all event streams and disconnects
// every websocket peer.
func (s *Server) Close() error {
	s.cancel()
	s.publisher.Close()
	return s.hub.Close()
}

// recordPresence mirrors hub presence into the durable online flags.
func (s *Server) recordPresence(channel, participantID string, online bool) {
	mapID, ok := strings.CutPrefix(channel, pubsub.MapTopic(""))
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.dir.SetOnline(ctx, mapID, participantID, online); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Warn("failed to record presence", "map", mapID, "participant", participantID, "online", online, "error", err)
	}
}

// relay copies a change feed into topic until the returned release has been
// called by every reader. Readers of a topic share one feed.
func (s *Server) relay(topic, eventType string, watch func(ctx context.Context) (<-chan any, error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.relays[topic]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		changes, err := watch(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		st = &relayState{cancel: cancel}
		s.relays[topic] = st

		go func() {
			defer func() {
				s.mu.Lock()
				if s.relays[topic] == st {
					delete(s.relays, topic)
				}
				s.mu.Unlock()
			}()
			// Drain until the feed closes even after the publisher has.
			for v := range changes {
				if err := s.publisher.Publish(topic, eventType, v); err != nil {
					logging.Debug("relay publish failed", "topic", topic, "error", err)
				}
			}
		}()
		logging.Debug("relaying change feed", "topic", topic)
	}
	st.readers++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			st.readers--
			if st.readers > 0 {
				return
			}
			st.cancel()
			if s.relays[topic] == st {
				delete(s.relays, topic)
			}
			logging.Debug("stopped change feed relay", "topic", topic)
		})
	}, nil
}

// activeRelays returns the number of topics with a running relay.
func (s *Server) activeRelays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

func (s *Server) relayDocuments(mapID string) (func(), error) {
	return s.relay(pubsub.MapTopic(mapID), pubsub.EventDocument, func(ctx context.Context) (<-chan any, error) {
		graphs, err := s.store.Watch(ctx, mapID)
		if err != nil {
			return nil, err
		}
		return forward(graphs, func(g *model.Graph) any { return model.ToDocument(g) }), nil
	})
}

func (s *Server) relayMembers(mapID string) (func(), error) {
	return s.relay(pubsub.MembersTopic(mapID), pubsub.EventMembers, func(ctx context.Context) (<-chan any, error) {
		lists, err := s.dir.WatchMembers(ctx, mapID)
		if err != nil {
			return nil, err
		}
		return forward(lists, func(m []model.Participant) any { return m }), nil
	})
}

func forward[T any](in <-chan T, conv func(T) any) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			out <- conv(v)
		}
	}()
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", "error", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")
