package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ritzau/mapsync/pkg/model"
	"github.com/ritzau/mapsync/pkg/store"
)

var (
	// ErrUnauthenticated means the request carried no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the participant is not a member of the map.
	ErrForbidden = errors.New("not a member of this map")
)

// Authenticator resolves the participant making a request.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Participant, error)
}

// HeaderAuth trusts the X-Participant-ID and X-Username headers. Browsers
// cannot set headers on websocket requests, so the participant and username
// query parameters are accepted too. Use it behind an authenticating proxy
// or for local development.
type HeaderAuth struct{}

func (HeaderAuth) Authenticate(r *http.Request) (model.Participant, error) {
	p := model.Participant{
		ID:       r.Header.Get("X-Participant-ID"),
		Username: r.Header.Get("X-Username"),
	}
	if p.ID == "" {
		p.ID = r.URL.Query().Get("participant")
		p.Username = r.URL.Query().Get("username")
	}
	if p.ID == "" {
		return model.Participant{}, ErrUnauthenticated
	}
	if p.Username == "" {
		p.Username = p.ID
	}
	return p, nil
}

// TokenVerifier checks a bearer token, e.g. against Supabase Auth.
type TokenVerifier interface {
	Authenticate(ctx context.Context, token string) (model.Participant, error)
}

// BearerAuth reads a token from the Authorization header or, for
// websockets, the access_token query parameter.
type BearerAuth struct {
	Verifier TokenVerifier
}

func (a BearerAuth) Authenticate(r *http.Request) (model.Participant, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return model.Participant{}, ErrUnauthenticated
	}
	p, err := a.Verifier.Authenticate(r.Context(), token)
	if err != nil {
		return model.Participant{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return p, nil
}

// admit authenticates the request and checks membership of mapID. With
// open join, non-members are enrolled when the directory supports it.
func (s *Server) admit(r *http.Request, mapID string) (model.Participant, error) {
	p, err := s.auth.Authenticate(r)
	if err != nil {
		return model.Participant{}, err
	}
	if s.dir == nil {
		return p, nil
	}

	ok, err := s.dir.IsMember(r.Context(), mapID, p.ID)
	if err != nil {
		return model.Participant{}, fmt.Errorf("failed to check membership: %w", err)
	}
	if ok {
		return p, nil
	}
	if !s.openJoin {
		return model.Participant{}, ErrForbidden
	}

	if reg, ok := s.dir.(store.Registry); ok {
		if err := reg.PutProfile(r.Context(), p); err != nil {
			return model.Participant{}, err
		}
		if err := reg.AddMember(r.Context(), mapID, p.ID); err != nil {
			return model.Participant{}, err
		}
	}
	return p, nil
}
