package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mapsync/pkg/config"
	"github.com/ritzau/mapsync/pkg/model"
)

func TestDefaultServerAdmitsParticipants(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	b, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(b.close)

	s := newServer(cfg, b)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})

	do := func(method string, body []byte) *http.Response {
		req, err := http.NewRequest(method, srv.URL+"/api/maps/m1", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Participant-ID", "alice")
		req.Header.Set("X-Username", "Alice")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPut, []byte(`{"id":"m1","name":"Plan"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodGet, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	g, err := model.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "Plan", g.Name)
}
