package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pixperk/peerlock/pkg/coordinator"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/gateway"
	"github.com/pixperk/peerlock/pkg/transport/memory"
	"github.com/pixperk/peerlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type group struct {
	net *memory.Network
	dir *directory.Memory
}

func (g *group) spawn(t *testing.T, name string) *coordinator.Coordinator {
	t.Helper()
	co, err := coordinator.New(types.PeerID(name), g.net.Transport(), g.dir, coordinator.Config{
		HeartbeatInterval: time.Second,
		PeerTimeout:       3 * time.Second,
		MonopolyLease:     10 * time.Second,
		TransportTimeout:  5 * time.Second,
	})
	require.NoError(t, err)

	addr := "mem://" + name
	g.net.Listen(addr, co)
	require.NoError(t, co.Join(context.Background(), addr))
	return co
}

func newGroup() *group {
	return &group{net: memory.NewNetwork(), dir: directory.NewMemory()}
}

func do(t *testing.T, srv *httptest.Server, method, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(body) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}

func TestEnterExit(t *testing.T) {
	g := newGroup()
	a := g.spawn(t, "a")
	g.spawn(t, "b")

	srv := httptest.NewServer(gateway.NewServer("", a, nil).Handler())
	defer srv.Close()

	code, body := do(t, srv, http.MethodPost, "/enter")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "HELD", body["state"])

	code, body = do(t, srv, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a", body["id"])
	assert.Equal(t, "HELD", body["state"])
	assert.NotNil(t, body["lease_deadline"])
	epoch := body["epoch"].(map[string]any)
	assert.Equal(t, float64(1), epoch["quorum"])
	assert.Equal(t, float64(1), epoch["replies"])

	code, _ = do(t, srv, http.MethodPost, "/enter")
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, srv, http.MethodPost, "/exit")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "RELEASED", body["state"])

	code, _ = do(t, srv, http.MethodPost, "/exit")
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, srv, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["epoch"])
	assert.Nil(t, body["lease_deadline"])
}

func TestEnterTimesOut(t *testing.T) {
	g := newGroup()
	a := g.spawn(t, "a")
	b := g.spawn(t, "b")

	_, err := b.Enter(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.StateHeld, b.State())

	srv := httptest.NewServer(gateway.NewServer("", a, nil).Handler())
	defer srv.Close()

	// b holds and defers a, the request gives up and is abandoned
	code, body := do(t, srv, http.MethodPost, "/enter?timeout=100ms")
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Contains(t, body["error"], "deadline")
	assert.Equal(t, types.StateReleased, a.State())

	code, _ = do(t, srv, http.MethodPost, "/enter?timeout=soon")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPeers(t *testing.T) {
	g := newGroup()
	a := g.spawn(t, "a")
	g.spawn(t, "b")
	g.spawn(t, "c")

	srv := httptest.NewServer(gateway.NewServer("", a, nil).Handler())
	defer srv.Close()

	code, body := do(t, srv, http.MethodGet, "/peers")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"b", "c"}, body["peers"])

	code, _ = do(t, srv, http.MethodGet, "/enter")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestMetrics(t *testing.T) {
	g := newGroup()
	a := g.spawn(t, "a")

	srv := httptest.NewServer(gateway.NewServer("", a, nil).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "peerlock_up 1")
	assert.Contains(t, string(body), "peerlock_mutex_state")
}
