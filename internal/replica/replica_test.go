// SPDX-License-Identifier: MIT

package replica

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/session"
)

type staticResolver struct {
	ip  netip.Addr
	err error
}

func (r staticResolver) FindReplicaIPForSessionKey(context.Context, session.Key) (netip.Addr, error) {
	return r.ip, r.err
}

func testKey() session.Key {
	id := agent.NewID("http", agent.NewAccountID("user1", "dev.example.com"))
	return session.NewKey(id, classroom.FromUUID(uuid.New()))
}

// peerServer runs an internal-listener stand-in and returns a client
// pointed at it.
func peerServer(t *testing.T, handler http.HandlerFunc) (*TakeoverClient, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, rawPort, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(rawPort, 10, 16)
	require.NoError(t, err)

	resolver := staticResolver{ip: netip.MustParseAddr("127.0.0.1")}
	return NewTakeoverClient(resolver, uint16(port)), srv
}

func TestDeleteSessionSuccess(t *testing.T) {
	key := testKey()

	client, _ := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)

		var req DeleteSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, key, req.SessionKey)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"delete_success","payload":42}`))
	})

	assert.NoError(t, client.DeleteSession(context.Background(), key))
}

func TestDeleteSessionPeerNotFoundIsSuccess(t *testing.T) {
	client, _ := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"type":"delete_failure","payload":"not_found"}`))
	})

	assert.NoError(t, client.DeleteSession(context.Background(), testKey()))
}

func TestDeleteSessionMessagingFailure(t *testing.T) {
	client, _ := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"type":"delete_failure","payload":"messaging_failed"}`))
	})

	err := client.DeleteSession(context.Background(), testKey())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messaging_failed")
}

func TestDeleteSessionNoOwnerIsSuccess(t *testing.T) {
	client := NewTakeoverClient(staticResolver{err: db.ErrNotFound}, 8081)
	assert.NoError(t, client.DeleteSession(context.Background(), testKey()))
}

func TestDeleteSessionPeerUnreachable(t *testing.T) {
	// A port nothing listens on.
	client := NewTakeoverClient(staticResolver{ip: netip.MustParseAddr("127.0.0.1")}, 1)
	assert.Error(t, client.DeleteSession(context.Background(), testKey()))
}

func TestDetectIPEnvOverride(t *testing.T) {
	t.Setenv(EnvReplicaIP, "10.1.2.3")

	addr, err := DetectIP()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), addr)
}

func TestDetectIPEnvOverrideInvalid(t *testing.T) {
	t.Setenv(EnvReplicaIP, "not-an-ip")

	_, err := DetectIP()
	assert.Error(t, err)
}
