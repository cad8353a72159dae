package sshbroker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/internal/domain"
)

// wsDialer dials whatever http(s) test server addr is given, rewriting the
// scheme to ws/wss the way a real miner control-socket dialer would.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	wsAddr := "ws" + strings.TrimPrefix(addr, "http")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsAddr, nil)
	return conn, err
}

func newMinerServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handle(conn)
	}))
}

func TestRequestSessionReturnsCredentials(t *testing.T) {
	server := newMinerServer(t, func(conn *websocket.Conn) {
		var req openRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, "open_session", req.Type)
		require.Equal(t, "rental-1", req.RentalID)
		require.NoError(t, conn.WriteJSON(openResponse{
			SessionID: "sess-1", Host: "10.0.0.5", Port: 2222, Username: "basilica",
		}))
	})
	defer server.Close()

	c := New(wsDialer{}, nil)
	creds, err := c.RequestSession(context.Background(), server.URL, SessionRequest{
		ValidatorHotkey: "validator-1",
		RentalID:        domain.RentalId("rental-1"),
		PublicKey:       "ssh-ed25519 AAAA",
	})
	require.NoError(t, err)
	require.Equal(t, "sess-1", creds.SessionID)
	require.Equal(t, "10.0.0.5", creds.Host)
	require.Equal(t, 2222, creds.Port)
	require.Equal(t, "basilica", creds.Username)
}

func TestRequestSessionPropagatesMinerRefusal(t *testing.T) {
	server := newMinerServer(t, func(conn *websocket.Conn) {
		var req openRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.NoError(t, conn.WriteJSON(openResponse{Error: "no capacity"}))
	})
	defer server.Close()

	c := New(wsDialer{}, nil)
	_, err := c.RequestSession(context.Background(), server.URL, SessionRequest{
		ValidatorHotkey: "validator-1",
		RentalID:        domain.RentalId("rental-1"),
		PublicKey:       "ssh-ed25519 AAAA",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no capacity")
}

func TestCloseSessionRoundTrip(t *testing.T) {
	server := newMinerServer(t, func(conn *websocket.Conn) {
		var req closeRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, "close_session", req.Type)
		require.Equal(t, "sess-1", req.SessionID)
		require.Equal(t, "rental stopped", req.Reason)
		require.NoError(t, conn.WriteJSON(closeResponse{}))
	})
	defer server.Close()

	c := New(wsDialer{}, nil)
	err := c.CloseSession(context.Background(), server.URL, "sess-1", "rental stopped")
	require.NoError(t, err)
}

func TestCloseSessionPropagatesMinerError(t *testing.T) {
	server := newMinerServer(t, func(conn *websocket.Conn) {
		var req closeRequest
		require.NoError(t, conn.ReadJSON(&req))
		require.NoError(t, conn.WriteJSON(closeResponse{Error: "session not found"}))
	})
	defer server.Close()

	c := New(wsDialer{}, nil)
	err := c.CloseSession(context.Background(), server.URL, "sess-missing", "cleanup")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session not found")
}
