// Package sshbroker implements the client side of the SSH session broker
// (spec.md §4.13, C13): a thin RPC client over the miner connection that
// requests a rental-scoped SSH session and later closes it by id, plus a
// local tunnel process group manager for any SSH tunnel process the caller
// spawns. Grounded on original_source/crates/basilica-validator/src/
// process_group.rs for the signal-escalation semantics (carried here via
// infrastructure/procgroup, a direct adaptation of the same source) and on
// internal/telemetry/streamclient's gorilla/websocket transport for the
// control-plane RPC shape, rather than gRPC — see DESIGN.md.
package sshbroker

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/infrastructure/logging"
	"github.com/basilica-network/basilica/infrastructure/procgroup"
	"github.com/basilica-network/basilica/internal/domain"
)

// SessionRequest asks the miner to open an SSH session scoped to one
// rental, bound to the validator's hotkey and the requester's public key.
type SessionRequest struct {
	ValidatorHotkey string
	RentalID        domain.RentalId
	PublicKey       string
}

// Credentials is what the miner hands back once the session is open.
type Credentials struct {
	SessionID string
	Host      string
	Port      int
	Username  string
}

// wire request/response frames exchanged with the miner over the control
// socket.
type openRequest struct {
	Type            string `json:"type"`
	ValidatorHotkey string `json:"validator_hotkey"`
	RentalID        string `json:"rental_id"`
	PublicKey       string `json:"public_key"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Error     string `json:"error,omitempty"`
}

type closeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type closeResponse struct {
	Error string `json:"error,omitempty"`
}

// MinerConn is the capability Client depends on to reach a specific
// miner's control socket; one connection is dialed per RequestSession call
// since sessions are opened rarely compared to the telemetry stream's
// high-frequency traffic.
type MinerConn interface {
	// Dial opens a fresh control-plane connection to the miner identified
	// by addr.
	Dial(ctx context.Context, addr string) (*websocket.Conn, error)
}

type defaultDialer struct{}

func (defaultDialer) Dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	return conn, err
}

// Client requests and closes rental-scoped SSH sessions against a miner's
// control endpoint.
type Client struct {
	dialer MinerConn
	logger *logging.Logger
}

// New constructs a Client. A nil dialer uses the default websocket dialer.
func New(dialer MinerConn, logger *logging.Logger) *Client {
	if dialer == nil {
		dialer = defaultDialer{}
	}
	if logger == nil {
		logger = logging.New("sshbroker", "info", "json")
	}
	return &Client{dialer: dialer, logger: logger}
}

// RequestSession asks minerAddr to open a session bound to req, returning
// the credentials the validator uses to establish its own SSH tunnel.
func (c *Client) RequestSession(ctx context.Context, minerAddr string, req SessionRequest) (Credentials, error) {
	conn, err := c.dialer.Dial(ctx, minerAddr)
	if err != nil {
		return Credentials{}, errors.Transient("miner ssh dial", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(openRequest{
		Type:            "open_session",
		ValidatorHotkey: req.ValidatorHotkey,
		RentalID:        string(req.RentalID),
		PublicKey:       req.PublicKey,
	}); err != nil {
		return Credentials{}, errors.Transient("miner ssh open request", err)
	}

	var resp openResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return Credentials{}, errors.Transient("miner ssh open response", err)
	}
	if resp.Error != "" {
		return Credentials{}, fmt.Errorf("miner refused session: %s", resp.Error)
	}
	return Credentials{SessionID: resp.SessionID, Host: resp.Host, Port: resp.Port, Username: resp.Username}, nil
}

// CloseSession asks minerAddr to tear down a previously opened session.
// Errors closing the remote session are returned to the caller (spec.md
// §4.11 step 4: the caller logs but does not let this mask a successful
// container stop).
func (c *Client) CloseSession(ctx context.Context, minerAddr, sessionID, reason string) error {
	conn, err := c.dialer.Dial(ctx, minerAddr)
	if err != nil {
		return errors.Transient("miner ssh dial", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(closeRequest{Type: "close_session", SessionID: sessionID, Reason: reason}); err != nil {
		return errors.Transient("miner ssh close request", err)
	}
	var resp closeResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return errors.Transient("miner ssh close response", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("miner failed to close session: %s", resp.Error)
	}
	return nil
}

// Tunnel manages one locally spawned SSH tunnel process, placed in its own
// process group so teardown cannot affect the parent process.
type Tunnel struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	pgid  int
	grace time.Duration
}

// StartTunnel spawns cmd as a new process group leader.
func StartTunnel(cmd *exec.Cmd, grace time.Duration) (*Tunnel, error) {
	procgroup.Configure(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh tunnel: %w", err)
	}
	return &Tunnel{cmd: cmd, pgid: cmd.Process.Pid, grace: grace}, nil
}

// Stop runs the SIGTERM -> grace -> SIGKILL -> verify escalation against the
// tunnel's process group.
func (t *Tunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	err := procgroup.Terminate(t.pgid, t.grace)
	_, _ = t.cmd.Process.Wait()
	return err
}
