// Package lock implements PostgreSQL advisory-lock based leader election,
// so exactly one instance of a singleton daemon (the payments monitor) is
// active across a fleet of replicas at any time.
package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basilica-network/basilica/infrastructure/logging"
)

// Key is a well-known advisory lock identifier. Postgres advisory locks are
// keyed by a single int64 (or a pair of int32s); we use one constant key per
// singleton role.
type Key int64

// PaymentsMonitor is the lock key held by the active payments-monitor
// instance. The value is arbitrary but fixed so every replica agrees on it.
const PaymentsMonitor Key = 0x00B177A00001

// Guard represents a held session-level advisory lock. The lock is scoped to
// the underlying connection: returning the connection to the pool (Release,
// or the guard going out of scope because the process died) releases it.
type Guard struct {
	conn *sql.Conn
	key  Key
}

// Release explicitly releases the advisory lock and returns the connection
// to the pool. Safe to call once; the lock is also released automatically
// if the process crashes and the connection drops.
func (g *Guard) Release(ctx context.Context) error {
	if g == nil || g.conn == nil {
		return nil
	}
	_, err := g.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, int64(g.key))
	closeErr := g.conn.Close()
	g.conn = nil
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return closeErr
}

// ErrAlreadyHeld indicates pg_try_advisory_lock returned false: another
// instance currently holds the lock.
var ErrAlreadyHeld = fmt.Errorf("advisory lock already held")

// AdvisoryLock acquires and releases session-scoped PostgreSQL advisory
// locks over a *sql.DB connection pool.
type AdvisoryLock struct {
	db *sql.DB
}

// New wraps a database handle for advisory-lock operations.
func New(db *sql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

// TryAcquire attempts a non-blocking acquisition of key. It checks out a
// single connection from the pool and holds it for the lifetime of the
// returned Guard, since the lock is tied to the backend session.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, key Key) (*Guard, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, int64(key)).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}

	if !acquired {
		conn.Close()
		return nil, ErrAlreadyHeld
	}

	return &Guard{conn: conn, key: key}, nil
}

// IsLocked reports whether key is currently held by any session.
func (l *AdvisoryLock) IsLocked(ctx context.Context, key Key) (bool, error) {
	var locked bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid::bigint = $1 AND objid::bigint = $2 AND objsubid = 1
		)
	`, int64(uint64(key)>>32), int64(uint64(key)&0xffffffff)).Scan(&locked)
	return locked, err
}

// LeaderElection runs a function repeatedly, only while holding key, and
// retries at RetryInterval whenever leadership is lost or unavailable.
type LeaderElection struct {
	lock          *AdvisoryLock
	key           Key
	retryInterval func() <-chan struct{}
	logger        *logging.Logger
}

// Option configures a LeaderElection.
type Option func(*LeaderElection)

// WithRetryIntervalFunc overrides the channel used to pace retries; tests
// can inject a fast ticker-like channel instead of the real wall clock.
func WithRetryIntervalFunc(f func() <-chan struct{}) Option {
	return func(e *LeaderElection) { e.retryInterval = f }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *LeaderElection) { e.logger = l }
}

// NewLeaderElection creates a leader-election helper for key, retrying every
// 3 seconds by default (matching the original service's retry interval).
func NewLeaderElection(db *sql.DB, key Key, opts ...Option) *LeaderElection {
	e := &LeaderElection{
		lock: New(db),
		key:  key,
		retryInterval: func() <-chan struct{} {
			return afterSeconds(3)
		},
		logger: logging.New("lock", "info", "json"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunAsLeader blocks, continuously attempting to become leader and invoking
// fn while holding the lock. If fn returns (leadership voluntarily given up)
// or the lock is lost, it waits RetryInterval and tries again. Returns only
// when ctx is cancelled.
func (e *LeaderElection) RunAsLeader(ctx context.Context, fn func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}

		guard, err := e.lock.TryAcquire(ctx, e.key)
		switch {
		case err == nil:
			e.logger.WithContext(ctx).Info("became leader")
			if runErr := fn(ctx); runErr != nil {
				e.logger.WithContext(ctx).WithError(runErr).Warn("leader function exited with error")
			}
			if relErr := guard.Release(ctx); relErr != nil {
				e.logger.WithContext(ctx).WithError(relErr).Warn("failed releasing advisory lock")
			}
			e.logger.WithContext(ctx).Info("lost leadership")
		case err == ErrAlreadyHeld:
			// another instance is leader; wait and retry.
		default:
			e.logger.WithContext(ctx).WithError(err).Warn("error acquiring leader lock")
		}

		select {
		case <-ctx.Done():
			return
		case <-e.retryInterval():
		}
	}
}
