package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/haydenmoss/teamsync/internal/errors"
	"github.com/haydenmoss/teamsync/internal/events"
)

// logoutTimeout bounds the best-effort server-side session invalidation
// during a forced logout.
const logoutTimeout = 5 * time.Second

// SessionStore is the slice of the local store the session guard needs:
// dropping every cached record for a server on forced logout.
type SessionStore interface {
	Reset(serverURL string) error
}

// SessionClient invalidates the session server-side.
type SessionClient interface {
	Logout(ctx context.Context) error
}

// SessionClientProvider resolves the session client for a server URL.
type SessionClientProvider func(serverURL string) (SessionClient, error)

// SessionGuard inspects errors from the remote client and triggers a
// forced logout when the error indicates an invalid or expired session.
// Concurrent forced logouts for the same server collapse into one.
type SessionGuard struct {
	store   SessionStore
	clients SessionClientProvider
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSessionGuard creates a guard publishing logout events on bus.
func NewSessionGuard(store SessionStore, clients SessionClientProvider, bus *events.Bus, logger *slog.Logger) *SessionGuard {
	return &SessionGuard{
		store:    store,
		clients:  clients,
		bus:      bus,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Check classifies err. Session-invalidating errors trigger the forced
// logout workflow; every error, session-related or not, is returned
// unchanged so the caller's result is unaffected by the classification.
func (g *SessionGuard) Check(serverURL string, err error) error {
	if err == nil {
		return nil
	}

	if !errors.Is(err, apperrors.ErrInvalidSession) {
		return err
	}

	g.mu.Lock()
	if _, busy := g.inflight[serverURL]; busy {
		g.mu.Unlock()
		return err
	}

	g.inflight[serverURL] = struct{}{}
	g.mu.Unlock()

	g.forceLogout(serverURL, err)

	g.mu.Lock()
	delete(g.inflight, serverURL)
	g.mu.Unlock()

	return err
}

// forceLogout revokes the session server-side, clears all cached state
// for the server, and notifies subscribers. The remote revocation is
// best effort: the token is already rejected, so a failure here only
// gets logged. The UI layer reacts by resetting navigation to login.
func (g *SessionGuard) forceLogout(serverURL string, cause error) {
	g.logger.Warn("session invalidated, forcing logout",
		slog.String("server", serverURL),
		slog.String("error", cause.Error()),
	)

	g.revokeSession(serverURL)

	if err := g.store.Reset(serverURL); err != nil {
		g.logger.Warn("failed to clear state on forced logout",
			slog.String("server", serverURL),
			slog.String("error", err.Error()),
		)
	}

	g.bus.PublishLogout(events.Logout{ServerURL: serverURL, Err: cause})
}

func (g *SessionGuard) revokeSession(serverURL string) {
	client, err := g.clients(serverURL)
	if err != nil {
		g.logger.Warn("no client for session revocation", slog.String("server", serverURL))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if err := client.Logout(ctx); err != nil {
		g.logger.Warn("server-side logout failed",
			slog.String("server", serverURL),
			slog.String("error", err.Error()),
		)
	}
}
