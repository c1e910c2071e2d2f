package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haydenmoss/teamsync/internal/config"
	apperrors "github.com/haydenmoss/teamsync/internal/errors"
	"github.com/haydenmoss/teamsync/internal/events"
	"github.com/haydenmoss/teamsync/internal/logging"
	"github.com/haydenmoss/teamsync/internal/remote"
	"github.com/haydenmoss/teamsync/internal/store"
	"github.com/haydenmoss/teamsync/internal/sync"
	"github.com/haydenmoss/teamsync/internal/ws"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("teamsync starting",
		slog.String("version", Version),
		slog.Bool("large_screen", cfg.LargeScreen),
		slog.Bool("realtime", cfg.Realtime),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers, err := cfg.Servers()
	if err != nil {
		return fmt.Errorf("resolving servers: %w", err)
	}

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	clients := make(map[string]*remote.Client, len(servers))

	for _, s := range servers {
		if err := st.InitServer(s.URL); err != nil {
			return fmt.Errorf("initializing store for %s: %w", s.URL, err)
		}

		clients[s.URL] = remote.NewClient(s.URL, s.Token, nil)
	}

	provider := func(serverURL string) (sync.RemoteClient, error) {
		c, ok := clients[serverURL]
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNoClient, serverURL)
		}

		return c, nil
	}

	postProvider := func(serverURL string) (sync.PostFetcher, error) {
		c, ok := clients[serverURL]
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNoClient, serverURL)
		}

		return c, nil
	}

	sessionProvider := func(serverURL string) (sync.SessionClient, error) {
		c, ok := clients[serverURL]
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNoClient, serverURL)
		}

		return c, nil
	}

	bus := events.NewBus()
	guard := sync.NewSessionGuard(st, sessionProvider, bus, logger)
	backfill := sync.NewPostBackfill(postProvider, st, logger)
	defer backfill.Wait()

	coordinator := sync.NewCoordinator(sync.CoordinatorConfig{
		Clients:     provider,
		Store:       st,
		Backfill:    backfill,
		Guard:       guard,
		Bus:         bus,
		LargeScreen: func() bool { return cfg.LargeScreen },
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchEvents(gctx, bus, logger)
	})

	for _, s := range servers {
		serverURL := s.URL
		serverLogger := logging.ForServer(logger, serverURL)

		g.Go(func() error {
			return resyncLoop(gctx, coordinator, serverURL, cfg.ResyncInterval, serverLogger)
		})

		if cfg.Realtime {
			handler := &eventHandler{
				serverURL:   serverURL,
				coordinator: coordinator,
				backfill:    backfill,
				logger:      serverLogger,
			}
			listener := ws.NewListener(serverURL, s.Token, handler, serverLogger)

			g.Go(func() error {
				return listener.Listen(gctx)
			})
		}
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		logger.Info("teamsync stopped")
		return nil
	}

	return err
}

// resyncLoop runs a full team/channel resync immediately and then on
// every tick. The since cursor advances after each successful pass so
// later passes only request channel deltas.
func resyncLoop(ctx context.Context, coordinator *sync.Coordinator, serverURL string, interval time.Duration, logger *slog.Logger) error {
	var since int64

	resync := func() {
		start := time.Now()

		result, err := coordinator.FetchMyTeams(ctx, serverURL, false)
		if err != nil {
			logger.Warn("team resync failed", slog.String("error", err.Error()))
			return
		}

		err = coordinator.FetchTeamsChannelsAndUnreadPosts(ctx, serverURL, since, result.Teams, result.Memberships, "")
		if err != nil {
			logger.Warn("channel resync failed", slog.String("error", err.Error()))
			return
		}

		since = start.UnixMilli()

		logger.Debug("resync complete",
			slog.Int("teams", len(result.Teams)),
			slog.Duration("took", time.Since(start)),
		)
	}

	resync()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			resync()
		}
	}
}

// watchEvents logs soft failures and forced logouts published by the
// sync layer. A UI embedding this engine would subscribe the same way.
func watchEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) error {
	teamLoadErrors := bus.SubscribeTeamLoadErrors()
	logouts := bus.SubscribeLogouts()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-teamLoadErrors:
			logger.Warn("team load error",
				slog.String("server", ev.ServerURL),
				slog.String("team_id", ev.TeamID),
				slog.String("error", ev.Err.Error()),
			)
		case ev := <-logouts:
			logger.Warn("forced logout",
				slog.String("server", ev.ServerURL),
				slog.String("error", ev.Err.Error()),
			)
		}
	}
}

// eventHandler maps realtime server events onto coordinator refetches.
// The mapping is deliberately coarse: events carry ids, not full
// payloads, so each one triggers the scoped fetch that reconciles the
// affected slice of state.
type eventHandler struct {
	serverURL   string
	coordinator *sync.Coordinator
	backfill    *sync.PostBackfill
	logger      *slog.Logger
}

func (h *eventHandler) HandleEvent(ctx context.Context, ev ws.Event) {
	var err error

	switch ev.Name {
	case "added_to_team", "update_team", "user_added":
		if ev.TeamID != "" {
			_, err = h.coordinator.FetchMyTeam(ctx, h.serverURL, ev.TeamID, false)
		}

	case "leave_team", "user_removed", "delete_team":
		// Membership may have been revoked; a full fetch reconciles
		// the tombstones.
		_, err = h.coordinator.FetchMyTeams(ctx, h.serverURL, false)

	case "channel_created", "channel_updated", "channel_deleted":
		if ev.TeamID != "" {
			_, _, err = h.coordinator.FetchChannelsForTeam(ctx, h.serverURL, ev.TeamID, 0, false)
		}

	case "posted":
		if ev.ChannelID != "" {
			h.backfill.FetchForChannel(ctx, h.serverURL, ev.ChannelID)
		}
	}

	if err != nil {
		h.logger.Warn("handling server event",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}
