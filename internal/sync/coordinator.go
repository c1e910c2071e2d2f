// Package sync orchestrates fetch-then-reconcile-then-persist cycles
// between the remote REST API and the local store. The coordinator is
// stateless per invocation: every operation takes the server URL and
// target ids as parameters, reads everything it needs, computes the
// full delta, and commits it in a single atomic batch.
package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haydenmoss/teamsync/internal/events"
	"github.com/haydenmoss/teamsync/internal/model"
	"github.com/haydenmoss/teamsync/internal/store"
	"golang.org/x/sync/errgroup"
)

// RemoteClient is the subset of the REST client the coordinator uses.
type RemoteClient interface {
	GetMyTeams(ctx context.Context) ([]model.Team, error)
	GetMyTeamMembers(ctx context.Context) ([]model.TeamMembership, error)
	GetTeam(ctx context.Context, teamID string) (*model.Team, error)
	GetTeamByName(ctx context.Context, name string) (*model.Team, error)
	GetTeams(ctx context.Context) ([]model.Team, error)
	GetTeamMember(ctx context.Context, teamID, userID string) (*model.TeamMembership, error)
	AddToTeam(ctx context.Context, teamID, userID string) (*model.TeamMembership, error)
	RemoveFromTeam(ctx context.Context, teamID, userID string) error
	GetMyChannels(ctx context.Context, teamID string, since int64) ([]model.Channel, []model.ChannelMembership, error)
}

// ClientProvider resolves the remote client for a server URL. It fails
// when no client is configured for that server, which every operation
// checks before doing any work.
type ClientProvider func(serverURL string) (RemoteClient, error)

// Store is the slice of the local store the coordinator uses. Prepare
// methods return uncommitted ops; Batch is the single write path.
type Store interface {
	Batch(ops []store.Op) error
	PrepareMyTeams(serverURL string, teams []model.Team, memberships []model.TeamMembership) ([]store.Op, error)
	PrepareTeamMembership(serverURL string, m model.TeamMembership) ([]store.Op, error)
	PrepareDeleteTeam(serverURL, teamID string) ([]store.Op, error)
	PrepareTeamCatalogue(serverURL string, teams []model.Team) ([]store.Op, error)
	PrepareTeam(serverURL string, team model.Team) ([]store.Op, error)
	PrepareChannels(serverURL string, channels []model.Channel, members []model.ChannelMembership) ([]store.Op, error)
	PrepareSessionContext(serverURL string, sc model.SessionContext) ([]store.Op, error)
	PrepareTeamHistory(serverURL, teamID string) ([]store.Op, error)
	SessionContext(serverURL string) (model.SessionContext, error)
	TeamsByID(serverURL string, ids []string) ([]model.Team, error)
	NthLastChannelFromTeam(serverURL, teamID string, n int) (string, error)
	DefaultChannelForTeam(serverURL, teamID string) (*model.Channel, error)
}

// Backfill receives the channels the coordinator identifies as needing
// post catch-up. Implementations must tolerate empty input and must not
// block the caller's critical path.
type Backfill interface {
	FetchUnread(ctx context.Context, serverURL string, channels []model.Channel, members []model.ChannelMembership, excludeChannelID string)
	FetchForChannel(ctx context.Context, serverURL, channelID string)
}

// MyTeamsResult is the payload of the team-fetching operations. It is
// returned even in fetch-only mode so callers can use the data without
// forcing persistence.
type MyTeamsResult struct {
	Teams       []model.Team
	Memberships []model.TeamMembership
}

// CoordinatorConfig holds the collaborators a Coordinator needs.
type CoordinatorConfig struct {
	Clients  ClientProvider
	Store    Store
	Backfill Backfill
	Guard    *SessionGuard
	Bus      *events.Bus

	// LargeScreen reports whether the client runs in a tablet-style
	// layout, which changes team-switch navigation and enables the
	// default-channel prefetch.
	LargeScreen func() bool
}

// Coordinator reconciles server-authoritative membership state with the
// local cache. Operations never panic across their boundary: every
// remote or store failure is returned as an error, after being routed
// through the session guard.
//
// Concurrent invocations are not serialized: two team switches racing
// for different targets resolve by last-write-wins at the store level.
type Coordinator struct {
	clients     ClientProvider
	store       Store
	backfill    Backfill
	guard       *SessionGuard
	bus         *events.Bus
	largeScreen func() bool
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator from the given config.
func NewCoordinator(cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	largeScreen := cfg.LargeScreen
	if largeScreen == nil {
		largeScreen = func() bool { return false }
	}

	return &Coordinator{
		clients:     cfg.Clients,
		store:       cfg.Store,
		backfill:    cfg.Backfill,
		guard:       cfg.Guard,
		bus:         cfg.Bus,
		largeScreen: largeScreen,
		logger:      logger,
	}
}

// FetchMyTeams retrieves the full team list and the caller's
// memberships. The two requests are independent and run concurrently;
// if either fails the whole operation fails with zero writes. Unless
// fetchOnly is set, the delta against the local cache (upserts for live
// teams, cascade deletes for tombstoned ones) commits in one batch.
func (c *Coordinator) FetchMyTeams(ctx context.Context, serverURL string, fetchOnly bool) (*MyTeamsResult, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, err
	}

	var (
		teams       []model.Team
		memberships []model.TeamMembership
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		teams, err = client.GetMyTeams(gctx)

		return err
	})

	g.Go(func() error {
		var err error
		memberships, err = client.GetMyTeamMembers(gctx)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, c.guard.Check(serverURL, err)
	}

	if !fetchOnly {
		if err := c.persistMyTeams(serverURL, teams, memberships); err != nil {
			return nil, err
		}
	}

	return &MyTeamsResult{Teams: teams, Memberships: memberships}, nil
}

// persistMyTeams computes the full delta before any write: upserts for
// teams with a live membership, cascade deletes for locally-known teams
// whose membership is tombstoned. One batch commit, so the store never
// observes a tombstoned team still present alongside its stale
// membership.
func (c *Coordinator) persistMyTeams(serverURL string, teams []model.Team, memberships []model.TeamMembership) error {
	var removeTeamIDs []string

	for _, m := range memberships {
		if m.Tombstoned() {
			removeTeamIDs = append(removeTeamIDs, m.TeamID)
		}
	}

	removed := make(map[string]struct{}, len(removeTeamIDs))
	for _, id := range removeTeamIDs {
		removed[id] = struct{}{}
	}

	remaining := make([]model.Team, 0, len(teams))

	for _, t := range teams {
		if _, gone := removed[t.ID]; !gone {
			remaining = append(remaining, t)
		}
	}

	ops, err := c.store.PrepareMyTeams(serverURL, remaining, memberships)
	if err != nil {
		return fmt.Errorf("preparing my teams: %w", err)
	}

	if len(removeTeamIDs) > 0 {
		// Only teams this store has actually cached need delete ops.
		removeTeams, err := c.store.TeamsByID(serverURL, removeTeamIDs)
		if err != nil {
			return fmt.Errorf("loading teams to remove: %w", err)
		}

		for _, t := range removeTeams {
			deleteOps, err := c.store.PrepareDeleteTeam(serverURL, t.ID)
			if err != nil {
				return fmt.Errorf("preparing delete for team %s: %w", t.ID, err)
			}

			ops = append(ops, deleteOps...)
		}
	}

	if len(ops) == 0 {
		return nil
	}

	if err := c.store.Batch(ops); err != nil {
		return fmt.Errorf("committing my teams: %w", err)
	}

	c.logger.Debug("my teams synced",
		slog.String("server", serverURL),
		slog.Int("teams", len(remaining)),
		slog.Int("removed", len(removeTeamIDs)),
	)

	return nil
}

// FetchMyTeam is the single-team variant of FetchMyTeams: the team and
// the caller's membership are fetched concurrently and committed
// together.
func (c *Coordinator) FetchMyTeam(ctx context.Context, serverURL, teamID string, fetchOnly bool) (*MyTeamsResult, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, err
	}

	var (
		team       *model.Team
		membership *model.TeamMembership
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		team, err = client.GetTeam(gctx, teamID)

		return err
	})

	g.Go(func() error {
		var err error
		membership, err = client.GetTeamMember(gctx, teamID, "me")

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, c.guard.Check(serverURL, err)
	}

	result := &MyTeamsResult{
		Teams:       []model.Team{*team},
		Memberships: []model.TeamMembership{*membership},
	}

	if !fetchOnly {
		if err := c.persistMyTeams(serverURL, result.Teams, result.Memberships); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// FetchAllTeams retrieves the server's full team catalogue, including
// teams the user has not joined, and reconciles the local catalogue
// against it with a minimal add/update/remove set.
func (c *Coordinator) FetchAllTeams(ctx context.Context, serverURL string, fetchOnly bool) ([]model.Team, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, err
	}

	teams, err := client.GetTeams(ctx)
	if err != nil {
		return nil, c.guard.Check(serverURL, err)
	}

	if !fetchOnly {
		ops, err := c.store.PrepareTeamCatalogue(serverURL, teams)
		if err != nil {
			return nil, fmt.Errorf("preparing team catalogue: %w", err)
		}

		if err := c.store.Batch(ops); err != nil {
			return nil, fmt.Errorf("committing team catalogue: %w", err)
		}
	}

	return teams, nil
}

// FetchTeamByName retrieves a single team by its URL name. Used by
// deep-link navigation where only the name is known.
func (c *Coordinator) FetchTeamByName(ctx context.Context, serverURL, name string, fetchOnly bool) (*model.Team, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, err
	}

	team, err := client.GetTeamByName(ctx, name)
	if err != nil {
		return nil, c.guard.Check(serverURL, err)
	}

	if !fetchOnly {
		ops, err := c.store.PrepareTeam(serverURL, *team)
		if err != nil {
			return nil, fmt.Errorf("preparing team: %w", err)
		}

		if err := c.store.Batch(ops); err != nil {
			return nil, fmt.Errorf("committing team: %w", err)
		}
	}

	return team, nil
}

// AddUserToTeam adds the user to a team, then fetches the team's
// channels and commits membership and channels together. On
// large-screen layouts the default channel's posts are prefetched; a
// UX optimization, not correctness-critical.
func (c *Coordinator) AddUserToTeam(ctx context.Context, serverURL, teamID, userID string, fetchOnly bool) (*model.TeamMembership, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, err
	}

	member, err := client.AddToTeam(ctx, teamID, userID)
	if err != nil {
		return nil, c.guard.Check(serverURL, err)
	}

	if !fetchOnly {
		channels, chMembers, err := client.GetMyChannels(ctx, teamID, 0)
		if err != nil {
			return nil, c.guard.Check(serverURL, err)
		}

		ops, err := c.store.PrepareTeamMembership(serverURL, *member)
		if err != nil {
			return nil, fmt.Errorf("preparing membership: %w", err)
		}

		channelOps, err := c.store.PrepareChannels(serverURL, channels, chMembers)
		if err != nil {
			return nil, fmt.Errorf("preparing channels: %w", err)
		}

		ops = append(ops, channelOps...)

		if err := c.store.Batch(ops); err != nil {
			return nil, fmt.Errorf("committing team join: %w", err)
		}

		if c.largeScreen() {
			channel, err := c.store.DefaultChannelForTeam(serverURL, teamID)
			if err == nil && channel != nil {
				c.backfill.FetchForChannel(ctx, serverURL, channel.ID)
			}
		}
	}

	return member, nil
}

// RemoveUserFromTeam removes the membership server-side, deletes the
// team's cached data, and refreshes the catalogue so the team reappears
// in a "teams to join" list where applicable.
func (c *Coordinator) RemoveUserFromTeam(ctx context.Context, serverURL, teamID, userID string, fetchOnly bool) error {
	client, err := c.clients(serverURL)
	if err != nil {
		return err
	}

	if err := client.RemoveFromTeam(ctx, teamID, userID); err != nil {
		return c.guard.Check(serverURL, err)
	}

	if !fetchOnly {
		ops, err := c.store.PrepareDeleteTeam(serverURL, teamID)
		if err != nil {
			return fmt.Errorf("preparing team delete: %w", err)
		}

		if err := c.store.Batch(ops); err != nil {
			return fmt.Errorf("committing team delete: %w", err)
		}

		if _, err := c.FetchAllTeams(ctx, serverURL, false); err != nil {
			// Catalogue refresh is opportunistic; the removal itself
			// already committed.
			c.logger.Warn("refreshing catalogue after leave",
				slog.String("server", serverURL),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// HandleTeamChange performs the team-switch state transition.
//
// A switch to the already-current team is a no-op. On large-screen
// layouts with a recorded last channel for the target team, the switch
// goes straight to that channel. Otherwise the session context and
// team history commit in one batch, then channels are fetched; a
// channel fetch failure is published as a TeamLoadError event and does
// not revert the committed switch.
func (c *Coordinator) HandleTeamChange(ctx context.Context, serverURL, teamID string) error {
	sc, err := c.store.SessionContext(serverURL)
	if err != nil {
		return fmt.Errorf("loading session context: %w", err)
	}

	if sc.CurrentTeamID == teamID {
		return nil
	}

	channelID := ""

	if c.largeScreen() {
		channelID, err = c.store.NthLastChannelFromTeam(serverURL, teamID, 1)
		if err != nil {
			return fmt.Errorf("querying last channel: %w", err)
		}

		if channelID != "" {
			return c.SwitchToChannel(ctx, serverURL, channelID, teamID)
		}
	}

	ops, err := c.store.PrepareSessionContext(serverURL, model.SessionContext{
		CurrentTeamID:    teamID,
		CurrentChannelID: channelID,
	})
	if err != nil {
		return fmt.Errorf("preparing session context: %w", err)
	}

	historyOps, err := c.store.PrepareTeamHistory(serverURL, teamID)
	if err != nil {
		return fmt.Errorf("preparing team history: %w", err)
	}

	ops = append(ops, historyOps...)

	if err := c.store.Batch(ops); err != nil {
		return fmt.Errorf("committing team switch: %w", err)
	}

	if _, _, err := c.FetchChannelsForTeam(ctx, serverURL, teamID, 0, false); err != nil {
		// The switch already committed; a failed channel fetch is a
		// soft failure surfaced to the UI, not a reason to revert.
		c.bus.PublishTeamLoadError(events.TeamLoadError{ServerURL: serverURL, TeamID: teamID, Err: err})
	}

	return nil
}

// FetchChannelsForTeam fetches the caller's channels in one team along
// with the matching memberships. When since > 0 only the delta is
// requested. Unless fetchOnly is set, the channels commit in one batch
// and unread ones are handed to the backfill.
func (c *Coordinator) FetchChannelsForTeam(ctx context.Context, serverURL, teamID string, since int64, fetchOnly bool) ([]model.Channel, []model.ChannelMembership, error) {
	client, err := c.clients(serverURL)
	if err != nil {
		return nil, nil, err
	}

	channels, members, err := client.GetMyChannels(ctx, teamID, since)
	if err != nil {
		return nil, nil, c.guard.Check(serverURL, err)
	}

	// Persist whenever the delta contains channels: a page of archived
	// channels arrives with no membership rows, and its deletes still
	// have to reconcile.
	if !fetchOnly && len(channels) > 0 {
		ops, err := c.store.PrepareChannels(serverURL, channels, members)
		if err != nil {
			return nil, nil, fmt.Errorf("preparing channels: %w", err)
		}

		if err := c.store.Batch(ops); err != nil {
			return nil, nil, fmt.Errorf("committing channels: %w", err)
		}

		c.backfill.FetchUnread(ctx, serverURL, channels, members, "")
	}

	return channels, members, nil
}

// SwitchToChannel activates a channel directly: session context and
// team history commit in one batch, then the channel's posts are
// fetched in the background.
func (c *Coordinator) SwitchToChannel(ctx context.Context, serverURL, channelID, teamID string) error {
	ops, err := c.store.PrepareSessionContext(serverURL, model.SessionContext{
		CurrentTeamID:    teamID,
		CurrentChannelID: channelID,
	})
	if err != nil {
		return fmt.Errorf("preparing session context: %w", err)
	}

	historyOps, err := c.store.PrepareTeamHistory(serverURL, teamID)
	if err != nil {
		return fmt.Errorf("preparing team history: %w", err)
	}

	ops = append(ops, historyOps...)

	if err := c.store.Batch(ops); err != nil {
		return fmt.Errorf("committing channel switch: %w", err)
	}

	c.backfill.FetchForChannel(ctx, serverURL, channelID)

	return nil
}

// FetchTeamsChannelsAndUnreadPosts walks every team the user belongs to
// (excluding excludeTeamID), fetching channels (deltas only when
// since > 0) and triggering backfill for unread ones. Sequential on
// purpose: this runs during bulk resyncs such as app cold start, and
// one team at a time bounds the simultaneous load on the server and
// the store.
func (c *Coordinator) FetchTeamsChannelsAndUnreadPosts(ctx context.Context, serverURL string, since int64, teams []model.Team, memberships []model.TeamMembership, excludeTeamID string) error {
	if _, err := c.clients(serverURL); err != nil {
		return fmt.Errorf("%s: %w", serverURL, err)
	}

	joined := make(map[string]struct{}, len(memberships))
	for _, m := range memberships {
		joined[m.TeamID] = struct{}{}
	}

	for _, team := range teams {
		if team.ID == excludeTeamID {
			continue
		}

		if _, ok := joined[team.ID]; !ok {
			continue
		}

		if _, _, err := c.FetchChannelsForTeam(ctx, serverURL, team.ID, since, false); err != nil {
			// One team failing does not abort the rest of the resync.
			c.logger.Warn("fetching channels during resync",
				slog.String("server", serverURL),
				slog.String("team_id", team.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
