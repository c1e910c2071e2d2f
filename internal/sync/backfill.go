package sync

import (
	"context"
	"log/slog"
	sstd "sync"

	"github.com/haydenmoss/teamsync/internal/model"
	"github.com/haydenmoss/teamsync/internal/store"
)

// PostFetcher is the subset of the remote client the backfill uses.
type PostFetcher interface {
	GetPostsForChannel(ctx context.Context, channelID string) ([]model.Post, error)
	GetPostsSince(ctx context.Context, channelID string, since int64) ([]model.Post, error)
}

// PostStore persists fetched posts.
type PostStore interface {
	PreparePosts(serverURL string, posts []model.Post) ([]store.Op, error)
	Batch(ops []store.Op) error
}

// PostFetcherProvider resolves the post fetcher for a server URL.
type PostFetcherProvider func(serverURL string) (PostFetcher, error)

// PostBackfill fetches unread posts for channels the coordinator has
// identified as needing catch-up. The fetch runs off the caller's
// critical path: posts are eventually-consistent UI data, so a failed
// or slow backfill never blocks or fails a sync operation.
type PostBackfill struct {
	clients PostFetcherProvider
	store   PostStore
	logger  *slog.Logger
	wg      sstd.WaitGroup
}

// NewPostBackfill creates a backfill using the given client provider
// and post store.
func NewPostBackfill(clients PostFetcherProvider, st PostStore, logger *slog.Logger) *PostBackfill {
	return &PostBackfill{
		clients: clients,
		store:   st,
		logger:  logger,
	}
}

// FetchUnread fetches posts for every channel with unread activity,
// skipping excludeChannelID (the just-activated channel, which is
// fetched through its own path). An empty channel or membership list is
// a no-op. Returns as soon as the unread set is computed; the network
// work happens in the background.
func (b *PostBackfill) FetchUnread(ctx context.Context, serverURL string, channels []model.Channel, members []model.ChannelMembership, excludeChannelID string) {
	if len(channels) == 0 || len(members) == 0 {
		return
	}

	byChannel := make(map[string]model.ChannelMembership, len(members))
	for _, m := range members {
		byChannel[m.ChannelID] = m
	}

	var unread []model.Channel

	for _, c := range channels {
		if c.ID == excludeChannelID {
			continue
		}

		m, ok := byChannel[c.ID]
		if !ok {
			continue
		}

		if c.TotalMsgCount > m.MsgCount || m.MentionCount > 0 {
			unread = append(unread, c)
		}
	}

	if len(unread) == 0 {
		return
	}

	// Detach from the caller's context: the sync operation that
	// triggered the backfill may finish (and cancel) before the posts
	// arrive.
	bg := context.WithoutCancel(ctx)

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		b.fetch(bg, serverURL, unread, byChannel)
	}()
}

// FetchForChannel fetches the most recent posts for a single channel in
// the background. Used for the eager default-channel prefetch on
// large-screen layouts and the direct channel-switch path.
func (b *PostBackfill) FetchForChannel(ctx context.Context, serverURL, channelID string) {
	bg := context.WithoutCancel(ctx)

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		client, err := b.clients(serverURL)
		if err != nil {
			b.logger.Warn("backfill has no client", slog.String("server", serverURL))
			return
		}

		posts, err := client.GetPostsForChannel(bg, channelID)
		if err != nil {
			b.logger.Warn("fetching posts for channel",
				slog.String("channel_id", channelID),
				slog.String("error", err.Error()),
			)

			return
		}

		b.persist(serverURL, channelID, posts)
	}()
}

// Wait blocks until all background fetches finish. Called on shutdown
// and by tests.
func (b *PostBackfill) Wait() {
	b.wg.Wait()
}

// fetch pulls posts channel by channel. Sequential on purpose: the
// backfill runs during bulk resyncs and must not multiply load on the
// server.
func (b *PostBackfill) fetch(ctx context.Context, serverURL string, channels []model.Channel, members map[string]model.ChannelMembership) {
	client, err := b.clients(serverURL)
	if err != nil {
		b.logger.Warn("backfill has no client", slog.String("server", serverURL))
		return
	}

	for _, c := range channels {
		var (
			posts []model.Post
			since int64
		)

		if m, ok := members[c.ID]; ok {
			since = m.LastViewedAt
		}

		if since > 0 {
			posts, err = client.GetPostsSince(ctx, c.ID, since)
		} else {
			posts, err = client.GetPostsForChannel(ctx, c.ID)
		}

		if err != nil {
			b.logger.Warn("backfilling channel",
				slog.String("channel_id", c.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		b.persist(serverURL, c.ID, posts)
	}
}

func (b *PostBackfill) persist(serverURL, channelID string, posts []model.Post) {
	if len(posts) == 0 {
		return
	}

	ops, err := b.store.PreparePosts(serverURL, posts)
	if err != nil {
		b.logger.Warn("preparing posts", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		return
	}

	if err := b.store.Batch(ops); err != nil {
		b.logger.Warn("persisting posts", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		return
	}

	b.logger.Debug("backfilled channel",
		slog.String("channel_id", channelID),
		slog.Int("posts", len(posts)),
	)
}
