package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/haydenmoss/teamsync/internal/events"
	"github.com/haydenmoss/teamsync/internal/model"
	"github.com/haydenmoss/teamsync/internal/remote"
	"github.com/haydenmoss/teamsync/internal/store"
	syncer "github.com/haydenmoss/teamsync/internal/sync"
	"github.com/stretchr/testify/require"
)

const testToken = "e2e-test-token"

// fakeServer is an in-memory chat server backing the REST endpoints the
// sync engine uses. Tests mutate its state between sync passes to
// simulate server-side changes.
type fakeServer struct {
	mu             sync.Mutex
	teams          []model.Team
	memberships    []model.TeamMembership
	channels       map[string][]model.Channel           // keyed by team id
	channelMembers map[string][]model.ChannelMembership // keyed by team id
	posts          map[string][]model.Post              // keyed by channel id

	// rejectAll makes every request fail 401, simulating an expired
	// session.
	rejectAll bool
}

func (f *fakeServer) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/v4/users/me/teams":
		writeJSON(w, f.teams)

	case path == "/api/v4/users/me/teams/members":
		writeJSON(w, f.memberships)

	case pathParam(path, "/api/v4/users/me/teams/", "/channels/members") != "":
		team := pathParam(path, "/api/v4/users/me/teams/", "/channels/members")
		writeJSON(w, f.channelMembers[team])

	case pathParam(path, "/api/v4/users/me/teams/", "/channels") != "":
		team := pathParam(path, "/api/v4/users/me/teams/", "/channels")
		writeJSON(w, f.channels[team])

	case pathParam(path, "/api/v4/channels/", "/posts") != "":
		posts := f.posts[pathParam(path, "/api/v4/channels/", "/posts")]
		list := struct {
			Order []string              `json:"order"`
			Posts map[string]model.Post `json:"posts"`
		}{Posts: map[string]model.Post{}}

		for _, p := range posts {
			list.Order = append(list.Order, p.ID)
			list.Posts[p.ID] = p
		}

		writeJSON(w, list)

	default:
		http.NotFound(w, r)
	}
}

// pathParam extracts the single path segment between prefix and suffix,
// returning "" when the path does not match.
func pathParam(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	seg := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if seg == "" || strings.Contains(seg, "/") {
		return ""
	}
	return seg
}

func (f *fakeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectAll
		f.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{
				"id":      "api.context.session_expired.app_error",
				"message": "session expired",
			})

			return
		}

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		f.route(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full sync stack wired against the fake server: a
// real REST client, a real bbolt store, and the coordinator with its
// guard and backfill.
type harness struct {
	ServerURL   string
	Fake        *fakeServer
	Store       *store.Store
	Coordinator *syncer.Coordinator
	Backfill    *syncer.PostBackfill
	Bus         *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := &fakeServer{
		channels:       map[string][]model.Channel{},
		channelMembers: map[string][]model.ChannelMembership{},
		posts:          map[string][]model.Post{},
	}

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.InitServer(srv.URL))
	t.Cleanup(func() { st.Close() })

	client := remote.NewClient(srv.URL, testToken, srv.Client())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	guard := syncer.NewSessionGuard(st, func(serverURL string) (syncer.SessionClient, error) {
		return client, nil
	}, bus, logger)

	backfill := syncer.NewPostBackfill(func(serverURL string) (syncer.PostFetcher, error) {
		return client, nil
	}, st, logger)

	coordinator := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Clients: func(serverURL string) (syncer.RemoteClient, error) {
			return client, nil
		},
		Store:    st,
		Backfill: backfill,
		Guard:    guard,
		Bus:      bus,
	}, logger)

	return &harness{
		ServerURL:   srv.URL,
		Fake:        fake,
		Store:       st,
		Coordinator: coordinator,
		Backfill:    backfill,
		Bus:         bus,
	}
}

// seedTeam registers a team with one joined channel on the fake server.
func (h *harness) seedTeam(teamID, displayName string) {
	h.Fake.mu.Lock()
	defer h.Fake.mu.Unlock()

	h.Fake.teams = append(h.Fake.teams, model.Team{
		ID: teamID, DisplayName: displayName, Name: strings.ToLower(displayName), Type: "O",
	})
	h.Fake.memberships = append(h.Fake.memberships, model.TeamMembership{
		TeamID: teamID, UserID: "U1", Roles: "team_user",
	})
	h.Fake.channels[teamID] = []model.Channel{{
		ID: "C-" + teamID, TeamID: teamID, Name: model.DefaultChannelName,
		DisplayName: "Town Square", Type: model.ChannelTypeOpen,
	}}
	h.Fake.channelMembers[teamID] = []model.ChannelMembership{{
		ChannelID: "C-" + teamID, UserID: "U1",
	}}
}

// tombstone marks the user's membership in a team as revoked.
func (h *harness) tombstone(teamID string, at int64) {
	h.Fake.mu.Lock()
	defer h.Fake.mu.Unlock()

	for i, m := range h.Fake.memberships {
		if m.TeamID == teamID {
			h.Fake.memberships[i].DeleteAt = at
		}
	}
}
