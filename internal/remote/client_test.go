package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/haydenmoss/teamsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, "test-token", srv.Client())
}

// --- error classification ---

func TestAPIError_401IsInvalidSession(t *testing.T) {
	err := &APIError{StatusCode: http.StatusUnauthorized, ID: "api.context.session_expired.app_error"}

	assert.True(t, IsInvalidSession(err))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
}

func TestAPIError_403WithSessionID(t *testing.T) {
	err := &APIError{StatusCode: http.StatusForbidden, ID: "api.context.invalid_token.error"}

	assert.True(t, IsInvalidSession(err))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
}

func TestAPIError_403WithoutSessionID(t *testing.T) {
	err := &APIError{StatusCode: http.StatusForbidden, ID: "api.team.no_permission.app_error"}

	assert.False(t, IsInvalidSession(err))
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
}

func TestAPIError_404IsNotFound(t *testing.T) {
	err := &APIError{StatusCode: http.StatusNotFound, ID: "api.team.not_found"}

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAPIError_WrappedClassificationSurvives(t *testing.T) {
	err := fmt.Errorf("fetching my teams: %w", &APIError{StatusCode: http.StatusUnauthorized})

	assert.True(t, IsInvalidSession(err))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
}

func TestIsTransient(t *testing.T) {
	transient := fmt.Errorf("fetching: %w", &TransientError{Err: &APIError{StatusCode: http.StatusServiceUnavailable}})
	assert.True(t, IsTransient(transient))

	permanent := fmt.Errorf("fetching: %w", &APIError{StatusCode: http.StatusBadRequest})
	assert.False(t, IsTransient(permanent))
}

// --- request/response handling ---

func TestDo_SendsBearerToken(t *testing.T) {
	var gotAuth string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	})

	_, err := c.GetMyTeams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"id":"api.server.overloaded","message":"try later"}`)
	})

	_, err := c.GetMyTeams(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDo_UnauthorizedMapsToInvalidSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"id":"api.context.session_expired.app_error","message":"session expired"}`)
	})

	_, err := c.GetMyTeams(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
	assert.False(t, IsTransient(err))
}

func TestDo_NonJSONErrorBodySanitized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "plain\x00text error")
	})

	_, err := c.GetMyTeams(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain?text error")
}

func TestDo_MalformedBodyIsAPIResponseError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not`)
	})

	_, err := c.GetMyTeams(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestDo_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(srv.URL, "test-token", nil)

	_, err := c.GetMyTeams(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

// --- endpoints ---

func TestGetMyTeams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/users/me/teams", r.URL.Path)
		fmt.Fprint(w, `[{"id":"T1","display_name":"Alpha"},{"id":"T2","display_name":"Beta"}]`)
	})

	teams, err := c.GetMyTeams(context.Background())
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "Alpha", teams[0].DisplayName)
}

func TestGetMyTeamMembers_IncludesTombstones(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/users/me/teams/members", r.URL.Path)
		fmt.Fprint(w, `[{"team_id":"T1","user_id":"U1","delete_at":0},{"team_id":"T2","user_id":"U1","delete_at":1690000000}]`)
	})

	members, err := c.GetMyTeamMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.False(t, members[0].Tombstoned())
	assert.True(t, members[1].Tombstoned())
}

func TestGetTeams_Paginates(t *testing.T) {
	pages := 0

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages++

		if page == "0" {
			// A full page forces a second request.
			fmt.Fprint(w, "[")
			for i := 0; i < perPage; i++ {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"id":"T%d"}`, i)
			}
			fmt.Fprint(w, "]")

			return
		}

		fmt.Fprint(w, `[{"id":"last"}]`)
	})

	teams, err := c.GetTeams(context.Background())
	require.NoError(t, err)
	assert.Len(t, teams, perPage+1)
	assert.Equal(t, 2, pages)
}

func TestGetTeamMember_Me(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/teams/T1/members/me", r.URL.Path)
		fmt.Fprint(w, `{"team_id":"T1","user_id":"U1"}`)
	})

	member, err := c.GetTeamMember(context.Background(), "T1", "me")
	require.NoError(t, err)
	assert.Equal(t, "T1", member.TeamID)
}

func TestAddToTeam(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v4/teams/T1/members", r.URL.Path)
		fmt.Fprint(w, `{"team_id":"T1","user_id":"U1","roles":"team_user"}`)
	})

	member, err := c.AddToTeam(context.Background(), "T1", "U1")
	require.NoError(t, err)
	assert.Equal(t, "team_user", member.Roles)
}

func TestRemoveFromTeam(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v4/teams/T1/members/U1", r.URL.Path)
		fmt.Fprint(w, `{"status":"OK"}`)
	})

	require.NoError(t, c.RemoveFromTeam(context.Background(), "T1", "U1"))
}

func TestGetMyChannels_SincePassedAsLastDeleteAt(t *testing.T) {
	var gotSince string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/users/me/teams/T1/channels":
			gotSince = r.URL.Query().Get("last_delete_at")
			fmt.Fprint(w, `[{"id":"C1","team_id":"T1","total_msg_count":10}]`)
		case "/api/v4/users/me/teams/T1/channels/members":
			fmt.Fprint(w, `[{"channel_id":"C1","user_id":"U1","msg_count":4}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	channels, members, err := c.GetMyChannels(context.Background(), "T1", 12345)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Len(t, members, 1)
	assert.Equal(t, "12345", gotSince)
}

func TestGetPostsForChannel_OrderedByServerOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/channels/C1/posts", r.URL.Path)
		fmt.Fprint(w, `{
			"order": ["P2", "P1", "missing"],
			"posts": {
				"P1": {"id":"P1","channel_id":"C1","message":"first"},
				"P2": {"id":"P2","channel_id":"C1","message":"second"}
			}
		}`)
	})

	posts, err := c.GetPostsForChannel(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "P2", posts[0].ID)
	assert.Equal(t, "P1", posts[1].ID)
}

func TestGetPostsSince(t *testing.T) {
	var gotSince string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		fmt.Fprint(w, `{"order":[],"posts":{}}`)
	})

	posts, err := c.GetPostsSince(context.Background(), "C1", 5000)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Equal(t, "5000", gotSince)
}

// --- sanitizeResponseBody ---

func TestSanitizeResponseBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"control characters", "a\x00b\x1bc", "a?b?c"},
		{"newlines kept", "line1\nline2", "line1\nline2"},
		{"invalid utf8", "ok\xffbad", "ok?bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeResponseBody([]byte(tt.in)))
		})
	}
}

func TestSanitizeResponseBody_Truncates(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}

	assert.Len(t, sanitizeResponseBody(long), 256)
}
