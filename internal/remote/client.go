// Package remote implements the REST client for a chat server. Every
// call returns a classified error: an *APIError carrying the HTTP
// status for server-side rejections, wrapped in a TransientError when
// the failure is likely temporary and worth retrying.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/haydenmoss/teamsync/internal/errors"
	"github.com/haydenmoss/teamsync/internal/model"
)

const (
	// apiPrefix is the versioned REST path prefix all endpoints share.
	apiPrefix = "/api/v4"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory. Team and channel lists
	// are paginated well below this.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// perPage is the page size requested from list endpoints.
	perPage = 200
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a server-side rejection carrying the HTTP status and the
// server's error body.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.ID, e.Message)
}

// Unwrap maps session-invalidating rejections onto ErrInvalidSession so
// callers can classify with errors.Is without inspecting status codes.
func (e *APIError) Unwrap() error {
	if IsInvalidSession(e) {
		return apperrors.ErrInvalidSession
	}

	if e.StatusCode == http.StatusNotFound {
		return apperrors.ErrNotFound
	}

	return apperrors.ErrAPIRequest
}

// IsInvalidSession reports whether err is a rejection that invalidates
// the current session: a 401, or a 403 with a token/session error id.
func IsInvalidSession(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.StatusCode == http.StatusUnauthorized {
		return true
	}

	if apiErr.StatusCode == http.StatusForbidden {
		id := strings.ToLower(apiErr.ID)
		return strings.Contains(id, "session") || strings.Contains(id, "token")
	}

	return false
}

// Client talks to one chat server's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the session token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given server with the given
// session token. If httpClient is nil, a client with a 30-second
// timeout and same-host redirect policy is created.
func NewClient(serverURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(serverURL, "/") + apiPrefix,
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and decodes the response into result. Non-2xx
// responses become an *APIError, wrapped in a TransientError when the
// status suggests a temporary server-side problem.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = sanitizeResponseBody(respBody)
		}

		apiErr.StatusCode = resp.StatusCode

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w: %w", endpoint, apperrors.ErrAPIResponse, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// GetMyTeams returns every team the authenticated user belongs to.
func (c *Client) GetMyTeams(ctx context.Context) ([]model.Team, error) {
	var teams []model.Team
	if err := c.do(ctx, http.MethodGet, "/users/me/teams", nil, &teams); err != nil {
		return nil, fmt.Errorf("fetching my teams: %w", err)
	}

	return teams, nil
}

// GetMyTeamMembers returns the authenticated user's team memberships,
// including tombstoned ones (delete_at > 0) for teams the user was
// removed from.
func (c *Client) GetMyTeamMembers(ctx context.Context) ([]model.TeamMembership, error) {
	var members []model.TeamMembership
	if err := c.do(ctx, http.MethodGet, "/users/me/teams/members", nil, &members); err != nil {
		return nil, fmt.Errorf("fetching my team members: %w", err)
	}

	return members, nil
}

// GetTeam returns a single team by id.
func (c *Client) GetTeam(ctx context.Context, teamID string) (*model.Team, error) {
	var team model.Team
	if err := c.do(ctx, http.MethodGet, "/teams/"+url.PathEscape(teamID), nil, &team); err != nil {
		return nil, fmt.Errorf("fetching team %s: %w", teamID, err)
	}

	return &team, nil
}

// GetTeamByName returns a single team by its URL name.
func (c *Client) GetTeamByName(ctx context.Context, name string) (*model.Team, error) {
	var team model.Team
	if err := c.do(ctx, http.MethodGet, "/teams/name/"+url.PathEscape(name), nil, &team); err != nil {
		return nil, fmt.Errorf("fetching team by name %s: %w", name, err)
	}

	return &team, nil
}

// GetTeams returns the server's full team catalogue, including teams
// the user has not joined.
func (c *Client) GetTeams(ctx context.Context) ([]model.Team, error) {
	var all []model.Team

	for page := 0; ; page++ {
		endpoint := fmt.Sprintf("/teams?page=%d&per_page=%d", page, perPage)

		var teams []model.Team
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &teams); err != nil {
			return nil, fmt.Errorf("fetching teams page %d: %w", page, err)
		}

		all = append(all, teams...)

		if len(teams) < perPage {
			return all, nil
		}
	}
}

// GetTeamMember returns one membership. userID may be "me".
func (c *Client) GetTeamMember(ctx context.Context, teamID, userID string) (*model.TeamMembership, error) {
	endpoint := "/teams/" + url.PathEscape(teamID) + "/members/" + url.PathEscape(userID)

	var member model.TeamMembership
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &member); err != nil {
		return nil, fmt.Errorf("fetching membership for team %s: %w", teamID, err)
	}

	return &member, nil
}

// AddToTeam adds a user to a team and returns the created membership.
func (c *Client) AddToTeam(ctx context.Context, teamID, userID string) (*model.TeamMembership, error) {
	body := model.TeamMembership{TeamID: teamID, UserID: userID}

	var member model.TeamMembership
	if err := c.do(ctx, http.MethodPost, "/teams/"+url.PathEscape(teamID)+"/members", body, &member); err != nil {
		return nil, fmt.Errorf("adding user %s to team %s: %w", userID, teamID, err)
	}

	return &member, nil
}

// RemoveFromTeam removes a user's team membership.
func (c *Client) RemoveFromTeam(ctx context.Context, teamID, userID string) error {
	endpoint := "/teams/" + url.PathEscape(teamID) + "/members/" + url.PathEscape(userID)

	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("removing user %s from team %s: %w", userID, teamID, err)
	}

	return nil
}

// GetMyChannels returns the user's channels in a team together with the
// matching channel memberships. When since > 0 only channels updated
// after that timestamp are returned, including archived ones so the
// caller can reconcile deletions.
func (c *Client) GetMyChannels(ctx context.Context, teamID string, since int64) ([]model.Channel, []model.ChannelMembership, error) {
	channelsEndpoint := "/users/me/teams/" + url.PathEscape(teamID) + "/channels"
	if since > 0 {
		channelsEndpoint += "?last_delete_at=" + strconv.FormatInt(since, 10)
	}

	var channels []model.Channel
	if err := c.do(ctx, http.MethodGet, channelsEndpoint, nil, &channels); err != nil {
		return nil, nil, fmt.Errorf("fetching channels for team %s: %w", teamID, err)
	}

	membersEndpoint := "/users/me/teams/" + url.PathEscape(teamID) + "/channels/members"

	var members []model.ChannelMembership
	if err := c.do(ctx, http.MethodGet, membersEndpoint, nil, &members); err != nil {
		return nil, nil, fmt.Errorf("fetching channel members for team %s: %w", teamID, err)
	}

	return channels, members, nil
}

// postList is the wire shape of a posts response: a map of posts plus
// the display order.
type postList struct {
	Order []string              `json:"order"`
	Posts map[string]model.Post `json:"posts"`
}

func (pl postList) ordered() []model.Post {
	posts := make([]model.Post, 0, len(pl.Order))

	for _, id := range pl.Order {
		if p, ok := pl.Posts[id]; ok {
			posts = append(posts, p)
		}
	}

	return posts
}

// GetPostsForChannel returns the most recent page of posts in a channel.
func (c *Client) GetPostsForChannel(ctx context.Context, channelID string) ([]model.Post, error) {
	endpoint := "/channels/" + url.PathEscape(channelID) + "/posts"

	var pl postList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &pl); err != nil {
		return nil, fmt.Errorf("fetching posts for channel %s: %w", channelID, err)
	}

	return pl.ordered(), nil
}

// GetPostsSince returns posts in a channel created or updated after the
// given timestamp.
func (c *Client) GetPostsSince(ctx context.Context, channelID string, since int64) ([]model.Post, error) {
	endpoint := "/channels/" + url.PathEscape(channelID) + "/posts?since=" + strconv.FormatInt(since, 10)

	var pl postList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &pl); err != nil {
		return nil, fmt.Errorf("fetching posts since %d for channel %s: %w", since, channelID, err)
	}

	return pl.ordered(), nil
}

// Logout invalidates the session token server-side. Best effort: the
// forced-logout path calls this before clearing local state and ignores
// failures.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/users/logout", nil, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}
