// Package ws maintains the realtime event feed from a chat server. A
// listener owns one WebSocket connection per server, authenticates it,
// and dispatches membership and channel events to a handler (the sync
// layer), reconnecting with exponential backoff when the connection
// drops.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// pingAfter is how long the connection may stay quiet before the
	// listener sends a ping.
	pingAfter = 10 * time.Second

	// disconnectAfter is how long with no traffic at all before the
	// connection is considered dead and closed for reconnect.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the tick interval for the quiet-connection check.
	heartbeatCheckAt = 20 * time.Second

	// reconnectMin and reconnectMax bound the exponential reconnect backoff.
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the growth factor applied to the
	// backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the random jitter added to the backoff:
	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// authTimeout bounds the authentication round trip after dialing.
	authTimeout = 30 * time.Second

	// readLimit caps inbound frames. Event payloads are small JSON.
	readLimit = 1024 * 1024
)

//go:generate mockgen -source=listener.go -destination=mock_conn_test.go -package=ws Conn

// Conn abstracts the WebSocket connection so the listener can be
// tested without a real server. *websocket.Conn satisfies this
// interface via connAdapter.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// connAdapter narrows *websocket.Conn to the Conn interface.
type connAdapter struct {
	*websocket.Conn
}

// Event is a decoded server event relevant to sync: a team or channel
// level change broadcast by the server.
type Event struct {
	Name      string
	TeamID    string
	ChannelID string
	UserID    string
}

// Handler receives decoded events. Calls arrive from the listener's
// event loop, one at a time.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// syncEvents is the set of server event names the listener forwards.
// Everything else (typing indicators, preferences, statuses) is noise
// for a membership sync engine.
var syncEvents = map[string]struct{}{
	"added_to_team":   {},
	"leave_team":      {},
	"user_added":      {},
	"user_removed":    {},
	"update_team":     {},
	"delete_team":     {},
	"channel_created": {},
	"channel_updated": {},
	"channel_deleted": {},
	"posted":          {},
}

// Listener maintains the event feed for one server.
type Listener struct {
	serverURL string
	token     string
	handler   Handler
	logger    *slog.Logger

	conn        Conn
	lastMessage time.Time
	seq         int64

	// dial is swapped out by tests to inject a mock connection.
	dial func(ctx context.Context) (Conn, error)
}

// NewListener creates a listener for the given server. serverURL is the
// http(s) base URL; the websocket endpoint is derived from it.
func NewListener(serverURL, token string, handler Handler, logger *slog.Logger) *Listener {
	l := &Listener{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		handler:   handler,
		logger:    logger,
	}
	l.dial = l.dialServer

	return l
}

// wsURL derives the websocket endpoint from the server base URL.
func (l *Listener) wsURL() string {
	u := l.serverURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	return u + "/api/v4/websocket"
}

func (l *Listener) dialServer(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, l.wsURL(), &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + l.token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return connAdapter{conn}, nil
}

// connect dials and authenticates. The server expects an
// authentication_challenge as the first client frame and answers it
// with a status frame before streaming events.
func (l *Listener) connect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}

	return l.authenticate(ctx, conn)
}

// authenticate performs the post-dial challenge sequence. Extracted
// from connect so it can be tested with a mock Conn.
func (l *Listener) authenticate(ctx context.Context, conn Conn) error {
	l.conn = conn
	l.seq = 1
	l.touchLastMessage()

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	challenge := map[string]any{
		"seq":    l.seq,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": l.token},
	}

	if err := l.writeJSON(authCtx, challenge); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		return fmt.Errorf("sending auth challenge: %w", err)
	}

	// The server replies with a status frame and a hello event, in
	// either order depending on version. Read until the status arrives.
	for {
		_, data, err := conn.Read(authCtx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "auth read failed")
			return fmt.Errorf("reading auth response: %w", err)
		}

		l.touchLastMessage()

		if gjson.GetBytes(data, "event").Str == "hello" {
			continue
		}

		status := gjson.GetBytes(data, "status").Str
		if status == "" {
			continue
		}

		if status != "OK" {
			conn.Close(websocket.StatusNormalClosure, "auth rejected")
			return fmt.Errorf("auth rejected: %s", status)
		}

		l.logger.Info("websocket authenticated", slog.String("server", l.serverURL))

		return nil
	}
}

// Listen connects and processes events until ctx is cancelled,
// reconnecting with backoff and jitter on connection loss.
func (l *Listener) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := l.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			l.logger.Warn("websocket connect failed",
				slog.String("server", l.serverURL),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if err := l.sleep(ctx, backoff); err != nil {
				return err
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin

		err := l.eventLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("websocket connection lost, reconnecting",
			slog.String("server", l.serverURL),
			slog.String("error", err.Error()),
		)

		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// sleep waits for the backoff duration plus jitter, or until ctx ends.
func (l *Listener) sleep(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// eventLoop reads frames from one connection, dispatching sync events
// and keeping the heartbeat alive. Returns on read error or context
// cancellation.
func (l *Listener) eventLoop(ctx context.Context) error {
	type inbound struct {
		data []byte
		err  error
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	inboundCh := make(chan inbound)

	go func() {
		for {
			_, data, err := l.conn.Read(readCtx)
			select {
			case inboundCh <- inbound{data: data, err: err}:
			case <-readCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			l.touchLastMessage()
			l.handleFrame(ctx, msg.data)

		case <-ticker.C:
			elapsed := time.Since(l.lastMessage)

			if elapsed > disconnectAfter {
				l.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				l.seq++
				if err := l.writeJSON(ctx, map[string]any{"seq": l.seq, "action": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			l.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		}
	}
}

// handleFrame decodes one inbound frame and forwards sync-relevant
// events to the handler. Unparseable or irrelevant frames are skipped.
func (l *Listener) handleFrame(ctx context.Context, data []byte) {
	name := gjson.GetBytes(data, "event").Str
	if name == "" {
		// Status or pong frame.
		return
	}

	if _, relevant := syncEvents[name]; !relevant {
		return
	}

	ev := Event{
		Name:      name,
		TeamID:    firstString(data, "data.team_id", "broadcast.team_id"),
		ChannelID: firstString(data, "data.channel_id", "broadcast.channel_id"),
		UserID:    firstString(data, "data.user_id", "broadcast.user_id"),
	}

	l.logger.Debug("server event",
		slog.String("server", l.serverURL),
		slog.String("event", ev.Name),
		slog.String("team_id", ev.TeamID),
	)

	l.handler.HandleEvent(ctx, ev)
}

// firstString returns the first non-empty string among the given gjson
// paths.
func firstString(data []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(data, p).Str; v != "" {
			return v
		}
	}

	return ""
}

func (l *Listener) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *Listener) touchLastMessage() {
	l.lastMessage = time.Now()
}
