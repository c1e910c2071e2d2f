// Package model holds the value types exchanged between the remote
// client, the local store, and the sync coordinator. All types mirror
// the server's wire representation; none carry behavior beyond simple
// derived predicates.
package model

// Team is a server-side team as returned by the REST API. Identity is
// the server-assigned ID. DeleteAt > 0 marks a team archived on the
// server.
type Team struct {
	ID              string `json:"id"`
	CreateAt        int64  `json:"create_at"`
	UpdateAt        int64  `json:"update_at"`
	DeleteAt        int64  `json:"delete_at"`
	DisplayName     string `json:"display_name"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Type            string `json:"type"`
	AllowOpenInvite bool   `json:"allow_open_invite"`
}

// TeamMembership links a user to a team. DeleteAt > 0 is a tombstone:
// the membership was revoked server-side and the team must leave the
// local "my teams" projection.
type TeamMembership struct {
	TeamID      string `json:"team_id"`
	UserID      string `json:"user_id"`
	Roles       string `json:"roles"`
	DeleteAt    int64  `json:"delete_at"`
	SchemeUser  bool   `json:"scheme_user"`
	SchemeAdmin bool   `json:"scheme_admin"`
}

// Tombstoned reports whether the membership has been revoked.
func (m TeamMembership) Tombstoned() bool {
	return m.DeleteAt > 0
}

// Channel is a conversation inside a team.
type Channel struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	CreateAt      int64  `json:"create_at"`
	UpdateAt      int64  `json:"update_at"`
	DeleteAt      int64  `json:"delete_at"`
	Type          string `json:"type"`
	DisplayName   string `json:"display_name"`
	Name          string `json:"name"`
	LastPostAt    int64  `json:"last_post_at"`
	TotalMsgCount int64  `json:"total_msg_count"`
}

// Channel types as used by the server.
const (
	ChannelTypeOpen    = "O"
	ChannelTypePrivate = "P"
	ChannelTypeDirect  = "D"
	ChannelTypeGroup   = "G"
)

// DefaultChannelName is the channel every team is created with. Used
// when switching to a team with no recorded channel history.
const DefaultChannelName = "town-square"

// ChannelMembership tracks the caller's read state in a channel.
// MsgCount is the number of messages the user has seen; comparing it
// against Channel.TotalMsgCount yields the unread count.
type ChannelMembership struct {
	ChannelID    string `json:"channel_id"`
	UserID       string `json:"user_id"`
	Roles        string `json:"roles"`
	MsgCount     int64  `json:"msg_count"`
	MentionCount int64  `json:"mention_count"`
	LastViewedAt int64  `json:"last_viewed_at"`
}

// Post is a single message in a channel. The sync engine only ever
// writes posts fetched from the server; it never creates them.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	CreateAt  int64  `json:"create_at"`
	UpdateAt  int64  `json:"update_at"`
	DeleteAt  int64  `json:"delete_at"`
	Message   string `json:"message"`
}

// SessionContext is the per-server navigation state: which team and
// channel are currently active. It is persisted as a singleton record
// and mutated only through coordinator batches, never through ambient
// global lookups.
type SessionContext struct {
	CurrentTeamID    string `json:"current_team_id"`
	CurrentChannelID string `json:"current_channel_id"`
}

// TeamHistory records team navigation order, most recent first.
type TeamHistory struct {
	TeamIDs []string `json:"team_ids"`
}
