// Package store is the local persistence layer: an embedded bbolt
// database holding the cached team/channel state for every configured
// server. All mutation flows through Batch, which commits a prepared
// set of upserts and deletes in a single transaction. The Prepare*
// helpers compute ops without touching the database write path, so a
// caller can assemble the full delta for an operation before anything
// is written.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/haydenmoss/teamsync/internal/model"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory (~/.teamsync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second

	// teamHistoryMax caps the recorded team navigation history. Older
	// entries fall off the end; the UI only ever needs the recent tail.
	teamHistoryMax = 15
)

var (
	sessionKey = []byte("session")
	historyKey = []byte("team_history")
)

func teamsBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":teams")
}

func membershipsBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":team_members")
}

func channelsBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":channels")
}

func channelMembersBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":channel_members")
}

func postsBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":posts")
}

func systemBucket(serverURL string) []byte {
	return []byte("server:" + serverURL + ":system")
}

// serverBuckets lists every bucket belonging to one server connection.
func serverBuckets(serverURL string) [][]byte {
	return [][]byte{
		teamsBucket(serverURL),
		membershipsBucket(serverURL),
		channelsBucket(serverURL),
		channelMembersBucket(serverURL),
		postsBucket(serverURL),
		systemBucket(serverURL),
	}
}

// Op is a single prepared mutation. Value set means upsert; Value nil
// means delete. Ops carry no behavior of their own; they are applied by
// Batch inside one transaction.
type Op struct {
	Bucket []byte
	Key    []byte
	Value  []byte
}

func upsertOp(bucket []byte, key string, v any) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("marshalling %T for %s: %w", v, key, err)
	}

	return Op{Bucket: bucket, Key: []byte(key), Value: data}, nil
}

func deleteOp(bucket []byte, key string) Op {
	return Op{Bucket: bucket, Key: []byte(key)}
}

// Store wraps a bbolt database holding all cached server state.
type Store struct {
	db *bolt.DB
}

// Open opens the store database at the given path, creating it and its
// parent directory if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitServer ensures all buckets for a server connection exist. Call
// once per configured server before issuing batches against it.
func (s *Store) InitServer(serverURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range serverBuckets(serverURL) {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
}

// Batch applies all ops in a single transaction. Either every op
// commits or none does, so a caller batching upserts together with
// tombstone deletes never exposes an intermediate state. An empty op
// list is a no-op and does not open a write transaction.
func (s *Store) Batch(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b, err := tx.CreateBucketIfNotExists(op.Bucket)
			if err != nil {
				return err
			}

			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}

				continue
			}

			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}

		return nil
	})
}

// PrepareMyTeams returns upsert ops for the given teams and their
// memberships. Tombstoned memberships are skipped; the caller pairs
// this with PrepareDeleteTeam ops for those so the whole delta commits
// in one batch.
func (s *Store) PrepareMyTeams(serverURL string, teams []model.Team, memberships []model.TeamMembership) ([]Op, error) {
	byID := make(map[string]struct{}, len(teams))

	ops := make([]Op, 0, len(teams)+len(memberships))

	for _, t := range teams {
		byID[t.ID] = struct{}{}

		op, err := upsertOp(teamsBucket(serverURL), t.ID, t)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	for _, m := range memberships {
		if m.Tombstoned() {
			continue
		}

		if _, ok := byID[m.TeamID]; !ok {
			continue
		}

		op, err := upsertOp(membershipsBucket(serverURL), m.TeamID, m)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// PrepareTeamMembership returns the upsert op for a single membership.
// Used when joining a team, where the team record is already cached
// from the catalogue.
func (s *Store) PrepareTeamMembership(serverURL string, m model.TeamMembership) ([]Op, error) {
	op, err := upsertOp(membershipsBucket(serverURL), m.TeamID, m)
	if err != nil {
		return nil, err
	}

	return []Op{op}, nil
}

// PrepareDeleteTeam returns delete ops removing a team and everything
// cached under it: the team record, the caller's membership, the team's
// channels and their channel memberships. The channel set is read here
// so the returned ops form the complete cascade.
func (s *Store) PrepareDeleteTeam(serverURL, teamID string) ([]Op, error) {
	ops := []Op{
		deleteOp(teamsBucket(serverURL), teamID),
		deleteOp(membershipsBucket(serverURL), teamID),
	}

	channels, err := s.ChannelsForTeam(serverURL, teamID)
	if err != nil {
		return nil, err
	}

	for _, c := range channels {
		ops = append(ops,
			deleteOp(channelsBucket(serverURL), c.ID),
			deleteOp(channelMembersBucket(serverURL), c.ID),
		)
	}

	return ops, nil
}

// PrepareTeamCatalogue diffs the authoritative team list against the
// stored one and returns the minimal set of upserts and deletes that
// makes the local catalogue match the server's.
func (s *Store) PrepareTeamCatalogue(serverURL string, teams []model.Team) ([]Op, error) {
	stored := make(map[string]model.Team)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(teamsBucket(serverURL))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var t model.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			stored[string(k)] = t

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading stored teams: %w", err)
	}

	var ops []Op

	authoritative := make(map[string]struct{}, len(teams))

	for _, t := range teams {
		authoritative[t.ID] = struct{}{}

		if prev, ok := stored[t.ID]; ok && prev == t {
			continue
		}

		op, err := upsertOp(teamsBucket(serverURL), t.ID, t)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	for id := range stored {
		if _, ok := authoritative[id]; !ok {
			ops = append(ops, deleteOp(teamsBucket(serverURL), id))
		}
	}

	return ops, nil
}

// PrepareTeam returns an upsert op for a single team record.
func (s *Store) PrepareTeam(serverURL string, team model.Team) ([]Op, error) {
	op, err := upsertOp(teamsBucket(serverURL), team.ID, team)
	if err != nil {
		return nil, err
	}

	return []Op{op}, nil
}

// PrepareChannels returns ops for a fetched channel list and the
// caller's memberships in them. Channels the server reports as archived
// become deletes, so delta fetches reconcile removals too.
func (s *Store) PrepareChannels(serverURL string, channels []model.Channel, members []model.ChannelMembership) ([]Op, error) {
	ops := make([]Op, 0, len(channels)+len(members))
	archived := make(map[string]struct{})

	for _, c := range channels {
		if c.DeleteAt > 0 {
			archived[c.ID] = struct{}{}

			ops = append(ops,
				deleteOp(channelsBucket(serverURL), c.ID),
				deleteOp(channelMembersBucket(serverURL), c.ID),
			)

			continue
		}

		op, err := upsertOp(channelsBucket(serverURL), c.ID, c)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	for _, m := range members {
		if _, gone := archived[m.ChannelID]; gone {
			continue
		}

		op, err := upsertOp(channelMembersBucket(serverURL), m.ChannelID, m)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// PreparePosts returns upsert ops for fetched posts. Posts the server
// reports as deleted are removed.
func (s *Store) PreparePosts(serverURL string, posts []model.Post) ([]Op, error) {
	ops := make([]Op, 0, len(posts))

	for _, p := range posts {
		if p.DeleteAt > 0 {
			ops = append(ops, deleteOp(postsBucket(serverURL), p.ID))
			continue
		}

		op, err := upsertOp(postsBucket(serverURL), p.ID, p)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// PrepareSessionContext returns the op replacing the per-server session
// context singleton.
func (s *Store) PrepareSessionContext(serverURL string, sc model.SessionContext) ([]Op, error) {
	op, err := upsertOp(systemBucket(serverURL), string(sessionKey), sc)
	if err != nil {
		return nil, err
	}

	return []Op{op}, nil
}

// PrepareTeamHistory returns the op recording a visit to teamID: the id
// moves to the front of the history, duplicates are removed, and the
// list is capped at teamHistoryMax.
func (s *Store) PrepareTeamHistory(serverURL, teamID string) ([]Op, error) {
	history, err := s.TeamHistory(serverURL)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(history.TeamIDs)+1)
	ids = append(ids, teamID)

	for _, id := range history.TeamIDs {
		if id == teamID {
			continue
		}

		ids = append(ids, id)
	}

	if len(ids) > teamHistoryMax {
		ids = ids[:teamHistoryMax]
	}

	op, err := upsertOp(systemBucket(serverURL), string(historyKey), model.TeamHistory{TeamIDs: ids})
	if err != nil {
		return nil, err
	}

	return []Op{op}, nil
}

// SessionContext returns the current team/channel context for a server,
// defaulting to the zero value when none has been recorded.
func (s *Store) SessionContext(serverURL string) (model.SessionContext, error) {
	var sc model.SessionContext

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(systemBucket(serverURL))
		if b == nil {
			return nil
		}

		v := b.Get(sessionKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &sc)
	})

	return sc, err
}

// TeamHistory returns the recorded team navigation history, most recent
// first.
func (s *Store) TeamHistory(serverURL string) (model.TeamHistory, error) {
	var th model.TeamHistory

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(systemBucket(serverURL))
		if b == nil {
			return nil
		}

		v := b.Get(historyKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &th)
	})

	return th, err
}

// Team returns a cached team by id, or nil if not cached.
func (s *Store) Team(serverURL, teamID string) (*model.Team, error) {
	var team *model.Team

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(teamsBucket(serverURL))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(teamID))
		if v == nil {
			return nil
		}

		team = &model.Team{}

		return json.Unmarshal(v, team)
	})

	return team, err
}

// TeamsByID returns the cached teams among the given ids. Unknown ids
// are silently skipped; the result only ever contains teams this store
// has observed.
func (s *Store) TeamsByID(serverURL string, ids []string) ([]model.Team, error) {
	var teams []model.Team

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(teamsBucket(serverURL))
		if b == nil {
			return nil
		}

		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}

			var t model.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			teams = append(teams, t)
		}

		return nil
	})

	return teams, err
}

// MyTeams returns the "my teams" projection: every cached team with a
// live membership record.
func (s *Store) MyTeams(serverURL string) ([]model.Team, error) {
	var teams []model.Team

	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(membershipsBucket(serverURL))
		tb := tx.Bucket(teamsBucket(serverURL))

		if mb == nil || tb == nil {
			return nil
		}

		return mb.ForEach(func(k, _ []byte) error {
			v := tb.Get(k)
			if v == nil {
				return nil
			}

			var t model.Team
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			teams = append(teams, t)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(teams, func(i, j int) bool { return teams[i].DisplayName < teams[j].DisplayName })

	return teams, nil
}

// TeamMembership returns the cached membership for a team, or nil.
func (s *Store) TeamMembership(serverURL, teamID string) (*model.TeamMembership, error) {
	var tm *model.TeamMembership

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(membershipsBucket(serverURL))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(teamID))
		if v == nil {
			return nil
		}

		tm = &model.TeamMembership{}

		return json.Unmarshal(v, tm)
	})

	return tm, err
}

// ChannelsForTeam returns all cached channels belonging to a team.
func (s *Store) ChannelsForTeam(serverURL, teamID string) ([]model.Channel, error) {
	var channels []model.Channel

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelsBucket(serverURL))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var c model.Channel
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			if c.TeamID == teamID {
				channels = append(channels, c)
			}

			return nil
		})
	})

	return channels, err
}

// DefaultChannelForTeam returns the team's default channel, or nil if
// it is not cached yet.
func (s *Store) DefaultChannelForTeam(serverURL, teamID string) (*model.Channel, error) {
	channels, err := s.ChannelsForTeam(serverURL, teamID)
	if err != nil {
		return nil, err
	}

	for i := range channels {
		if channels[i].Name == model.DefaultChannelName {
			return &channels[i], nil
		}
	}

	return nil, nil
}

// NthLastChannelFromTeam returns the id of the nth most recently viewed
// channel in a team (n is 1-based; n=1 is the last visited). Returns ""
// when the team has fewer than n viewed channels. Viewing order comes
// from the cached channel memberships' LastViewedAt.
func (s *Store) NthLastChannelFromTeam(serverURL, teamID string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("n must be >= 1, got %d", n)
	}

	channels, err := s.ChannelsForTeam(serverURL, teamID)
	if err != nil {
		return "", err
	}

	type viewed struct {
		id string
		at int64
	}

	var views []viewed

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelMembersBucket(serverURL))
		if b == nil {
			return nil
		}

		for _, c := range channels {
			v := b.Get([]byte(c.ID))
			if v == nil {
				continue
			}

			var m model.ChannelMembership
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.LastViewedAt > 0 {
				views = append(views, viewed{id: c.ID, at: m.LastViewedAt})
			}
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(views, func(i, j int) bool { return views[i].at > views[j].at })

	if len(views) < n {
		return "", nil
	}

	return views[n-1].id, nil
}

// ChannelMembershipsForTeam returns the cached channel memberships for
// a team's channels, keyed off the cached channel list.
func (s *Store) ChannelMembershipsForTeam(serverURL, teamID string) ([]model.ChannelMembership, error) {
	channels, err := s.ChannelsForTeam(serverURL, teamID)
	if err != nil {
		return nil, err
	}

	var members []model.ChannelMembership

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelMembersBucket(serverURL))
		if b == nil {
			return nil
		}

		for _, c := range channels {
			v := b.Get([]byte(c.ID))
			if v == nil {
				continue
			}

			var m model.ChannelMembership
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			members = append(members, m)
		}

		return nil
	})

	return members, err
}

// PostsForChannel returns the cached posts in a channel, oldest first.
func (s *Store) PostsForChannel(serverURL, channelID string) ([]model.Post, error) {
	var posts []model.Post

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(postsBucket(serverURL))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var p model.Post
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}

			if p.ChannelID == channelID {
				posts = append(posts, p)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })

	return posts, nil
}

// Reset drops every bucket belonging to a server connection. Used by
// the forced-logout path to clear all cached state for that server.
func (s *Store) Reset(serverURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range serverBuckets(serverURL) {
			if tx.Bucket(b) == nil {
				continue
			}

			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
		}

		return nil
	})
}
