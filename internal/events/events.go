// Package events is a small typed observer bus. The sync layer uses it
// to report soft failures (a channel fetch failing after a team switch
// already committed) and forced logouts without unwinding the state
// changes that already succeeded. Publishing never blocks: a subscriber
// that falls behind drops events.
package events

import "sync"

// TeamLoadError reports that loading a team's channels failed after the
// team switch itself committed. The switch is not reverted.
type TeamLoadError struct {
	ServerURL string
	TeamID    string
	Err       error
}

// Logout reports a forced logout triggered by a session-invalidating
// error from the server.
type Logout struct {
	ServerURL string
	Err       error
}

// subChanSize buffers each subscriber channel so a slow consumer does
// not immediately start dropping events.
const subChanSize = 16

// Bus fans events out to subscribers.
type Bus struct {
	mu           sync.RWMutex
	teamLoadSubs []chan TeamLoadError
	logoutSubs   []chan Logout
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeTeamLoadErrors returns a channel receiving future
// TeamLoadError events.
func (b *Bus) SubscribeTeamLoadErrors() <-chan TeamLoadError {
	ch := make(chan TeamLoadError, subChanSize)

	b.mu.Lock()
	b.teamLoadSubs = append(b.teamLoadSubs, ch)
	b.mu.Unlock()

	return ch
}

// SubscribeLogouts returns a channel receiving future Logout events.
func (b *Bus) SubscribeLogouts() <-chan Logout {
	ch := make(chan Logout, subChanSize)

	b.mu.Lock()
	b.logoutSubs = append(b.logoutSubs, ch)
	b.mu.Unlock()

	return ch
}

// PublishTeamLoadError delivers the event to all subscribers without
// blocking.
func (b *Bus) PublishTeamLoadError(ev TeamLoadError) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.teamLoadSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishLogout delivers the event to all subscribers without blocking.
func (b *Bus) PublishLogout(ev Logout) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.logoutSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
