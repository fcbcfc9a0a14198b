// Package room tracks which sessions belong to which rooms.
//
// The directory is the relay's only room state: rooms are created implicitly
// by the first join and identified by a client-supplied, unvalidated string.
// All reads return snapshots so a broadcast in progress never iterates a set
// that a concurrent join/leave is mutating.
package room

import (
	"sync"
	"time"
)

// Directory is a process-wide, concurrency-safe room membership table.
type Directory struct {
	// emptyTTL controls eviction of rooms whose membership dropped to zero.
	// 0 retains empty rooms for the life of the process.
	emptyTTL time.Duration

	now func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState
}

type roomState struct {
	members map[string]struct{}

	// emptiedAt is the zero time while the room has members.
	emptiedAt time.Time
}

type Option func(*Directory)

// WithEmptyRoomTTL enables eviction of rooms that have been empty for at
// least ttl. Eviction only happens when Sweep runs.
func WithEmptyRoomTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.emptyTTL = ttl }
}

// WithNowFunc overrides the clock used for empty-room timestamps in tests.
func WithNowFunc(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		now:   time.Now,
		rooms: make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Join adds the session to the room's member set, creating the room if
// needed. It reports whether the room was created by this call. Joining a
// room twice leaves the member set unchanged.
func (d *Directory) Join(roomID, sessionID string) (created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[roomID]
	if !ok {
		st = &roomState{members: make(map[string]struct{})}
		d.rooms[roomID] = st
		created = true
	}
	st.members[sessionID] = struct{}{}
	st.emptiedAt = time.Time{}
	return created
}

// Leave removes the session from the room's member set. It is idempotent:
// leaving an unknown room or a room the session is not in is a no-op.
func (d *Directory) Leave(roomID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(st.members, sessionID)
	if len(st.members) == 0 && st.emptiedAt.IsZero() {
		st.emptiedAt = d.now()
	}
}

// Members returns a snapshot of the room's member set. The result is nil for
// an unknown room.
func (d *Directory) Members(roomID string) []string {
	return d.membersExcept(roomID, "")
}

// MembersExcept returns a snapshot of the room's member set without the
// excluded session, for broadcasts that skip the sender.
func (d *Directory) MembersExcept(roomID, excludedSessionID string) []string {
	return d.membersExcept(roomID, excludedSessionID)
}

func (d *Directory) membersExcept(roomID, excluded string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.members))
	for id := range st.members {
		if excluded != "" && id == excluded {
			continue
		}
		out = append(out, id)
	}
	return out
}

// RoomsContaining returns every room the session currently belongs to. Only
// the disconnect path uses this; it is O(total rooms).
func (d *Directory) RoomsContaining(sessionID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for roomID, st := range d.rooms {
		if _, ok := st.members[sessionID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// Len reports the number of rooms currently tracked, including empty ones.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// Sweep evicts rooms that have been empty for at least the configured TTL
// and returns how many were removed. It is a no-op when eviction is
// disabled.
func (d *Directory) Sweep() int {
	if d.emptyTTL <= 0 {
		return 0
	}

	cutoff := d.now().Add(-d.emptyTTL)

	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for roomID, st := range d.rooms {
		if len(st.members) == 0 && !st.emptiedAt.IsZero() && !st.emptiedAt.After(cutoff) {
			delete(d.rooms, roomID)
			evicted++
		}
	}
	return evicted
}
