// Package rooms tracks which live viewers are watching which sensor and
// fans freshly persisted readings out to the matching subset. The registry
// is the single mutable structure shared between the ingest path and the
// connection handlers, so all synchronization for it lives here.
package rooms

import (
	"sync"

	"github.com/gollum18/senslify-web/internal/model"
)

// FilterNone is the filter of a member that has joined a room but not yet
// selected a stream. Such members never match a broadcast.
const FilterNone = model.AnyRType

// Key identifies a room by the sensor it watches.
type Key struct {
	GroupID  int
	SensorID int
}

// Member is a live connection. Deliver must not block: implementations
// enqueue on a bounded buffer and report false when the message is dropped.
type Member interface {
	ID() uint64
	Deliver(message ReadingMessage) bool
}

type entry struct {
	member Member
	filter int
}

// room holds the members of one (group, sensor) pair under its own lock so
// operations on different rooms never contend.
type room struct {
	mu      sync.Mutex
	members map[uint64]entry
	pruned  bool
}

// Registry is the in-memory session registry. Rooms are created lazily on
// first join and pruned when their last member leaves.
type Registry struct {
	mu    sync.RWMutex
	rooms map[Key]*room
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[Key]*room)}
}

func (registry *Registry) room(key Key, create bool) *room {
	registry.mu.RLock()
	existing := registry.rooms[key]
	registry.mu.RUnlock()
	if existing != nil || !create {
		return existing
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if existing = registry.rooms[key]; existing == nil {
		existing = &room{members: make(map[uint64]entry)}
		registry.rooms[key] = existing
	}
	return existing
}

// Join adds member to the room with no stream selected. Idempotent: joining
// twice neither duplicates the membership nor resets an existing filter.
func (registry *Registry) Join(groupid, sensorid int, member Member) bool {
	if member == nil {
		return false
	}

	key := Key{GroupID: groupid, SensorID: sensorid}
	for {
		current := registry.room(key, true)
		current.mu.Lock()
		if current.pruned {
			// The room was emptied and dropped from the map between the
			// lookup and taking its lock. Retry against a live room.
			current.mu.Unlock()
			continue
		}
		if _, ok := current.members[member.ID()]; !ok {
			current.members[member.ID()] = entry{member: member, filter: FilterNone}
		}
		current.mu.Unlock()
		return true
	}
}

// Leave removes member from the room; a no-op when the member or the room
// is absent. The room itself is pruned once empty.
func (registry *Registry) Leave(groupid, sensorid int, member Member) {
	if member == nil {
		return
	}

	key := Key{GroupID: groupid, SensorID: sensorid}
	current := registry.room(key, false)
	if current == nil {
		return
	}

	current.mu.Lock()
	delete(current.members, member.ID())
	empty := len(current.members) == 0
	current.mu.Unlock()

	if !empty {
		return
	}

	// Re-check under the registry lock: a join may have raced the prune.
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if found := registry.rooms[key]; found == current {
		found.mu.Lock()
		if len(found.members) == 0 {
			found.pruned = true
			delete(registry.rooms, key)
		}
		found.mu.Unlock()
	}
}

// SetFilter updates the member's selected reading type; a no-op when the
// member is not in the room.
func (registry *Registry) SetFilter(groupid, sensorid int, member Member, rtypeid int) {
	if member == nil {
		return
	}

	current := registry.room(Key{GroupID: groupid, SensorID: sensorid}, false)
	if current == nil {
		return
	}

	current.mu.Lock()
	defer current.mu.Unlock()
	if existing, ok := current.members[member.ID()]; ok {
		existing.filter = rtypeid
		current.members[member.ID()] = existing
	}
}

// MembersFor snapshots exactly the members whose current filter equals
// rtypeid. The snapshot is taken under the room lock; delivery happens
// outside it.
func (registry *Registry) MembersFor(groupid, sensorid, rtypeid int) []Member {
	current := registry.room(Key{GroupID: groupid, SensorID: sensorid}, false)
	if current == nil {
		return nil
	}

	current.mu.Lock()
	defer current.mu.Unlock()

	matched := make([]Member, 0, len(current.members))
	for _, existing := range current.members {
		if existing.filter == rtypeid {
			matched = append(matched, existing.member)
		}
	}
	return matched
}

// RoomCount reports the number of live rooms, for observability.
func (registry *Registry) RoomCount() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.rooms)
}
