package rooms

import (
	"sync"
	"testing"

	"github.com/gollum18/senslify-web/internal/model"
)

type fakeMember struct {
	id   uint64
	full bool

	mu       sync.Mutex
	received []ReadingMessage
}

func (m *fakeMember) ID() uint64 { return m.id }

func (m *fakeMember) Deliver(message ReadingMessage) bool {
	if m.full {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, message)
	return true
}

func (m *fakeMember) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func TestJoinIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	member := &fakeMember{id: 1}

	if !registry.Join(0, 0, member) {
		t.Fatal("first join failed")
	}
	registry.SetFilter(0, 0, member, model.RTypeTemperature)
	if !registry.Join(0, 0, member) {
		t.Fatal("second join failed")
	}

	members := registry.MembersFor(0, 0, model.RTypeTemperature)
	if len(members) != 1 {
		t.Fatalf("got %d members after rejoin, want 1 with filter intact", len(members))
	}
}

func TestLeaveRemovesAndPrunes(t *testing.T) {
	registry := NewRegistry()
	member := &fakeMember{id: 1}

	registry.Join(3, 7, member)
	if registry.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", registry.RoomCount())
	}

	registry.Leave(3, 7, member)
	if registry.RoomCount() != 0 {
		t.Fatalf("room count after leave = %d, want 0", registry.RoomCount())
	}

	// Leaving again or leaving a room never joined must not panic.
	registry.Leave(3, 7, member)
	registry.Leave(9, 9, member)
}

func TestSetFilterIgnoresNonMembers(t *testing.T) {
	registry := NewRegistry()
	joined := &fakeMember{id: 1}
	stranger := &fakeMember{id: 2}

	registry.Join(0, 0, joined)
	registry.SetFilter(0, 0, stranger, model.RTypeTemperature)

	if members := registry.MembersFor(0, 0, model.RTypeTemperature); len(members) != 0 {
		t.Fatalf("stranger acquired a filter: %d members matched", len(members))
	}
}

func TestMembersForMatchesExactFilter(t *testing.T) {
	registry := NewRegistry()
	temp := &fakeMember{id: 1}
	humidity := &fakeMember{id: 2}
	idle := &fakeMember{id: 3}

	registry.Join(0, 0, temp)
	registry.Join(0, 0, humidity)
	registry.Join(0, 0, idle)
	registry.SetFilter(0, 0, temp, model.RTypeTemperature)
	registry.SetFilter(0, 0, humidity, model.RTypeHumidity)

	members := registry.MembersFor(0, 0, model.RTypeTemperature)
	if len(members) != 1 || members[0].ID() != temp.id {
		t.Fatalf("temperature broadcast matched %d members, want only member 1", len(members))
	}

	// A member that has joined but never selected a stream matches nothing.
	if members := registry.MembersFor(0, 0, FilterNone); len(members) != 1 {
		t.Fatalf("idle filter matched %d members, want 1", len(members))
	}
}

func TestDispatchDeliversToMatchingMembers(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry)

	watcher := &fakeMember{id: 1}
	other := &fakeMember{id: 2}
	registry.Join(0, 0, watcher)
	registry.Join(0, 0, other)
	registry.SetFilter(0, 0, watcher, model.RTypeTemperature)
	registry.SetFilter(0, 0, other, model.RTypeVoltage)

	reading := model.Reading{
		SensorID: 0, GroupID: 0, RTypeID: model.RTypeTemperature,
		TS: 1000, Val: 22.5,
	}
	if delivered := dispatcher.Dispatch(reading); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if watcher.count() != 1 {
		t.Fatalf("watcher received %d frames, want 1", watcher.count())
	}
	if other.count() != 0 {
		t.Fatalf("mismatched member received %d frames, want 0", other.count())
	}

	frame := watcher.received[0]
	if frame.Cmd != CmdReading {
		t.Fatalf("cmd = %q, want %q", frame.Cmd, CmdReading)
	}
	if frame.Val != 22.5 || frame.TS != 1000 {
		t.Fatalf("frame carries val=%v ts=%d, want 22.5/1000", frame.Val, frame.TS)
	}
	if frame.RString == "" {
		t.Fatal("frame is missing its rendered reading")
	}
}

func TestDispatchSkipsDepartedAndSlowMembers(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry)

	departed := &fakeMember{id: 1}
	slow := &fakeMember{id: 2, full: true}
	registry.Join(0, 0, departed)
	registry.Join(0, 0, slow)
	registry.SetFilter(0, 0, departed, model.RTypeTemperature)
	registry.SetFilter(0, 0, slow, model.RTypeTemperature)
	registry.Leave(0, 0, departed)

	reading := model.Reading{RTypeID: model.RTypeTemperature, TS: 1, Val: 1}
	if delivered := dispatcher.Dispatch(reading); delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	if departed.count() != 0 {
		t.Fatalf("departed member received %d frames after leaving", departed.count())
	}
}

func TestJoinAfterPruneLandsInLiveRoom(t *testing.T) {
	registry := NewRegistry()
	leaver := &fakeMember{id: 1}
	joiner := &fakeMember{id: 2}

	registry.Join(0, 0, leaver)

	// Hold the pointer a racing join would have resolved before the last
	// member left, then let the leave prune the room out from under it.
	stale := registry.room(Key{GroupID: 0, SensorID: 0}, false)
	registry.Leave(0, 0, leaver)

	stale.mu.Lock()
	defunct := stale.pruned
	stale.mu.Unlock()
	if !defunct {
		t.Fatal("emptied room was not marked defunct, a racing join could land in it")
	}

	if !registry.Join(0, 0, joiner) {
		t.Fatal("join after prune failed")
	}
	registry.SetFilter(0, 0, joiner, model.RTypeTemperature)
	if members := registry.MembersFor(0, 0, model.RTypeTemperature); len(members) != 1 {
		t.Fatalf("joined member invisible to broadcasts: matched %d, want 1", len(members))
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			member := &fakeMember{id: id}
			for range 100 {
				registry.Join(0, 0, member)
				registry.SetFilter(0, 0, member, model.RTypeTemperature)
				registry.MembersFor(0, 0, model.RTypeTemperature)
				registry.Leave(0, 0, member)
			}
		}(uint64(i))
	}
	wg.Wait()

	if registry.RoomCount() != 0 {
		t.Fatalf("room count after churn = %d, want 0", registry.RoomCount())
	}
}
