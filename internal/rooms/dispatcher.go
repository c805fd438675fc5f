package rooms

import (
	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/model"
)

// ReadingMessage is the broadcast frame pushed to every streaming member
// whose filter matches the reading's type.
type ReadingMessage struct {
	Cmd      string  `json:"cmd"`
	GroupID  int     `json:"groupid"`
	SensorID int     `json:"sensorid"`
	RTypeID  int     `json:"rtypeid"`
	TS       int64   `json:"ts"`
	Val      float64 `json:"val"`
	RString  string  `json:"rstring"`
}

// CmdReading is the command tag carried by every broadcast frame.
const CmdReading = "READING"

// NewReadingMessage builds the broadcast frame for a reading, including its
// human-readable rendering.
func NewReadingMessage(reading model.Reading) ReadingMessage {
	return ReadingMessage{
		Cmd:      CmdReading,
		GroupID:  reading.GroupID,
		SensorID: reading.SensorID,
		RTypeID:  reading.RTypeID,
		TS:       reading.TS,
		Val:      reading.Val,
		RString:  reading.Format(),
	}
}

// Dispatcher fans persisted readings out to the matching room members.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher returns a dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch delivers reading to every member of its room whose filter
// matches the reading type. Delivery is fire and forget: a member with a
// full buffer is skipped, never waited on. Returns the number of members
// the frame was enqueued for.
func (dispatcher *Dispatcher) Dispatch(reading model.Reading) int {
	members := dispatcher.registry.MembersFor(reading.GroupID, reading.SensorID, reading.RTypeID)
	if len(members) == 0 {
		return 0
	}

	frame := NewReadingMessage(reading)
	delivered := 0
	for _, member := range members {
		if member.Deliver(frame) {
			delivered++
			continue
		}
		logging.Warn().
			Uint64("member", member.ID()).
			Int("groupid", reading.GroupID).
			Int("sensorid", reading.SensorID).
			Msg("dropping broadcast for slow member")
	}
	return delivered
}

// DispatchBatch delivers every reading in order, returning the total
// number of enqueued frames.
func (dispatcher *Dispatcher) DispatchBatch(readings []model.Reading) int {
	delivered := 0
	for _, reading := range readings {
		delivered += dispatcher.Dispatch(reading)
	}
	return delivered
}
