package ws

import (
	"context"
	"fmt"
	"testing"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/rooms"
	"github.com/gollum18/senslify-web/internal/store"
)

type fakeConn struct {
	id       uint64
	replies  []any
	frames   []rooms.ReadingMessage
	rejected bool
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) Deliver(message rooms.ReadingMessage) bool {
	if c.rejected {
		return false
	}
	c.frames = append(c.frames, message)
	return true
}

func (c *fakeConn) Reply(payload any) bool {
	if c.rejected {
		return false
	}
	c.replies = append(c.replies, payload)
	return true
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *rooms.Registry, *store.Memory) {
	t.Helper()
	provider := store.NewMemory()
	if err := provider.Init(context.Background(), nil); err != nil {
		t.Fatalf("init provider: %v", err)
	}
	registry := rooms.NewRegistry()
	conn := &fakeConn{id: 1}
	return NewSession(conn, registry, provider), conn, registry, provider
}

func seedReading(t *testing.T, provider *store.Memory, ts int64, val float64) {
	t.Helper()
	reading := model.Reading{SensorID: 0, GroupID: 0, RTypeID: model.RTypeTemperature, TS: ts, Val: val}
	if err := provider.InsertReading(context.Background(), reading); err != nil {
		t.Fatalf("insert reading: %v", err)
	}
}

func handle(t *testing.T, session *Session, format string, args ...any) bool {
	t.Helper()
	return session.Handle(context.Background(), fmt.Appendf(nil, format, args...))
}

func lastErrorReply(t *testing.T, conn *fakeConn) errorReply {
	t.Helper()
	if len(conn.replies) == 0 {
		t.Fatal("no replies recorded")
	}
	reply, ok := conn.replies[len(conn.replies)-1].(errorReply)
	if !ok {
		t.Fatalf("last reply is %T, want errorReply", conn.replies[len(conn.replies)-1])
	}
	return reply
}

func TestJoinThenStreamReplaysRecentReadings(t *testing.T) {
	session, conn, registry, provider := newTestSession(t)
	seedReading(t, provider, 1000, 22.5)
	seedReading(t, provider, 2000, 23.0)

	if handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`) {
		t.Fatal("join closed the session")
	}
	if handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`) {
		t.Fatal("stream closed the session")
	}

	if len(conn.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(conn.replies))
	}
	reply, ok := conn.replies[0].(streamReply)
	if !ok {
		t.Fatalf("reply is %T, want streamReply", conn.replies[0])
	}
	if reply.Cmd != RespStream || len(reply.Readings) != 2 {
		t.Fatalf("reply = %+v, want %s with 2 readings", reply, RespStream)
	}
	if reply.Readings[0].TS != 2000 {
		t.Fatalf("replay not newest first: first ts = %d", reply.Readings[0].TS)
	}

	if members := registry.MembersFor(0, 0, model.RTypeTemperature); len(members) != 1 {
		t.Fatalf("registry matched %d members, want 1", len(members))
	}
}

func TestStreamBeforeJoinIsRejected(t *testing.T) {
	session, conn, _, _ := newTestSession(t)

	handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`)

	reply := lastErrorReply(t, conn)
	if reply.Cmd != RespError {
		t.Fatalf("cmd = %q, want %q", reply.Cmd, RespError)
	}
	if session.state != stateIdle {
		t.Fatalf("state = %d, want idle after rejected request", session.state)
	}
}

func TestInvalidRequestKeepsStateAndConnection(t *testing.T) {
	session, conn, _, _ := newTestSession(t)

	if handle(t, session, `{"cmd":"RQST_JOIN","groupid":0}`) {
		t.Fatal("invalid join closed the session")
	}
	reply := lastErrorReply(t, conn)
	if reply.Error == "" {
		t.Fatal("error reply carries no message")
	}
	if session.state != stateIdle {
		t.Fatal("invalid join changed state")
	}

	if handle(t, session, `not json at all`) {
		t.Fatal("malformed frame closed the session")
	}
	if handle(t, session, `{"cmd":"RQST_WHATEVER"}`) {
		t.Fatal("unknown command closed the session")
	}
}

func TestSensorStats(t *testing.T) {
	session, conn, _, provider := newTestSession(t)
	seedReading(t, provider, 1000, 22.5)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_SENSOR_STATS","rtypeid":0,"start_date":900,"end_date":1100}`)

	reply, ok := conn.replies[len(conn.replies)-1].(statsReply)
	if !ok {
		t.Fatalf("reply is %T, want statsReply", conn.replies[len(conn.replies)-1])
	}
	if reply.Cmd != RespSensorStats {
		t.Fatalf("cmd = %q, want %q", reply.Cmd, RespSensorStats)
	}
	if reply.Stats.Min != 22.5 || reply.Stats.Max != 22.5 || reply.Stats.Avg != 22.5 {
		t.Fatalf("stats = %+v, want 22.5 across the board", reply.Stats)
	}
}

func TestStatsErrorsUseStatsErrorTag(t *testing.T) {
	session, conn, _, _ := newTestSession(t)

	handle(t, session, `{"cmd":"RQST_SENSOR_STATS","rtypeid":0,"start_date":900,"end_date":1100}`)
	if reply := lastErrorReply(t, conn); reply.Cmd != RespStatsError {
		t.Fatalf("cmd = %q, want %q", reply.Cmd, RespStatsError)
	}

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_SENSOR_STATS","rtypeid":0}`)
	if reply := lastErrorReply(t, conn); reply.Cmd != RespStatsError {
		t.Fatalf("cmd = %q, want %q", reply.Cmd, RespStatsError)
	}
}

func TestDownloadReturnsRange(t *testing.T) {
	session, conn, _, provider := newTestSession(t)
	seedReading(t, provider, 500, 1.0)
	seedReading(t, provider, 1000, 2.0)
	seedReading(t, provider, 1500, 3.0)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_DOWNLOAD","start_date":900,"end_date":1100}`)

	reply, ok := conn.replies[len(conn.replies)-1].(downloadReply)
	if !ok {
		t.Fatalf("reply is %T, want downloadReply", conn.replies[len(conn.replies)-1])
	}
	if reply.Cmd != RespDownload || len(reply.Readings) != 1 {
		t.Fatalf("reply = %+v, want %s with exactly the in-range reading", reply, RespDownload)
	}
	if reply.Readings[0].TS != 1000 {
		t.Fatalf("got ts %d, want 1000", reply.Readings[0].TS)
	}
}

func TestCloseLeavesRoomAndTerminates(t *testing.T) {
	session, _, registry, _ := newTestSession(t)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`)
	if !handle(t, session, `{"cmd":"RQST_CLOSE","groupid":0,"sensorid":0}`) {
		t.Fatal("close did not terminate the session")
	}

	if members := registry.MembersFor(0, 0, model.RTypeTemperature); len(members) != 0 {
		t.Fatalf("registry still matches %d members after close", len(members))
	}
	if !handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`) {
		t.Fatal("closed session accepted another command")
	}
}

func TestCloseWithMismatchedIDsStillLeaves(t *testing.T) {
	session, _, registry, _ := newTestSession(t)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`)
	if !handle(t, session, `{"cmd":"RQST_CLOSE","groupid":1,"sensorid":1}`) {
		t.Fatal("close did not terminate the session")
	}
	session.Teardown()

	if registry.RoomCount() != 0 {
		t.Fatalf("room count after close = %d, want 0", registry.RoomCount())
	}
}

func TestTeardownAlwaysLeaves(t *testing.T) {
	session, _, registry, _ := newTestSession(t)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":2,"sensorid":3}`)
	session.Teardown()
	session.Teardown()

	if registry.RoomCount() != 0 {
		t.Fatalf("room count = %d after teardown, want 0", registry.RoomCount())
	}
}

func TestBroadcastAfterStream(t *testing.T) {
	session, conn, registry, provider := newTestSession(t)
	dispatcher := rooms.NewDispatcher(registry)

	handle(t, session, `{"cmd":"RQST_JOIN","groupid":0,"sensorid":0}`)
	handle(t, session, `{"cmd":"RQST_STREAM","rtypeid":0}`)

	reading := model.Reading{SensorID: 0, GroupID: 0, RTypeID: model.RTypeTemperature, TS: 1000, Val: 22.5}
	if err := provider.InsertReading(context.Background(), reading); err != nil {
		t.Fatalf("insert reading: %v", err)
	}
	if delivered := dispatcher.Dispatch(reading); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(conn.frames) != 1 || conn.frames[0].Val != 22.5 || conn.frames[0].TS != 1000 {
		t.Fatalf("frames = %+v, want one frame with val 22.5 at ts 1000", conn.frames)
	}

	other := rooms.NewDispatcher(registry).Dispatch(model.Reading{
		SensorID: 0, GroupID: 0, RTypeID: model.RTypeHumidity, TS: 1001, Val: 40,
	})
	if other != 0 || len(conn.frames) != 1 {
		t.Fatal("viewer filtered on temperature received a humidity frame")
	}
}
