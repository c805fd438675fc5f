package ws

import (
	"context"

	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/rooms"
	"github.com/gollum18/senslify-web/internal/store"
	"github.com/gollum18/senslify-web/internal/validation"
)

// state tracks where a viewer is in the connection protocol.
type state int

const (
	stateIdle state = iota
	stateJoined
	stateStreaming
	stateClosed
)

// DefaultStreamDepth is how many recent readings a stream switch replays
// so the viewer has context before live updates arrive.
const DefaultStreamDepth = 25

// Session is the per-viewer protocol handler. It is driven by a single
// reader goroutine, so its state needs no locking; the registry provides
// the cross-connection synchronization.
type Session struct {
	conn     Conn
	registry *rooms.Registry
	provider store.Provider

	streamDepth int
	debug       bool

	state    state
	groupid  int
	sensorid int
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithStreamDepth overrides the number of readings replayed on a stream
// switch.
func WithStreamDepth(depth int) SessionOption {
	return func(s *Session) {
		if depth > 0 {
			s.streamDepth = depth
		}
	}
}

// WithDebug includes full storage diagnostics in error replies instead of
// a generic message.
func WithDebug(debug bool) SessionOption {
	return func(s *Session) { s.debug = debug }
}

// NewSession builds a session for one viewer connection.
func NewSession(conn Conn, registry *rooms.Registry, provider store.Provider, opts ...SessionOption) *Session {
	session := &Session{
		conn:        conn,
		registry:    registry,
		provider:    provider,
		streamDepth: DefaultStreamDepth,
		state:       stateIdle,
	}
	for _, opt := range opts {
		opt(session)
	}
	return session
}

// Handle processes one inbound frame, reporting true once the session has
// reached its terminal state. Invalid requests produce an error reply and
// leave the state untouched.
func (s *Session) Handle(ctx context.Context, data []byte) bool {
	if s.state == stateClosed {
		return true
	}

	var env envelope
	if err := decode(data, &env); err != nil {
		s.replyError(RespError, err)
		return false
	}

	switch env.Cmd {
	case CmdJoin:
		s.handleJoin(data)
	case CmdClose:
		return s.handleClose(data)
	case CmdStream:
		s.handleStream(ctx, data)
	case CmdSensorStats:
		s.handleStats(ctx, data)
	case CmdDownload:
		s.handleDownload(ctx, data)
	default:
		s.replyError(RespError, validation.NewError("unknown command: %s", env.Cmd))
	}
	return false
}

// Teardown leaves the room and marks the session closed. Safe to call more
// than once and from any state; transport failures route through here so a
// viewer that drops mid-command still exits its room.
func (s *Session) Teardown() {
	if s.state == stateJoined || s.state == stateStreaming {
		s.registry.Leave(s.groupid, s.sensorid, s.conn)
	}
	s.state = stateClosed
}

func (s *Session) handleJoin(data []byte) {
	if s.state != stateIdle {
		s.replyError(RespError, validation.NewError("already joined"))
		return
	}

	var request joinRequest
	if err := decode(data, &request); err != nil {
		s.replyError(RespError, err)
		return
	}

	if !s.registry.Join(*request.GroupID, *request.SensorID, s.conn) {
		s.replyError(RespError, validation.NewError("join failed"))
		return
	}
	s.groupid = *request.GroupID
	s.sensorid = *request.SensorID
	s.state = stateJoined
}

func (s *Session) handleClose(data []byte) bool {
	var request closeRequest
	if err := decode(data, &request); err != nil {
		s.replyError(RespError, err)
		return false
	}

	// Leave the room the session actually joined, not whatever ids the
	// message names. A mismatched close must not leak the membership.
	s.Teardown()
	return true
}

func (s *Session) handleStream(ctx context.Context, data []byte) {
	if s.state != stateJoined && s.state != stateStreaming {
		s.replyError(RespError, validation.NewError("not joined"))
		return
	}

	var request streamRequest
	if err := decode(data, &request); err != nil {
		s.replyError(RespError, err)
		return
	}

	rtypeid := *request.RTypeID
	s.registry.SetFilter(s.groupid, s.sensorid, s.conn, rtypeid)
	s.state = stateStreaming

	recent, err := s.provider.Readings(ctx, s.sensorid, s.groupid, rtypeid, s.streamDepth)
	if err != nil {
		s.replyError(RespError, err)
		return
	}
	s.reply(streamReply{Cmd: RespStream, RTypeID: rtypeid, Readings: recent})
}

func (s *Session) handleStats(ctx context.Context, data []byte) {
	if s.state != stateJoined && s.state != stateStreaming {
		s.replyError(RespStatsError, validation.NewError("not joined"))
		return
	}

	var request statsRequest
	if err := decode(data, &request); err != nil {
		s.replyError(RespStatsError, err)
		return
	}

	stats, err := s.provider.Stats(ctx, store.ScopeSensor, s.sensorid, s.groupid,
		*request.RTypeID, *request.StartDate, *request.EndDate)
	if err != nil {
		s.replyError(RespStatsError, err)
		return
	}
	s.reply(statsReply{Cmd: RespSensorStats, Stats: stats})
}

func (s *Session) handleDownload(ctx context.Context, data []byte) {
	if s.state != stateJoined && s.state != stateStreaming {
		s.replyError(RespDownloadError, validation.NewError("not joined"))
		return
	}

	var request downloadRequest
	if err := decode(data, &request); err != nil {
		s.replyError(RespDownloadError, err)
		return
	}

	cursor, err := s.provider.ReadingsInRange(ctx, s.sensorid, s.groupid,
		*request.StartDate, *request.EndDate)
	if err != nil {
		s.replyError(RespDownloadError, err)
		return
	}
	readings, err := store.Collect(ctx, cursor)
	if err != nil {
		s.replyError(RespDownloadError, err)
		return
	}
	s.reply(downloadReply{Cmd: RespDownload, Readings: readings})
}

func (s *Session) reply(payload any) {
	if !s.conn.Reply(payload) {
		logging.Warn().Uint64("client", s.conn.ID()).Msg("dropping reply for slow viewer")
	}
}

// replyError sends an error reply under the given command tag. Validation
// and provisioning failures carry their message through; storage failures
// are reported generically unless debug mode is on.
func (s *Session) replyError(cmd string, err error) {
	message := err.Error()
	if store.IsStorageError(err) && !s.debug {
		message = "a storage error has occurred"
		if store.IsTimeout(err) {
			message = "the query timed out"
		}
	}
	if store.IsStorageError(err) {
		logging.Error().Err(err).Uint64("client", s.conn.ID()).Msg("storage error on live connection")
	}
	s.reply(errorReply{Cmd: cmd, Error: message})
}
