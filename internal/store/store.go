// Package store defines the storage provider contract shared by the
// document, relational and in-memory backends, along with the cursor
// abstraction, the error taxonomy and the validation helpers the concrete
// providers compose.
package store

import (
	"context"
	"time"

	"github.com/gollum18/senslify-web/internal/model"
)

// BatchSize bounds the number of readings written in a single backend call.
// InsertReadings chunks larger batches transparently.
const BatchSize = 100

// DefaultStatsTimeout is the server-side execution cap applied to
// aggregation queries. Exceeding it surfaces as a KindTimeout error, never
// as an indefinite hang.
const DefaultStatsTimeout = 2500 * time.Millisecond

// Scope selects the aggregation target for Stats.
type Scope string

const (
	ScopeGroup  Scope = "group"
	ScopeSensor Scope = "sensor"
)

// Stats holds the result of a statistical aggregation. A window with no
// matching readings yields the zero value rather than an error.
type Stats struct {
	Min float64 `json:"min" bson:"min"`
	Max float64 `json:"max" bson:"max"`
	Avg float64 `json:"avg" bson:"avg"`
}

// ConfirmFunc asks for explicit confirmation before destructive
// re-initialization of an existing database.
type ConfirmFunc func(prompt string) bool

// Cursor is a pull-based, finite iteration over query results. A cursor is
// not restartable; re-issue the query for a fresh pass. Callers must Close
// the cursor and check Err after Next returns false.
type Cursor[T any] interface {
	// Next advances to the next record, reporting false at the end of the
	// sequence or on error.
	Next(ctx context.Context) bool

	// Record returns the record Next advanced to.
	Record() T

	// Err returns the error that terminated iteration, if any.
	Err() error

	// Close releases backend resources held by the cursor.
	Close(ctx context.Context) error
}

// Provider is the uniform storage contract. All operations fail with a
// *store.Error when the connection is closed, on backend I/O failure, or on
// an exceeded execution-time budget. Enumeration never fails on absence: an
// unknown id yields an empty cursor.
type Provider interface {
	// Init provisions the schema, indexes and the seeded reading types.
	// If the target database already exists, confirm is consulted before
	// destructive re-creation; declining leaves existing data untouched
	// and returns nil.
	Init(ctx context.Context, confirm ConfirmFunc) error

	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	GroupExists(ctx context.Context, groupid int) (bool, error)
	SensorExists(ctx context.Context, sensorid, groupid int) (bool, error)
	RTypeExists(ctx context.Context, rtypeid int) (bool, error)
	ReadingExists(ctx context.Context, key model.Key) (bool, error)

	Groups(ctx context.Context) (Cursor[model.Group], error)
	RTypes(ctx context.Context) (Cursor[model.RType], error)
	Sensors(ctx context.Context, groupid int) (Cursor[model.Sensor], error)

	// InsertGroup and InsertSensor are idempotent on the entity key.
	InsertGroup(ctx context.Context, group model.Group) error
	InsertSensor(ctx context.Context, sensor model.Sensor) error

	// InsertReading persists one reading. The referenced reading type must
	// already exist (NotProvisionedError otherwise); a missing sensor or
	// group is created as a side effect of the write.
	InsertReading(ctx context.Context, reading model.Reading) error

	// InsertReadings persists a batch with the same semantics as
	// InsertReading, chunked at BatchSize.
	InsertReadings(ctx context.Context, readings []model.Reading) error

	// DeleteGroup removes a group, its sensors and their readings,
	// returning the total number of records removed.
	DeleteGroup(ctx context.Context, groupid int) (int64, error)

	// DeleteSensor removes a sensor and its readings.
	DeleteSensor(ctx context.Context, sensorid, groupid int) (int64, error)

	// DeleteRType removes a reading type and every reading of that type.
	DeleteRType(ctx context.Context, rtypeid int) (int64, error)

	DeleteReading(ctx context.Context, key model.Key) (int64, error)

	// Readings returns up to limit most-recent readings, newest first.
	// Pass model.AnyRType as rtypeid to skip the type filter.
	Readings(ctx context.Context, sensorid, groupid, rtypeid, limit int) ([]model.Reading, error)

	// ReadingsInRange streams readings with start <= ts <= end, used for
	// bulk export.
	ReadingsInRange(ctx context.Context, sensorid, groupid int, start, end int64) (Cursor[model.Reading], error)

	// Stats computes min/max/avg over the window. ScopeSensor targets one
	// sensor; ScopeGroup aggregates over every sensor in the group.
	Stats(ctx context.Context, scope Scope, sensorid, groupid, rtypeid int, start, end int64) (Stats, error)

	// MaxSensorID returns the current maximum sensor id within the group,
	// or model.NoID when the group has no sensors.
	MaxSensorID(ctx context.Context, groupid int) (int, error)

	// MaxGroupID returns the current maximum group id, or model.NoID when
	// no groups exist.
	MaxGroupID(ctx context.Context) (int, error)
}

// sliceCursor adapts an already-materialized result set to the Cursor
// contract. Used by the in-memory provider and by backends whose driver
// cursors do not outlive the query call.
type sliceCursor[T any] struct {
	records []T
	pos     int
	current T
}

// NewSliceCursor wraps records in a Cursor.
func NewSliceCursor[T any](records []T) Cursor[T] {
	return &sliceCursor[T]{records: records}
}

func (c *sliceCursor[T]) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos >= len(c.records) {
		return false
	}
	c.current = c.records[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor[T]) Record() T { return c.current }

func (c *sliceCursor[T]) Err() error { return nil }

func (c *sliceCursor[T]) Close(context.Context) error { return nil }

// Collect drains a cursor into a slice, closing it afterwards.
func Collect[T any](ctx context.Context, cursor Cursor[T]) ([]T, error) {
	defer func() { _ = cursor.Close(ctx) }()

	var records []T
	for cursor.Next(ctx) {
		records = append(records, cursor.Record())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
