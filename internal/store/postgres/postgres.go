// Package postgres implements the relational storage provider on PostgreSQL
// via pgx. Statistics run as SQL aggregates under a per-statement execution
// cap; every reading-lookup path is covered by an index on the composite
// natural key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
)

// pgQueryCanceled is raised when statement_timeout cancels an aggregate.
const pgQueryCanceled = "57014"

// Provider is a relational provider backed by a pgx connection pool.
type Provider struct {
	pool         *pgxpool.Pool
	statsTimeout time.Duration
}

// Option adjusts provider construction.
type Option func(*Provider)

// WithStatsTimeout overrides the statement timeout applied to aggregates.
func WithStatsTimeout(timeout time.Duration) Option {
	return func(provider *Provider) {
		if timeout > 0 {
			provider.statsTimeout = timeout
		}
	}
}

// New connects a pool to the database and verifies the connection.
func New(ctx context.Context, databaseURL string, maxConns int32, opts ...Option) (*Provider, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, store.NewError(store.KindConnection, "connect", fmt.Errorf("parse database url: %w", err))
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, store.NewError(store.KindConnection, "connect", err)
	}

	provider := &Provider{pool: pool, statsTimeout: store.DefaultStatsTimeout}
	for _, opt := range opts {
		opt(provider)
	}

	if err := provider.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return provider, nil
}

func classify(op string, err error) *store.Error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled:
		return store.NewError(store.KindTimeout, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.KindTimeout, op, err)
	case errors.Is(err, puddle.ErrClosedPool):
		return store.NewError(store.KindConnection, op, store.ErrClosed)
	default:
		return store.NewError(store.KindQuery, op, err)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS groups (
  groupid BIGINT PRIMARY KEY,
  alias   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rtypes (
  rtypeid BIGINT PRIMARY KEY,
  name    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sensors (
  sensorid BIGINT NOT NULL,
  groupid  BIGINT NOT NULL,
  alias    TEXT NOT NULL,
  PRIMARY KEY (sensorid, groupid)
);

CREATE TABLE IF NOT EXISTS readings (
  sensorid BIGINT NOT NULL,
  groupid  BIGINT NOT NULL,
  rtypeid  BIGINT NOT NULL,
  ts       BIGINT NOT NULL,
  val      DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (sensorid, groupid, rtypeid, ts)
);

CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(sensorid, groupid, ts DESC);
CREATE INDEX IF NOT EXISTS idx_readings_group_type_ts ON readings(groupid, rtypeid, ts);
`

func (provider *Provider) Init(ctx context.Context, confirm store.ConfirmFunc) error {
	var initialized bool
	err := provider.pool.QueryRow(ctx, `SELECT to_regclass('rtypes') IS NOT NULL`).Scan(&initialized)
	if err != nil {
		return classify("init", err)
	}

	if initialized {
		if confirm == nil || !confirm("existing database detected, delete and re-create?") {
			return nil
		}
		_, err := provider.pool.Exec(ctx, `DROP TABLE IF EXISTS readings, sensors, rtypes, groups`)
		if err != nil {
			return classify("init", err)
		}
	}

	if _, err := provider.pool.Exec(ctx, schema); err != nil {
		return classify("init", err)
	}
	for _, rtype := range model.SeedRTypes() {
		_, err := provider.pool.Exec(ctx,
			`INSERT INTO rtypes (rtypeid, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			rtype.RTypeID, rtype.Name)
		if err != nil {
			return classify("init", err)
		}
	}
	return nil
}

func (provider *Provider) Close(context.Context) error {
	provider.pool.Close()
	return nil
}

func (provider *Provider) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := provider.pool.Ping(pingCtx); err != nil {
		return store.NewError(store.KindConnection, "ping", err)
	}
	return nil
}

func (provider *Provider) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	var found bool
	if err := provider.pool.QueryRow(ctx, query, args...).Scan(&found); err != nil {
		return false, classify(op, err)
	}
	return found, nil
}

func (provider *Provider) GroupExists(ctx context.Context, groupid int) (bool, error) {
	return provider.exists(ctx, "group exists",
		`SELECT EXISTS (SELECT 1 FROM groups WHERE groupid = $1)`, groupid)
}

func (provider *Provider) SensorExists(ctx context.Context, sensorid, groupid int) (bool, error) {
	return provider.exists(ctx, "sensor exists",
		`SELECT EXISTS (SELECT 1 FROM sensors WHERE sensorid = $1 AND groupid = $2)`, sensorid, groupid)
}

func (provider *Provider) RTypeExists(ctx context.Context, rtypeid int) (bool, error) {
	return provider.exists(ctx, "rtype exists",
		`SELECT EXISTS (SELECT 1 FROM rtypes WHERE rtypeid = $1)`, rtypeid)
}

func (provider *Provider) ReadingExists(ctx context.Context, key model.Key) (bool, error) {
	return provider.exists(ctx, "reading exists",
		`SELECT EXISTS (SELECT 1 FROM readings WHERE sensorid = $1 AND groupid = $2 AND rtypeid = $3 AND ts = $4)`,
		key.SensorID, key.GroupID, key.RTypeID, key.TS)
}

// rowsCursor adapts pgx rows to the store.Cursor contract.
type rowsCursor[T any] struct {
	rows    pgx.Rows
	op      string
	scan    func(pgx.Rows) (T, error)
	current T
	err     error
}

func (c *rowsCursor[T]) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = classify(c.op, err)
		}
		return false
	}
	record, err := c.scan(c.rows)
	if err != nil {
		c.err = classify(c.op, err)
		return false
	}
	c.current = record
	return true
}

func (c *rowsCursor[T]) Record() T { return c.current }

func (c *rowsCursor[T]) Err() error { return c.err }

func (c *rowsCursor[T]) Close(context.Context) error {
	c.rows.Close()
	return nil
}

func scanGroup(rows pgx.Rows) (model.Group, error) {
	var group model.Group
	err := rows.Scan(&group.GroupID, &group.Alias)
	return group, err
}

func scanSensor(rows pgx.Rows) (model.Sensor, error) {
	var sensor model.Sensor
	err := rows.Scan(&sensor.SensorID, &sensor.GroupID, &sensor.Alias)
	return sensor, err
}

func scanRType(rows pgx.Rows) (model.RType, error) {
	var rtype model.RType
	err := rows.Scan(&rtype.RTypeID, &rtype.Name)
	return rtype, err
}

func scanReading(rows pgx.Rows) (model.Reading, error) {
	var reading model.Reading
	err := rows.Scan(&reading.SensorID, &reading.GroupID, &reading.RTypeID, &reading.TS, &reading.Val)
	return reading, err
}

func (provider *Provider) query(ctx context.Context, op, query string, args ...any) (pgx.Rows, error) {
	rows, err := provider.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

func (provider *Provider) Groups(ctx context.Context) (store.Cursor[model.Group], error) {
	rows, err := provider.query(ctx, "groups", `SELECT groupid, alias FROM groups ORDER BY groupid`)
	if err != nil {
		return nil, err
	}
	return &rowsCursor[model.Group]{rows: rows, op: "groups", scan: scanGroup}, nil
}

func (provider *Provider) RTypes(ctx context.Context) (store.Cursor[model.RType], error) {
	rows, err := provider.query(ctx, "rtypes", `SELECT rtypeid, name FROM rtypes ORDER BY rtypeid`)
	if err != nil {
		return nil, err
	}
	return &rowsCursor[model.RType]{rows: rows, op: "rtypes", scan: scanRType}, nil
}

func (provider *Provider) Sensors(ctx context.Context, groupid int) (store.Cursor[model.Sensor], error) {
	rows, err := provider.query(ctx, "sensors",
		`SELECT sensorid, groupid, alias FROM sensors WHERE groupid = $1 ORDER BY sensorid`, groupid)
	if err != nil {
		return nil, err
	}
	return &rowsCursor[model.Sensor]{rows: rows, op: "sensors", scan: scanSensor}, nil
}

func (provider *Provider) InsertGroup(ctx context.Context, group model.Group) error {
	_, err := provider.pool.Exec(ctx,
		`INSERT INTO groups (groupid, alias) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		group.GroupID, group.Alias)
	if err != nil {
		return classify("insert group", err)
	}
	return nil
}

func (provider *Provider) InsertSensor(ctx context.Context, sensor model.Sensor) error {
	_, err := provider.pool.Exec(ctx,
		`INSERT INTO sensors (sensorid, groupid, alias) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		sensor.SensorID, sensor.GroupID, sensor.Alias)
	if err != nil {
		return classify("insert sensor", err)
	}
	return nil
}

const insertReadingSQL = `
INSERT INTO readings (sensorid, groupid, rtypeid, ts, val)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING
`

func (provider *Provider) InsertReading(ctx context.Context, reading model.Reading) error {
	if err := store.ValidateReading(reading); err != nil {
		return err
	}
	if err := store.EnsureProvisioned(ctx, provider, reading); err != nil {
		return err
	}

	_, err := provider.pool.Exec(ctx, insertReadingSQL,
		reading.SensorID, reading.GroupID, reading.RTypeID, reading.TS, reading.Val)
	if err != nil {
		return classify("insert reading", err)
	}
	return nil
}

func (provider *Provider) InsertReadings(ctx context.Context, readings []model.Reading) error {
	if err := store.ValidateReadings(readings); err != nil {
		return err
	}
	if err := store.EnsureProvisionedBatch(ctx, provider, readings); err != nil {
		return err
	}

	for _, chunk := range store.Chunk(readings) {
		batch := &pgx.Batch{}
		for _, reading := range chunk {
			batch.Queue(insertReadingSQL,
				reading.SensorID, reading.GroupID, reading.RTypeID, reading.TS, reading.Val)
		}
		if err := provider.pool.SendBatch(ctx, batch).Close(); err != nil {
			return classify("insert readings", err)
		}
	}
	return nil
}

func (provider *Provider) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := provider.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	return tag.RowsAffected(), nil
}

func (provider *Provider) DeleteGroup(ctx context.Context, groupid int) (int64, error) {
	var removed int64
	for _, query := range []string{
		`DELETE FROM readings WHERE groupid = $1`,
		`DELETE FROM sensors WHERE groupid = $1`,
		`DELETE FROM groups WHERE groupid = $1`,
	} {
		count, err := provider.execCount(ctx, "delete group", query, groupid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteSensor(ctx context.Context, sensorid, groupid int) (int64, error) {
	var removed int64
	for _, query := range []string{
		`DELETE FROM readings WHERE sensorid = $1 AND groupid = $2`,
		`DELETE FROM sensors WHERE sensorid = $1 AND groupid = $2`,
	} {
		count, err := provider.execCount(ctx, "delete sensor", query, sensorid, groupid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteRType(ctx context.Context, rtypeid int) (int64, error) {
	var removed int64
	for _, query := range []string{
		`DELETE FROM readings WHERE rtypeid = $1`,
		`DELETE FROM rtypes WHERE rtypeid = $1`,
	} {
		count, err := provider.execCount(ctx, "delete rtype", query, rtypeid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteReading(ctx context.Context, key model.Key) (int64, error) {
	return provider.execCount(ctx, "delete reading",
		`DELETE FROM readings WHERE sensorid = $1 AND groupid = $2 AND rtypeid = $3 AND ts = $4`,
		key.SensorID, key.GroupID, key.RTypeID, key.TS)
}

func (provider *Provider) Readings(ctx context.Context, sensorid, groupid, rtypeid, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = store.BatchSize
	}

	query := `
SELECT sensorid, groupid, rtypeid, ts, val FROM readings
WHERE sensorid = $1 AND groupid = $2
ORDER BY ts DESC, rtypeid
LIMIT $3`
	args := []any{sensorid, groupid, limit}
	if rtypeid != model.AnyRType {
		query = `
SELECT sensorid, groupid, rtypeid, ts, val FROM readings
WHERE sensorid = $1 AND groupid = $2 AND rtypeid = $3
ORDER BY ts DESC
LIMIT $4`
		args = []any{sensorid, groupid, rtypeid, limit}
	}

	rows, err := provider.query(ctx, "readings", query, args...)
	if err != nil {
		return nil, err
	}
	cursor := &rowsCursor[model.Reading]{rows: rows, op: "readings", scan: scanReading}
	return store.Collect(ctx, cursor)
}

func (provider *Provider) ReadingsInRange(ctx context.Context, sensorid, groupid int, start, end int64) (store.Cursor[model.Reading], error) {
	rows, err := provider.query(ctx, "readings in range", `
SELECT sensorid, groupid, rtypeid, ts, val FROM readings
WHERE sensorid = $1 AND groupid = $2 AND ts BETWEEN $3 AND $4
ORDER BY ts, rtypeid`, sensorid, groupid, start, end)
	if err != nil {
		return nil, err
	}
	return &rowsCursor[model.Reading]{rows: rows, op: "readings in range", scan: scanReading}, nil
}

func (provider *Provider) Stats(ctx context.Context, scope store.Scope, sensorid, groupid, rtypeid int, start, end int64) (store.Stats, error) {
	query := `
SELECT COALESCE(MIN(val), 0), COALESCE(MAX(val), 0), COALESCE(AVG(val), 0)
FROM readings
WHERE groupid = $1 AND rtypeid = $2 AND ts BETWEEN $3 AND $4`
	args := []any{groupid, rtypeid, start, end}
	if scope == store.ScopeSensor {
		query += ` AND sensorid = $5`
		args = append(args, sensorid)
	}

	// The timeout is enforced server side so a runaway aggregate cannot
	// hold the connection past its budget.
	tx, err := provider.pool.Begin(ctx)
	if err != nil {
		return store.Stats{}, classify("stats", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", provider.statsTimeout.Milliseconds()))
	if err != nil {
		return store.Stats{}, classify("stats", err)
	}

	var stats store.Stats
	if err := tx.QueryRow(ctx, query, args...).Scan(&stats.Min, &stats.Max, &stats.Avg); err != nil {
		return store.Stats{}, classify("stats", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Stats{}, classify("stats", err)
	}
	return stats, nil
}

func (provider *Provider) maxID(ctx context.Context, op, query string, args ...any) (int, error) {
	var maxID int
	if err := provider.pool.QueryRow(ctx, query, args...).Scan(&maxID); err != nil {
		return model.NoID, classify(op, err)
	}
	return maxID, nil
}

func (provider *Provider) MaxSensorID(ctx context.Context, groupid int) (int, error) {
	return provider.maxID(ctx, "max sensor id",
		`SELECT COALESCE(MAX(sensorid), -1) FROM sensors WHERE groupid = $1`, groupid)
}

func (provider *Provider) MaxGroupID(ctx context.Context) (int, error) {
	return provider.maxID(ctx, "max group id", `SELECT COALESCE(MAX(groupid), -1) FROM groups`)
}

var _ store.Provider = (*Provider)(nil)
