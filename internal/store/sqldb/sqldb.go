// Package sqldb implements the relational storage provider on GORM with a
// driver switch covering SQLite, MySQL and PostgreSQL. It shares the row
// schema across dialects and keeps identical semantics to the other
// providers through the store package's composable validation helpers.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
)

// Provider is a relational provider over a GORM-managed database.
type Provider struct {
	db           *gorm.DB
	statsTimeout time.Duration
}

// Config selects the SQL driver and connection settings.
type Config struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver string

	// DSN is the driver-specific connection string (file path for sqlite).
	DSN string

	MaxOpenConns int
	MaxIdleConns int

	// StatsTimeout caps aggregate execution; zero uses the default.
	StatsTimeout time.Duration
}

// New opens the configured database and verifies the connection.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, store.NewError(store.KindConnection, "connect", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, store.NewError(store.KindConnection, "connect", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	timeout := cfg.StatsTimeout
	if timeout <= 0 {
		timeout = store.DefaultStatsTimeout
	}

	provider := &Provider{db: db, statsTimeout: timeout}
	if err := provider.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return provider, nil
}

func classify(op string, err error) *store.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.KindTimeout, op, err)
	case errors.Is(err, sql.ErrConnDone):
		return store.NewError(store.KindConnection, op, store.ErrClosed)
	default:
		return store.NewError(store.KindQuery, op, err)
	}
}

func (provider *Provider) Init(ctx context.Context, confirm store.ConfirmFunc) error {
	migrator := provider.db.WithContext(ctx).Migrator()

	if migrator.HasTable(&rtypeRow{}) {
		if confirm == nil || !confirm("existing database detected, delete and re-create?") {
			return nil
		}
		err := migrator.DropTable(&readingRow{}, &sensorRow{}, &rtypeRow{}, &groupRow{})
		if err != nil {
			return classify("init", err)
		}
	}

	if err := migrator.AutoMigrate(&groupRow{}, &rtypeRow{}, &sensorRow{}, &readingRow{}); err != nil {
		return classify("init", err)
	}

	for _, rtype := range model.SeedRTypes() {
		result := provider.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rtypeRow{RTypeID: rtype.RTypeID, Name: rtype.Name})
		if result.Error != nil {
			return classify("init", result.Error)
		}
	}
	return nil
}

func (provider *Provider) Close(context.Context) error {
	sqlDB, err := provider.db.DB()
	if err != nil {
		return classify("close", err)
	}
	return sqlDB.Close()
}

func (provider *Provider) Ping(ctx context.Context) error {
	sqlDB, err := provider.db.DB()
	if err != nil {
		return store.NewError(store.KindConnection, "ping", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return store.NewError(store.KindConnection, "ping", err)
	}
	return nil
}

func (provider *Provider) exists(ctx context.Context, op string, target any, query string, args ...any) (bool, error) {
	var count int64
	result := provider.db.WithContext(ctx).Model(target).Where(query, args...).Limit(1).Count(&count)
	if result.Error != nil {
		return false, classify(op, result.Error)
	}
	return count > 0, nil
}

func (provider *Provider) GroupExists(ctx context.Context, groupid int) (bool, error) {
	return provider.exists(ctx, "group exists", &groupRow{}, "groupid = ?", groupid)
}

func (provider *Provider) SensorExists(ctx context.Context, sensorid, groupid int) (bool, error) {
	return provider.exists(ctx, "sensor exists", &sensorRow{}, "sensorid = ? AND groupid = ?", sensorid, groupid)
}

func (provider *Provider) RTypeExists(ctx context.Context, rtypeid int) (bool, error) {
	return provider.exists(ctx, "rtype exists", &rtypeRow{}, "rtypeid = ?", rtypeid)
}

func (provider *Provider) ReadingExists(ctx context.Context, key model.Key) (bool, error) {
	return provider.exists(ctx, "reading exists", &readingRow{},
		"sensorid = ? AND groupid = ? AND rtypeid = ? AND ts = ?",
		key.SensorID, key.GroupID, key.RTypeID, key.TS)
}

func (provider *Provider) Groups(ctx context.Context) (store.Cursor[model.Group], error) {
	var rows []groupRow
	result := provider.db.WithContext(ctx).Order("groupid").Find(&rows)
	if result.Error != nil {
		return nil, classify("groups", result.Error)
	}

	groups := make([]model.Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, model.Group{GroupID: row.GroupID, Alias: row.Alias})
	}
	return store.NewSliceCursor(groups), nil
}

func (provider *Provider) RTypes(ctx context.Context) (store.Cursor[model.RType], error) {
	var rows []rtypeRow
	result := provider.db.WithContext(ctx).Order("rtypeid").Find(&rows)
	if result.Error != nil {
		return nil, classify("rtypes", result.Error)
	}

	rtypes := make([]model.RType, 0, len(rows))
	for _, row := range rows {
		rtypes = append(rtypes, model.RType{RTypeID: row.RTypeID, Name: row.Name})
	}
	return store.NewSliceCursor(rtypes), nil
}

func (provider *Provider) Sensors(ctx context.Context, groupid int) (store.Cursor[model.Sensor], error) {
	var rows []sensorRow
	result := provider.db.WithContext(ctx).Where("groupid = ?", groupid).Order("sensorid").Find(&rows)
	if result.Error != nil {
		return nil, classify("sensors", result.Error)
	}

	sensors := make([]model.Sensor, 0, len(rows))
	for _, row := range rows {
		sensors = append(sensors, model.Sensor{SensorID: row.SensorID, GroupID: row.GroupID, Alias: row.Alias})
	}
	return store.NewSliceCursor(sensors), nil
}

func (provider *Provider) InsertGroup(ctx context.Context, group model.Group) error {
	result := provider.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&groupRow{GroupID: group.GroupID, Alias: group.Alias})
	if result.Error != nil {
		return classify("insert group", result.Error)
	}
	return nil
}

func (provider *Provider) InsertSensor(ctx context.Context, sensor model.Sensor) error {
	result := provider.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sensorRow{SensorID: sensor.SensorID, GroupID: sensor.GroupID, Alias: sensor.Alias})
	if result.Error != nil {
		return classify("insert sensor", result.Error)
	}
	return nil
}

func (provider *Provider) InsertReading(ctx context.Context, reading model.Reading) error {
	if err := store.ValidateReading(reading); err != nil {
		return err
	}
	if err := store.EnsureProvisioned(ctx, provider, reading); err != nil {
		return err
	}

	result := provider.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newReadingRow(reading))
	if result.Error != nil {
		return classify("insert reading", result.Error)
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
		rows := make([]readingRow, 0, len(chunk))
		for _, reading := range chunk {
			rows = append(rows, *newReadingRow(reading))
		}
		result := provider.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows)
		if result.Error != nil {
			return classify("insert readings", result.Error)
		}
	}
	return nil
}

func (provider *Provider) deleteWhere(ctx context.Context, op string, target any, query string, args ...any) (int64, error) {
	result := provider.db.WithContext(ctx).Where(query, args...).Delete(target)
	if result.Error != nil {
		return 0, classify(op, result.Error)
	}
	return result.RowsAffected, nil
}

func (provider *Provider) DeleteGroup(ctx context.Context, groupid int) (int64, error) {
	var removed int64
	for _, target := range []any{&readingRow{}, &sensorRow{}, &groupRow{}} {
		count, err := provider.deleteWhere(ctx, "delete group", target, "groupid = ?", groupid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteSensor(ctx context.Context, sensorid, groupid int) (int64, error) {
	var removed int64
	for _, target := range []any{&readingRow{}, &sensorRow{}} {
		count, err := provider.deleteWhere(ctx, "delete sensor", target,
			"sensorid = ? AND groupid = ?", sensorid, groupid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteRType(ctx context.Context, rtypeid int) (int64, error) {
	var removed int64
	for _, target := range []any{&readingRow{}, &rtypeRow{}} {
		count, err := provider.deleteWhere(ctx, "delete rtype", target, "rtypeid = ?", rtypeid)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteReading(ctx context.Context, key model.Key) (int64, error) {
	return provider.deleteWhere(ctx, "delete reading", &readingRow{},
		"sensorid = ? AND groupid = ? AND rtypeid = ? AND ts = ?",
		key.SensorID, key.GroupID, key.RTypeID, key.TS)
}

func (provider *Provider) Readings(ctx context.Context, sensorid, groupid, rtypeid, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = store.BatchSize
	}

	query := provider.db.WithContext(ctx).
		Where("sensorid = ? AND groupid = ?", sensorid, groupid).
		Order("ts DESC").Order("rtypeid").
		Limit(limit)
	if rtypeid != model.AnyRType {
		query = query.Where("rtypeid = ?", rtypeid)
	}

	var rows []readingRow
	if result := query.Find(&rows); result.Error != nil {
		return nil, classify("readings", result.Error)
	}

	readings := make([]model.Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.reading())
	}
	return readings, nil
}

func (provider *Provider) ReadingsInRange(ctx context.Context, sensorid, groupid int, start, end int64) (store.Cursor[model.Reading], error) {
	rows, err := provider.db.WithContext(ctx).Model(&readingRow{}).
		Where("sensorid = ? AND groupid = ? AND ts BETWEEN ? AND ?", sensorid, groupid, start, end).
		Order("ts").Order("rtypeid").
		Rows()
	if err != nil {
		return nil, classify("readings in range", err)
	}
	return &rangeCursor{db: provider.db, rows: rows}, nil
}

// rangeCursor streams the export query through the underlying sql.Rows so
// the result set never materializes in memory.
type rangeCursor struct {
	db      *gorm.DB
	rows    *sql.Rows
	current model.Reading
	err     error
}

func (c *rangeCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = classify("readings in range", err)
		}
		return false
	}

	var row readingRow
	if err := c.db.ScanRows(c.rows, &row); err != nil {
		c.err = classify("readings in range", err)
		return false
	}
	c.current = row.reading()
	return true
}

func (c *rangeCursor) Record() model.Reading { return c.current }

func (c *rangeCursor) Err() error { return c.err }

func (c *rangeCursor) Close(context.Context) error {
	return c.rows.Close()
}

func (provider *Provider) Stats(ctx context.Context, scope store.Scope, sensorid, groupid, rtypeid int, start, end int64) (store.Stats, error) {
	statsCtx, cancel := context.WithTimeout(ctx, provider.statsTimeout)
	defer cancel()

	query := provider.db.WithContext(statsCtx).Model(&readingRow{}).
		Select("COALESCE(MIN(val), 0) AS min, COALESCE(MAX(val), 0) AS max, COALESCE(AVG(val), 0) AS avg").
		Where("groupid = ? AND rtypeid = ? AND ts BETWEEN ? AND ?", groupid, rtypeid, start, end)
	if scope == store.ScopeSensor {
		query = query.Where("sensorid = ?", sensorid)
	}

	var stats store.Stats
	if result := query.Scan(&stats); result.Error != nil {
		return store.Stats{}, classify("stats", result.Error)
	}
	return stats, nil
}

func (provider *Provider) MaxSensorID(ctx context.Context, groupid int) (int, error) {
	var maxID int
	result := provider.db.WithContext(ctx).Model(&sensorRow{}).
		Select("COALESCE(MAX(sensorid), -1)").
		Where("groupid = ?", groupid).
		Scan(&maxID)
	if result.Error != nil {
		return model.NoID, classify("max sensor id", result.Error)
	}
	return maxID, nil
}

func (provider *Provider) MaxGroupID(ctx context.Context) (int, error) {
	var maxID int
	result := provider.db.WithContext(ctx).Model(&groupRow{}).
		Select("COALESCE(MAX(groupid), -1)").
		Scan(&maxID)
	if result.Error != nil {
		return model.NoID, classify("max group id", result.Error)
	}
	return maxID, nil
}

var _ store.Provider = (*Provider)(nil)
