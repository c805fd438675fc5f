// Package mongo implements the document-oriented storage provider on
// MongoDB. Entities live in four collections (groups, sensors, rtypes,
// readings) with unique indexes on their natural keys; statistics run as an
// aggregation pipeline with a server-side execution cap.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
)

const (
	collGroups   = "groups"
	collSensors  = "sensors"
	collRTypes   = "rtypes"
	collReadings = "readings"
)

// Provider is a document-store provider backed by a MongoDB database.
type Provider struct {
	client       *mongo.Client
	database     string
	statsTimeout time.Duration
}

// Option adjusts provider construction.
type Option func(*Provider)

// WithStatsTimeout overrides the server-side aggregation cap.
func WithStatsTimeout(timeout time.Duration) Option {
	return func(provider *Provider) {
		if timeout > 0 {
			provider.statsTimeout = timeout
		}
	}
}

// New connects to MongoDB and verifies the connection.
func New(ctx context.Context, uri, database string, opts ...Option) (*Provider, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, store.NewError(store.KindConnection, "connect", err)
	}

	provider := &Provider{
		client:       client,
		database:     database,
		statsTimeout: store.DefaultStatsTimeout,
	}
	for _, opt := range opts {
		opt(provider)
	}

	if err := provider.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return provider, nil
}

func (provider *Provider) db() *mongo.Database {
	return provider.client.Database(provider.database)
}

// classify maps driver failures onto the storage error taxonomy.
func classify(op string, err error) *store.Error {
	switch {
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.KindTimeout, op, err)
	case errors.Is(err, mongo.ErrClientDisconnected):
		return store.NewError(store.KindConnection, op, store.ErrClosed)
	default:
		return store.NewError(store.KindQuery, op, err)
	}
}

func (provider *Provider) Init(ctx context.Context, confirm store.ConfirmFunc) error {
	names, err := provider.db().ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return classify("init", err)
	}

	if len(names) > 0 {
		if confirm == nil || !confirm("existing database detected, delete and re-create?") {
			return nil
		}
		if err := provider.db().Drop(ctx); err != nil {
			return classify("init", err)
		}
	}

	indexes := map[string]mongo.IndexModel{
		collGroups: {
			Keys:    bson.D{{Key: "groupid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		collRTypes: {
			Keys:    bson.D{{Key: "rtypeid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		collSensors: {
			Keys:    bson.D{{Key: "sensorid", Value: 1}, {Key: "groupid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		collReadings: {
			Keys: bson.D{
				{Key: "sensorid", Value: 1},
				{Key: "groupid", Value: 1},
				{Key: "rtypeid", Value: 1},
				{Key: "ts", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	}
	for name, index := range indexes {
		if _, err := provider.db().Collection(name).Indexes().CreateOne(ctx, index); err != nil {
			return classify("init", err)
		}
	}

	seed := make([]interface{}, 0, 5)
	for _, rtype := range model.SeedRTypes() {
		seed = append(seed, rtype)
	}
	if _, err := provider.db().Collection(collRTypes).InsertMany(ctx, seed); err != nil {
		return classify("init", err)
	}
	return nil
}

func (provider *Provider) Close(ctx context.Context) error {
	if err := provider.client.Disconnect(ctx); err != nil {
		return classify("close", err)
	}
	return nil
}

func (provider *Provider) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := provider.client.Ping(pingCtx, nil); err != nil {
		return store.NewError(store.KindConnection, "ping", err)
	}
	return nil
}

func (provider *Provider) exists(ctx context.Context, op, collection string, filter bson.D) (bool, error) {
	count, err := provider.db().Collection(collection).CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, classify(op, err)
	}
	return count > 0, nil
}

func (provider *Provider) GroupExists(ctx context.Context, groupid int) (bool, error) {
	return provider.exists(ctx, "group exists", collGroups, bson.D{{Key: "groupid", Value: groupid}})
}

func (provider *Provider) SensorExists(ctx context.Context, sensorid, groupid int) (bool, error) {
	return provider.exists(ctx, "sensor exists", collSensors,
		bson.D{{Key: "sensorid", Value: sensorid}, {Key: "groupid", Value: groupid}})
}

func (provider *Provider) RTypeExists(ctx context.Context, rtypeid int) (bool, error) {
	return provider.exists(ctx, "rtype exists", collRTypes, bson.D{{Key: "rtypeid", Value: rtypeid}})
}

func (provider *Provider) ReadingExists(ctx context.Context, key model.Key) (bool, error) {
	return provider.exists(ctx, "reading exists", collReadings, readingFilter(key))
}

func readingFilter(key model.Key) bson.D {
	return bson.D{
		{Key: "sensorid", Value: key.SensorID},
		{Key: "groupid", Value: key.GroupID},
		{Key: "rtypeid", Value: key.RTypeID},
		{Key: "ts", Value: key.TS},
	}
}

// cursor adapts a mongo cursor to the store.Cursor contract.
type cursor[T any] struct {
	inner   *mongo.Cursor
	op      string
	current T
	err     error
}

func (c *cursor[T]) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.inner.Next(ctx) {
		if err := c.inner.Err(); err != nil {
			c.err = classify(c.op, err)
		}
		return false
	}
	var record T
	if err := c.inner.Decode(&record); err != nil {
		c.err = classify(c.op, err)
		return false
	}
	c.current = record
	return true
}

func (c *cursor[T]) Record() T { return c.current }

func (c *cursor[T]) Err() error { return c.err }

func (c *cursor[T]) Close(ctx context.Context) error {
	if err := c.inner.Close(ctx); err != nil {
		return classify(c.op, err)
	}
	return nil
}

func find[T any](ctx context.Context, provider *Provider, op, collection string, filter bson.D, opts ...*options.FindOptions) (store.Cursor[T], error) {
	opts = append(opts, options.Find().SetBatchSize(store.BatchSize))
	inner, err := provider.db().Collection(collection).Find(ctx, filter, opts...)
	if err != nil {
		return nil, classify(op, err)
	}
	return &cursor[T]{inner: inner, op: op}, nil
}

func (provider *Provider) Groups(ctx context.Context) (store.Cursor[model.Group], error) {
	return find[model.Group](ctx, provider, "groups", collGroups, bson.D{},
		options.Find().SetSort(bson.D{{Key: "groupid", Value: 1}}))
}

func (provider *Provider) RTypes(ctx context.Context) (store.Cursor[model.RType], error) {
	return find[model.RType](ctx, provider, "rtypes", collRTypes, bson.D{},
		options.Find().SetSort(bson.D{{Key: "rtypeid", Value: 1}}))
}

func (provider *Provider) Sensors(ctx context.Context, groupid int) (store.Cursor[model.Sensor], error) {
	return find[model.Sensor](ctx, provider, "sensors", collSensors,
		bson.D{{Key: "groupid", Value: groupid}},
		options.Find().SetSort(bson.D{{Key: "sensorid", Value: 1}}))
}

func (provider *Provider) upsert(ctx context.Context, op, collection string, filter bson.D, record interface{}) error {
	_, err := provider.db().Collection(collection).UpdateOne(ctx, filter,
		bson.D{{Key: "$setOnInsert", Value: record}}, options.Update().SetUpsert(true))
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (provider *Provider) InsertGroup(ctx context.Context, group model.Group) error {
	return provider.upsert(ctx, "insert group", collGroups,
		bson.D{{Key: "groupid", Value: group.GroupID}}, group)
}

func (provider *Provider) InsertSensor(ctx context.Context, sensor model.Sensor) error {
	return provider.upsert(ctx, "insert sensor", collSensors,
		bson.D{{Key: "sensorid", Value: sensor.SensorID}, {Key: "groupid", Value: sensor.GroupID}}, sensor)
}

func (provider *Provider) InsertReading(ctx context.Context, reading model.Reading) error {
	if err := store.ValidateReading(reading); err != nil {
		return err
	}
	if err := store.EnsureProvisioned(ctx, provider, reading); err != nil {
		return err
	}

	_, err := provider.db().Collection(collReadings).InsertOne(ctx, reading)
	if err != nil {
		// Readings are append-only on a natural key; a duplicate write is
		// a no-op, not a failure.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
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
		documents := make([]interface{}, 0, len(chunk))
		for _, reading := range chunk {
			documents = append(documents, reading)
		}
		_, err := provider.db().Collection(collReadings).InsertMany(ctx, documents,
			options.InsertMany().SetOrdered(false))
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return classify("insert readings", err)
		}
	}
	return nil
}

func (provider *Provider) deleteMany(ctx context.Context, op, collection string, filter bson.D) (int64, error) {
	result, err := provider.db().Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, classify(op, err)
	}
	return result.DeletedCount, nil
}

func (provider *Provider) DeleteGroup(ctx context.Context, groupid int) (int64, error) {
	var removed int64
	for _, target := range []string{collReadings, collSensors, collGroups} {
		count, err := provider.deleteMany(ctx, "delete group", target, bson.D{{Key: "groupid", Value: groupid}})
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteSensor(ctx context.Context, sensorid, groupid int) (int64, error) {
	filter := bson.D{{Key: "sensorid", Value: sensorid}, {Key: "groupid", Value: groupid}}
	var removed int64
	for _, target := range []string{collReadings, collSensors} {
		count, err := provider.deleteMany(ctx, "delete sensor", target, filter)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteRType(ctx context.Context, rtypeid int) (int64, error) {
	filter := bson.D{{Key: "rtypeid", Value: rtypeid}}
	var removed int64
	for _, target := range []string{collReadings, collRTypes} {
		count, err := provider.deleteMany(ctx, "delete rtype", target, filter)
		if err != nil {
			return removed, err
		}
		removed += count
	}
	return removed, nil
}

func (provider *Provider) DeleteReading(ctx context.Context, key model.Key) (int64, error) {
	return provider.deleteMany(ctx, "delete reading", collReadings, readingFilter(key))
}

func (provider *Provider) Readings(ctx context.Context, sensorid, groupid, rtypeid, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = store.BatchSize
	}

	filter := bson.D{{Key: "sensorid", Value: sensorid}, {Key: "groupid", Value: groupid}}
	if rtypeid != model.AnyRType {
		filter = append(filter, bson.E{Key: "rtypeid", Value: rtypeid})
	}

	cursor, err := find[model.Reading](ctx, provider, "readings", collReadings, filter,
		options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return store.Collect(ctx, cursor)
}

func (provider *Provider) ReadingsInRange(ctx context.Context, sensorid, groupid int, start, end int64) (store.Cursor[model.Reading], error) {
	filter := bson.D{
		{Key: "sensorid", Value: sensorid},
		{Key: "groupid", Value: groupid},
		{Key: "ts", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lte", Value: end}}},
	}
	return find[model.Reading](ctx, provider, "readings in range", collReadings, filter,
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}}))
}

func (provider *Provider) Stats(ctx context.Context, scope store.Scope, sensorid, groupid, rtypeid int, start, end int64) (store.Stats, error) {
	match := bson.D{
		{Key: "groupid", Value: groupid},
		{Key: "rtypeid", Value: rtypeid},
		{Key: "ts", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lte", Value: end}}},
	}
	if scope == store.ScopeSensor {
		match = append(match, bson.E{Key: "sensorid", Value: sensorid})
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "min", Value: bson.D{{Key: "$min", Value: "$val"}}},
			{Key: "max", Value: bson.D{{Key: "$max", Value: "$val"}}},
			{Key: "avg", Value: bson.D{{Key: "$avg", Value: "$val"}}},
		}}},
	}

	inner, err := provider.db().Collection(collReadings).Aggregate(ctx, pipeline,
		options.Aggregate().SetMaxTime(provider.statsTimeout))
	if err != nil {
		return store.Stats{}, classify("stats", err)
	}
	defer func() { _ = inner.Close(ctx) }()

	if !inner.Next(ctx) {
		if err := inner.Err(); err != nil {
			return store.Stats{}, classify("stats", err)
		}
		// No readings matched the window.
		return store.Stats{}, nil
	}

	var stats store.Stats
	if err := inner.Decode(&stats); err != nil {
		return store.Stats{}, classify("stats", err)
	}
	return stats, nil
}

func (provider *Provider) maxID(ctx context.Context, op, collection, field string, filter bson.D) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: field, Value: -1}})
	var record bson.M
	err := provider.db().Collection(collection).FindOne(ctx, filter, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.NoID, nil
		}
		return model.NoID, classify(op, err)
	}

	switch value := record[field].(type) {
	case int32:
		return int(value), nil
	case int64:
		return int(value), nil
	case int:
		return value, nil
	default:
		return model.NoID, store.NewError(store.KindQuery, op, errors.New("unexpected id type"))
	}
}

func (provider *Provider) MaxSensorID(ctx context.Context, groupid int) (int, error) {
	return provider.maxID(ctx, "max sensor id", collSensors, "sensorid",
		bson.D{{Key: "groupid", Value: groupid}})
}

func (provider *Provider) MaxGroupID(ctx context.Context) (int, error) {
	return provider.maxID(ctx, "max group id", collGroups, "groupid", bson.D{})
}

var _ store.Provider = (*Provider)(nil)
