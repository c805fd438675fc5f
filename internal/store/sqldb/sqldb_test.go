package sqldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
)

func newSQLiteProvider(t *testing.T) *Provider {
	t.Helper()

	provider, err := New(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	require.NoError(t, provider.Init(context.Background(), nil))
	return provider
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "oracle", DSN: "whatever"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sql driver")
}

func TestInitSeedsRTypes(t *testing.T) {
	provider := newSQLiteProvider(t)

	cursor, err := provider.RTypes(context.Background())
	require.NoError(t, err)
	rtypes, err := store.Collect(context.Background(), cursor)
	require.NoError(t, err)
	assert.Len(t, rtypes, 5)
	assert.Equal(t, "temperature", rtypes[0].Name)
}

func TestInitIsFailSoftOnExistingSchema(t *testing.T) {
	provider := newSQLiteProvider(t)
	reading := model.Reading{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 22.5}
	require.NoError(t, provider.InsertReading(context.Background(), reading))

	require.NoError(t, provider.Init(context.Background(), func(string) bool { return false }))

	ok, err := provider.ReadingExists(context.Background(), reading.Key())
	require.NoError(t, err)
	assert.True(t, ok, "declined re-init must keep existing data")
}

func TestInsertReadingRoundTripsAndAutoProvisions(t *testing.T) {
	provider := newSQLiteProvider(t)
	reading := model.Reading{SensorID: 3, GroupID: 1, RTypeID: 0, TS: 1000, Val: 22.5}

	require.NoError(t, provider.InsertReading(context.Background(), reading))

	readings, err := provider.Readings(context.Background(), 3, 1, 0, 1)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, reading, readings[0])

	ok, err := provider.GroupExists(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = provider.SensorExists(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertReadingIsIdempotentOnNaturalKey(t *testing.T) {
	provider := newSQLiteProvider(t)
	reading := model.Reading{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 22.5}

	require.NoError(t, provider.InsertReading(context.Background(), reading))
	require.NoError(t, provider.InsertReading(context.Background(), reading))

	readings, err := provider.Readings(context.Background(), 0, 0, model.AnyRType, 10)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
}

func TestInsertReadingRequiresProvisionedRType(t *testing.T) {
	provider := newSQLiteProvider(t)
	reading := model.Reading{SensorID: 0, GroupID: 0, RTypeID: 42, TS: 1000, Val: 1}

	err := provider.InsertReading(context.Background(), reading)
	assert.True(t, store.IsNotProvisioned(err), "expected not-provisioned error, got %v", err)
}

func TestReadingsNewestFirst(t *testing.T) {
	provider := newSQLiteProvider(t)
	batch := []model.Reading{
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 20},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 3000, Val: 22},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 2000, Val: 21},
	}
	require.NoError(t, provider.InsertReadings(context.Background(), batch))

	readings, err := provider.Readings(context.Background(), 0, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, int64(3000), readings[0].TS)
	assert.Equal(t, int64(2000), readings[1].TS)
}

func TestReadingsInRangeStreamsInclusiveWindow(t *testing.T) {
	provider := newSQLiteProvider(t)
	batch := []model.Reading{
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 900, Val: 1},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 2},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1100, Val: 3},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1200, Val: 4},
	}
	require.NoError(t, provider.InsertReadings(context.Background(), batch))

	cursor, err := provider.ReadingsInRange(context.Background(), 0, 0, 1000, 1100)
	require.NoError(t, err)
	readings, err := store.Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, int64(1000), readings[0].TS)
	assert.Equal(t, int64(1100), readings[1].TS)
}

func TestStatsAggregatesAndZeroWindow(t *testing.T) {
	provider := newSQLiteProvider(t)
	batch := []model.Reading{
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 950, Val: 10},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 20},
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1050, Val: 30},
	}
	require.NoError(t, provider.InsertReadings(context.Background(), batch))

	stats, err := provider.Stats(context.Background(), store.ScopeSensor, 0, 0, 0, 900, 1100)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Min: 10, Max: 30, Avg: 20}, stats)

	empty, err := provider.Stats(context.Background(), store.ScopeSensor, 0, 0, 0, 2000, 3000)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, empty)
}

func TestDeleteGroupCascades(t *testing.T) {
	provider := newSQLiteProvider(t)
	batch := []model.Reading{
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 1},
		{SensorID: 1, GroupID: 0, RTypeID: 0, TS: 1000, Val: 2},
		{SensorID: 0, GroupID: 1, RTypeID: 0, TS: 1000, Val: 3},
	}
	require.NoError(t, provider.InsertReadings(context.Background(), batch))

	removed, err := provider.DeleteGroup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)

	ok, err := provider.GroupExists(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = provider.GroupExists(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRTypeCascadesToReadings(t *testing.T) {
	provider := newSQLiteProvider(t)
	batch := []model.Reading{
		{SensorID: 0, GroupID: 0, RTypeID: 0, TS: 1000, Val: 1},
		{SensorID: 0, GroupID: 0, RTypeID: 1, TS: 1000, Val: 2},
	}
	require.NoError(t, provider.InsertReadings(context.Background(), batch))

	removed, err := provider.DeleteRType(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	ok, err := provider.RTypeExists(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaxIDsUseSentinelWhenEmpty(t *testing.T) {
	provider := newSQLiteProvider(t)

	maxGroup, err := provider.MaxGroupID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.NoID, maxGroup)

	maxSensor, err := provider.MaxSensorID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.NoID, maxSensor)

	require.NoError(t, provider.InsertGroup(context.Background(), model.Group{GroupID: 4, Alias: "roof"}))
	maxGroup, err = provider.MaxGroupID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, maxGroup)
}
