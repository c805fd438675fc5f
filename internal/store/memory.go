package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gollum18/senslify-web/internal/model"
)

type sensorKey struct {
	SensorID int
	GroupID  int
}

// Memory is the in-memory provider used for development and tests. It keeps
// the full Provider semantics, including cascade deletes and the stats
// contract, so the higher layers can be exercised without a backend.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	groups   map[int]model.Group
	rtypes   map[int]model.RType
	sensors  map[sensorKey]model.Sensor
	readings map[model.Key]model.Reading
}

// NewMemory returns an empty in-memory provider. Init seeds the reading
// types.
func NewMemory() *Memory {
	return &Memory{
		groups:   make(map[int]model.Group),
		rtypes:   make(map[int]model.RType),
		sensors:  make(map[sensorKey]model.Sensor),
		readings: make(map[model.Key]model.Reading),
	}
}

func (store *Memory) Init(_ context.Context, confirm ConfirmFunc) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return NewError(KindConnection, "init", ErrClosed)
	}

	if len(store.rtypes) > 0 {
		if confirm == nil || !confirm("existing data detected, delete and re-create?") {
			return nil
		}
		store.groups = make(map[int]model.Group)
		store.sensors = make(map[sensorKey]model.Sensor)
		store.readings = make(map[model.Key]model.Reading)
		store.rtypes = make(map[int]model.RType)
	}

	for _, rtype := range model.SeedRTypes() {
		store.rtypes[rtype.RTypeID] = rtype
	}
	return nil
}

func (store *Memory) Close(context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.closed = true
	return nil
}

func (store *Memory) Ping(context.Context) error {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if store.closed {
		return NewError(KindConnection, "ping", ErrClosed)
	}
	return nil
}

func (store *Memory) guard(op string) error {
	if store.closed {
		return NewError(KindConnection, op, ErrClosed)
	}
	return nil
}

func (store *Memory) GroupExists(_ context.Context, groupid int) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("group exists"); err != nil {
		return false, err
	}
	_, ok := store.groups[groupid]
	return ok, nil
}

func (store *Memory) SensorExists(_ context.Context, sensorid, groupid int) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("sensor exists"); err != nil {
		return false, err
	}
	_, ok := store.sensors[sensorKey{SensorID: sensorid, GroupID: groupid}]
	return ok, nil
}

func (store *Memory) RTypeExists(_ context.Context, rtypeid int) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("rtype exists"); err != nil {
		return false, err
	}
	_, ok := store.rtypes[rtypeid]
	return ok, nil
}

func (store *Memory) ReadingExists(_ context.Context, key model.Key) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("reading exists"); err != nil {
		return false, err
	}
	_, ok := store.readings[key]
	return ok, nil
}

func (store *Memory) Groups(context.Context) (Cursor[model.Group], error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("groups"); err != nil {
		return nil, err
	}

	groups := make([]model.Group, 0, len(store.groups))
	for _, group := range store.groups {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
	return NewSliceCursor(groups), nil
}

func (store *Memory) RTypes(context.Context) (Cursor[model.RType], error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("rtypes"); err != nil {
		return nil, err
	}

	rtypes := make([]model.RType, 0, len(store.rtypes))
	for _, rtype := range store.rtypes {
		rtypes = append(rtypes, rtype)
	}
	sort.Slice(rtypes, func(i, j int) bool { return rtypes[i].RTypeID < rtypes[j].RTypeID })
	return NewSliceCursor(rtypes), nil
}

func (store *Memory) Sensors(_ context.Context, groupid int) (Cursor[model.Sensor], error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("sensors"); err != nil {
		return nil, err
	}

	sensors := make([]model.Sensor, 0)
	for key, sensor := range store.sensors {
		if key.GroupID == groupid {
			sensors = append(sensors, sensor)
		}
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].SensorID < sensors[j].SensorID })
	return NewSliceCursor(sensors), nil
}

func (store *Memory) InsertGroup(_ context.Context, group model.Group) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("insert group"); err != nil {
		return err
	}
	if _, ok := store.groups[group.GroupID]; !ok {
		store.groups[group.GroupID] = group
	}
	return nil
}

func (store *Memory) InsertSensor(_ context.Context, sensor model.Sensor) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("insert sensor"); err != nil {
		return err
	}
	key := sensorKey{SensorID: sensor.SensorID, GroupID: sensor.GroupID}
	if _, ok := store.sensors[key]; !ok {
		store.sensors[key] = sensor
	}
	return nil
}

func (store *Memory) InsertReading(ctx context.Context, reading model.Reading) error {
	if err := ValidateReading(reading); err != nil {
		return err
	}
	if err := EnsureProvisioned(ctx, store, reading); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("insert reading"); err != nil {
		return err
	}
	store.readings[reading.Key()] = reading
	return nil
}

func (store *Memory) InsertReadings(ctx context.Context, readings []model.Reading) error {
	if err := ValidateReadings(readings); err != nil {
		return err
	}
	for _, chunk := range Chunk(readings) {
		for _, reading := range chunk {
			if err := store.InsertReading(ctx, reading); err != nil {
				return err
			}
		}
	}
	return nil
}

func (store *Memory) DeleteGroup(_ context.Context, groupid int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("delete group"); err != nil {
		return 0, err
	}

	var removed int64
	if _, ok := store.groups[groupid]; ok {
		delete(store.groups, groupid)
		removed++
	}
	for key := range store.sensors {
		if key.GroupID == groupid {
			delete(store.sensors, key)
			removed++
		}
	}
	for key := range store.readings {
		if key.GroupID == groupid {
			delete(store.readings, key)
			removed++
		}
	}
	return removed, nil
}

func (store *Memory) DeleteSensor(_ context.Context, sensorid, groupid int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("delete sensor"); err != nil {
		return 0, err
	}

	var removed int64
	key := sensorKey{SensorID: sensorid, GroupID: groupid}
	if _, ok := store.sensors[key]; ok {
		delete(store.sensors, key)
		removed++
	}
	for readingKey := range store.readings {
		if readingKey.SensorID == sensorid && readingKey.GroupID == groupid {
			delete(store.readings, readingKey)
			removed++
		}
	}
	return removed, nil
}

func (store *Memory) DeleteRType(_ context.Context, rtypeid int) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("delete rtype"); err != nil {
		return 0, err
	}

	var removed int64
	if _, ok := store.rtypes[rtypeid]; ok {
		delete(store.rtypes, rtypeid)
		removed++
	}
	for key := range store.readings {
		if key.RTypeID == rtypeid {
			delete(store.readings, key)
			removed++
		}
	}
	return removed, nil
}

func (store *Memory) DeleteReading(_ context.Context, key model.Key) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.guard("delete reading"); err != nil {
		return 0, err
	}

	if _, ok := store.readings[key]; !ok {
		return 0, nil
	}
	delete(store.readings, key)
	return 1, nil
}

func (store *Memory) Readings(_ context.Context, sensorid, groupid, rtypeid, limit int) ([]model.Reading, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("readings"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = BatchSize
	}

	matched := make([]model.Reading, 0, limit)
	for key, reading := range store.readings {
		if key.SensorID != sensorid || key.GroupID != groupid {
			continue
		}
		if rtypeid != model.AnyRType && key.RTypeID != rtypeid {
			continue
		}
		matched = append(matched, reading)
	}

	// Newest first, rtype as the tie-break for determinism.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TS != matched[j].TS {
			return matched[i].TS > matched[j].TS
		}
		return matched[i].RTypeID < matched[j].RTypeID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *Memory) ReadingsInRange(_ context.Context, sensorid, groupid int, start, end int64) (Cursor[model.Reading], error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("readings in range"); err != nil {
		return nil, err
	}

	matched := make([]model.Reading, 0)
	for key, reading := range store.readings {
		if key.SensorID == sensorid && key.GroupID == groupid && key.TS >= start && key.TS <= end {
			matched = append(matched, reading)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TS != matched[j].TS {
			return matched[i].TS < matched[j].TS
		}
		return matched[i].RTypeID < matched[j].RTypeID
	})
	return NewSliceCursor(matched), nil
}

func (store *Memory) Stats(_ context.Context, scope Scope, sensorid, groupid, rtypeid int, start, end int64) (Stats, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("stats"); err != nil {
		return Stats{}, err
	}

	var (
		count int
		sum   float64
		stats Stats
	)
	for key, reading := range store.readings {
		if key.GroupID != groupid || key.RTypeID != rtypeid {
			continue
		}
		if scope == ScopeSensor && key.SensorID != sensorid {
			continue
		}
		if key.TS < start || key.TS > end {
			continue
		}
		if count == 0 || reading.Val < stats.Min {
			stats.Min = reading.Val
		}
		if count == 0 || reading.Val > stats.Max {
			stats.Max = reading.Val
		}
		sum += reading.Val
		count++
	}
	if count == 0 {
		return Stats{}, nil
	}
	stats.Avg = sum / float64(count)
	return stats, nil
}

func (store *Memory) MaxSensorID(_ context.Context, groupid int) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("max sensor id"); err != nil {
		return model.NoID, err
	}

	maxID := model.NoID
	for key := range store.sensors {
		if key.GroupID == groupid && key.SensorID > maxID {
			maxID = key.SensorID
		}
	}
	return maxID, nil
}

func (store *Memory) MaxGroupID(context.Context) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if err := store.guard("max group id"); err != nil {
		return model.NoID, err
	}

	maxID := model.NoID
	for groupid := range store.groups {
		if groupid > maxID {
			maxID = groupid
		}
	}
	return maxID, nil
}

var _ Provider = (*Memory)(nil)
