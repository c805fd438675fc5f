package store

import (
	"context"
	"fmt"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/validation"
)

// ValidateReading checks the structural invariants every backend requires
// before a write. Shared by all providers so the contract cannot drift
// between backends.
func ValidateReading(reading model.Reading) error {
	if reading.SensorID < 0 {
		return validation.NewError("sensorid must be >= 0, got %d", reading.SensorID)
	}
	if reading.GroupID < 0 {
		return validation.NewError("groupid must be >= 0, got %d", reading.GroupID)
	}
	if reading.RTypeID < 0 {
		return validation.NewError("rtypeid must be >= 0, got %d", reading.RTypeID)
	}
	if reading.TS <= 0 {
		return validation.NewError("ts must be a positive unix timestamp, got %d", reading.TS)
	}
	return nil
}

// ValidateReadings validates a batch, reporting the index of the first
// invalid reading.
func ValidateReadings(readings []model.Reading) error {
	if len(readings) == 0 {
		return validation.NewError("batch must include at least one reading")
	}
	for index, reading := range readings {
		if err := ValidateReading(reading); err != nil {
			return validation.NewError("invalid reading at index %d: %v", index, err)
		}
	}
	return nil
}

// EnsureProvisioned enforces the write-side referential rules on top of any
// provider: the reading type must already exist, while a missing group or
// sensor is created idempotently using the reading's own ids. Providers call
// this from InsertReading before touching the readings collection.
func EnsureProvisioned(ctx context.Context, provider Provider, reading model.Reading) error {
	ok, err := provider.RTypeExists(ctx, reading.RTypeID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotProvisionedError{Entity: "rtype", ID: reading.RTypeID}
	}

	ok, err = provider.GroupExists(ctx, reading.GroupID)
	if err != nil {
		return err
	}
	if !ok {
		group := model.Group{GroupID: reading.GroupID, Alias: fmt.Sprintf("group-%d", reading.GroupID)}
		if err := provider.InsertGroup(ctx, group); err != nil {
			return err
		}
	}

	ok, err = provider.SensorExists(ctx, reading.SensorID, reading.GroupID)
	if err != nil {
		return err
	}
	if !ok {
		sensor := model.Sensor{
			SensorID: reading.SensorID,
			GroupID:  reading.GroupID,
			Alias:    fmt.Sprintf("sensor-%d-%d", reading.GroupID, reading.SensorID),
		}
		if err := provider.InsertSensor(ctx, sensor); err != nil {
			return err
		}
	}

	return nil
}

// EnsureProvisionedBatch applies EnsureProvisioned once per distinct
// (rtype, group, sensor) referenced by the batch, so bulk inserts do not
// repeat existence checks per reading.
func EnsureProvisionedBatch(ctx context.Context, provider Provider, readings []model.Reading) error {
	type ref struct {
		SensorID int
		GroupID  int
		RTypeID  int
	}
	seen := make(map[ref]struct{}, len(readings))
	for _, reading := range readings {
		key := ref{SensorID: reading.SensorID, GroupID: reading.GroupID, RTypeID: reading.RTypeID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := EnsureProvisioned(ctx, provider, reading); err != nil {
			return err
		}
	}
	return nil
}

// Chunk splits a batch into BatchSize-bounded chunks so no single backend
// call carries an unbounded payload.
func Chunk(readings []model.Reading) [][]model.Reading {
	if len(readings) == 0 {
		return nil
	}

	chunks := make([][]model.Reading, 0, (len(readings)+BatchSize-1)/BatchSize)
	for start := 0; start < len(readings); start += BatchSize {
		end := start + BatchSize
		if end > len(readings) {
			end = len(readings)
		}
		chunks = append(chunks, readings[start:end])
	}
	return chunks
}
