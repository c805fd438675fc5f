// Package model defines the entities shared by the storage providers, the
// provisioning service and the live streaming path: groups of sensors, the
// sensors themselves, reading types and timestamped readings.
package model

import (
	"fmt"
	"time"
)

// Reading type ids for the seeded types. Ids are stable across backends;
// readings reference them by id, never by name.
const (
	RTypeTemperature = 0
	RTypeHumidity    = 1
	RTypeVisible     = 2
	RTypeInfrared    = 3
	RTypeVoltage     = 4
)

// AnyRType marks a readings query that does not filter by reading type.
// It is also the "no stream selected" filter for a freshly joined viewer,
// which never matches a broadcast.
const AnyRType = -1

// NoID is returned by the max-id queries when no rows exist; provisioning
// interprets it as "first id is 0".
const NoID = -1

type Group struct {
	GroupID int    `json:"groupid" bson:"groupid"`
	Alias   string `json:"alias" bson:"alias"`
}

// Sensor ids are scoped per group: (SensorID, GroupID) is the natural key.
type Sensor struct {
	SensorID int    `json:"sensorid" bson:"sensorid"`
	GroupID  int    `json:"groupid" bson:"groupid"`
	Alias    string `json:"alias" bson:"alias"`
}

type RType struct {
	RTypeID int    `json:"rtypeid" bson:"rtypeid"`
	Name    string `json:"name" bson:"name"`
}

// Reading is one scalar measurement. The composite (SensorID, GroupID,
// RTypeID, TS) is the natural key; there is no surrogate key.
type Reading struct {
	SensorID int     `json:"sensorid" bson:"sensorid"`
	GroupID  int     `json:"groupid" bson:"groupid"`
	RTypeID  int     `json:"rtypeid" bson:"rtypeid"`
	TS       int64   `json:"ts" bson:"ts"`
	Val      float64 `json:"val" bson:"val"`
}

// SeedRTypes returns the fixed reading types installed at initialization.
func SeedRTypes() []RType {
	return []RType{
		{RTypeID: RTypeTemperature, Name: "temperature"},
		{RTypeID: RTypeHumidity, Name: "humidity"},
		{RTypeID: RTypeVisible, Name: "visible light"},
		{RTypeID: RTypeInfrared, Name: "infrared light"},
		{RTypeID: RTypeVoltage, Name: "voltage"},
	}
}

// RTypeName resolves a seeded reading type id to its display name.
// Unknown ids format as "rtype <id>" so a stale client still gets output.
func RTypeName(rtypeid int) string {
	for _, rtype := range SeedRTypes() {
		if rtype.RTypeID == rtypeid {
			return rtype.Name
		}
	}
	return fmt.Sprintf("rtype %d", rtypeid)
}

// Format renders the human-readable string attached to broadcast messages
// and download rows, e.g. "temperature 22.50 @ Thu 01.08.2019 12:00:00".
func (reading Reading) Format() string {
	stamp := time.Unix(reading.TS, 0).UTC().Format("Mon 02.01.2006 15:04:05")
	return fmt.Sprintf("%s %.2f @ %s", RTypeName(reading.RTypeID), reading.Val, stamp)
}

// Key identifies a reading by its composite natural key.
type Key struct {
	SensorID int
	GroupID  int
	RTypeID  int
	TS       int64
}

func (reading Reading) Key() Key {
	return Key{
		SensorID: reading.SensorID,
		GroupID:  reading.GroupID,
		RTypeID:  reading.RTypeID,
		TS:       reading.TS,
	}
}
