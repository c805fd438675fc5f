package sqldb

import "github.com/gollum18/senslify-web/internal/model"

type groupRow struct {
	GroupID int    `gorm:"column:groupid;primaryKey"`
	Alias   string `gorm:"column:alias;not null"`
}

func (groupRow) TableName() string { return "groups" }

type rtypeRow struct {
	RTypeID int    `gorm:"column:rtypeid;primaryKey"`
	Name    string `gorm:"column:name;not null"`
}

func (rtypeRow) TableName() string { return "rtypes" }

type sensorRow struct {
	SensorID int    `gorm:"column:sensorid;primaryKey;autoIncrement:false"`
	GroupID  int    `gorm:"column:groupid;primaryKey;autoIncrement:false"`
	Alias    string `gorm:"column:alias;not null"`
}

func (sensorRow) TableName() string { return "sensors" }

// readingRow carries the composite natural key plus the covering indexes for
// the reading-lookup paths.
type readingRow struct {
	SensorID int     `gorm:"column:sensorid;primaryKey;autoIncrement:false;index:idx_readings_sensor_ts,priority:1"`
	GroupID  int     `gorm:"column:groupid;primaryKey;autoIncrement:false;index:idx_readings_sensor_ts,priority:2;index:idx_readings_group_type_ts,priority:1"`
	RTypeID  int     `gorm:"column:rtypeid;primaryKey;autoIncrement:false;index:idx_readings_group_type_ts,priority:2"`
	TS       int64   `gorm:"column:ts;primaryKey;autoIncrement:false;index:idx_readings_sensor_ts,priority:3;index:idx_readings_group_type_ts,priority:3"`
	Val      float64 `gorm:"column:val;not null"`
}

func (readingRow) TableName() string { return "readings" }

func newReadingRow(reading model.Reading) *readingRow {
	return &readingRow{
		SensorID: reading.SensorID,
		GroupID:  reading.GroupID,
		RTypeID:  reading.RTypeID,
		TS:       reading.TS,
		Val:      reading.Val,
	}
}

func (row readingRow) reading() model.Reading {
	return model.Reading{
		SensorID: row.SensorID,
		GroupID:  row.GroupID,
		RTypeID:  row.RTypeID,
		TS:       row.TS,
		Val:      row.Val,
	}
}
