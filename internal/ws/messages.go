// Package ws implements the live viewer protocol: a websocket connection
// per viewer, typed request and reply records, and the per-connection state
// machine that turns inbound commands into registry and storage calls.
package ws

import (
	json "github.com/goccy/go-json"

	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
	"github.com/gollum18/senslify-web/internal/validation"
)

// Request command tags accepted from viewers.
const (
	CmdJoin        = "RQST_JOIN"
	CmdClose       = "RQST_CLOSE"
	CmdStream      = "RQST_STREAM"
	CmdSensorStats = "RQST_SENSOR_STATS"
	CmdDownload    = "RQST_DOWNLOAD"
)

// Reply command tags sent back to viewers.
const (
	RespStream        = "RESP_STREAM"
	RespSensorStats   = "RESP_SENSOR_STATS"
	RespDownload      = "RESP_DOWNLOAD"
	RespError         = "RESP_ERROR"
	RespStatsError    = "RESP_STATS_ERROR"
	RespDownloadError = "RESP_DOWNLOAD_ERROR"
)

type envelope struct {
	Cmd string `json:"cmd" validate:"required"`
}

// joinRequest joins the room for one sensor. Pointer fields distinguish a
// missing field from a zero id.
type joinRequest struct {
	GroupID  *int `json:"groupid" validate:"required,gte=0"`
	SensorID *int `json:"sensorid" validate:"required,gte=0"`
}

type closeRequest struct {
	GroupID  *int `json:"groupid" validate:"required,gte=0"`
	SensorID *int `json:"sensorid" validate:"required,gte=0"`
}

type streamRequest struct {
	RTypeID *int `json:"rtypeid" validate:"required,gte=0"`
}

type statsRequest struct {
	RTypeID   *int   `json:"rtypeid" validate:"required,gte=0"`
	StartDate *int64 `json:"start_date" validate:"required,gt=0"`
	EndDate   *int64 `json:"end_date" validate:"required,gt=0"`
}

type downloadRequest struct {
	StartDate *int64 `json:"start_date" validate:"required,gt=0"`
	EndDate   *int64 `json:"end_date" validate:"required,gt=0"`
}

type streamReply struct {
	Cmd      string          `json:"cmd"`
	RTypeID  int             `json:"rtypeid"`
	Readings []model.Reading `json:"readings"`
}

type statsReply struct {
	Cmd   string      `json:"cmd"`
	Stats store.Stats `json:"stats"`
}

type downloadReply struct {
	Cmd      string          `json:"cmd"`
	Readings []model.Reading `json:"readings"`
}

type errorReply struct {
	Cmd   string `json:"cmd"`
	Error string `json:"error"`
}

// decode unmarshals data into request and validates it, normalizing both
// malformed JSON and failed field checks into a validation error.
func decode(data []byte, request any) error {
	if err := json.Unmarshal(data, request); err != nil {
		return validation.NewError("malformed request: %v", err)
	}
	return validation.ValidateStruct(request)
}
