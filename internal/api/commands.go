package api

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/model"
	"github.com/gollum18/senslify-web/internal/store"
	"github.com/gollum18/senslify-web/internal/validation"
)

const maxBodySize = 4 << 20

// commandEnvelope is the uniform request shape of the /api/rest endpoint.
type commandEnvelope struct {
	Cmd    string          `json:"cmd" validate:"required,oneof=find stats download upload provision"`
	Params json.RawMessage `json:"params"`
}

type findParams struct {
	Target   string `json:"target" validate:"required,oneof=groups rtypes sensors readings"`
	GroupID  *int   `json:"groupid" validate:"omitempty,gte=0"`
	SensorID *int   `json:"sensorid" validate:"omitempty,gte=0"`
	RTypeID  *int   `json:"rtypeid" validate:"omitempty,gte=0"`
	Limit    int    `json:"limit" validate:"omitempty,gte=1,lte=10000"`
}

type statsParams struct {
	Scope     string `json:"scope" validate:"required,oneof=group sensor"`
	GroupID   *int   `json:"groupid" validate:"required,gte=0"`
	SensorID  *int   `json:"sensorid" validate:"omitempty,gte=0"`
	RTypeID   *int   `json:"rtypeid" validate:"required,gte=0"`
	StartDate *int64 `json:"start_date" validate:"required,gt=0"`
	EndDate   *int64 `json:"end_date" validate:"required,gt=0"`
}

type downloadParams struct {
	GroupID   *int   `json:"groupid" validate:"required,gte=0"`
	SensorID  *int   `json:"sensorid" validate:"required,gte=0"`
	StartDate *int64 `json:"start_date" validate:"required,gt=0"`
	EndDate   *int64 `json:"end_date" validate:"required,gt=0"`
}

type uploadParams struct {
	Readings []model.Reading `json:"readings" validate:"required,min=1"`
}

type provisionParams struct {
	Target  string `json:"target" validate:"required,oneof=group sensor"`
	GroupID *int   `json:"groupid" validate:"omitempty,gte=0"`
	Alias   string `json:"alias"`
}

// handleCommand dispatches one command envelope.
func (api *API) handleCommand(response http.ResponseWriter, request *http.Request) {
	body, err := readBody(response, request)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	var env commandEnvelope
	if err := decodeParams(body, &env); err != nil {
		api.writeFailure(response, err)
		return
	}

	switch env.Cmd {
	case "find":
		api.commandFind(response, request, env.Params)
	case "stats":
		api.commandStats(response, request, env.Params)
	case "download":
		api.commandDownload(response, request, env.Params)
	case "upload":
		api.commandUpload(response, request, env.Params)
	case "provision":
		api.commandProvision(response, request, env.Params)
	}
}

// handleUpload accepts the upload payload directly, for sensor gateways
// that post batches without the envelope.
func (api *API) handleUpload(response http.ResponseWriter, request *http.Request) {
	body, err := readBody(response, request)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}
	api.commandUpload(response, request, body)
}

func (api *API) commandFind(response http.ResponseWriter, request *http.Request, raw json.RawMessage) {
	var params findParams
	if err := decodeParams(raw, &params); err != nil {
		api.writeFailure(response, err)
		return
	}
	ctx := request.Context()

	switch params.Target {
	case "groups":
		cursor, err := api.provider.Groups(ctx)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		groups, err := store.Collect(ctx, cursor)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusOK, map[string]any{"groups": groups})

	case "rtypes":
		cursor, err := api.provider.RTypes(ctx)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		rtypes, err := store.Collect(ctx, cursor)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusOK, map[string]any{"rtypes": rtypes})

	case "sensors":
		if params.GroupID == nil {
			api.writeFailure(response, validation.NewError("missing field: groupid"))
			return
		}
		cursor, err := api.provider.Sensors(ctx, *params.GroupID)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		sensors, err := store.Collect(ctx, cursor)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusOK, map[string]any{"sensors": sensors})

	case "readings":
		if params.GroupID == nil || params.SensorID == nil {
			api.writeFailure(response, validation.NewError("finding readings requires groupid and sensorid"))
			return
		}
		rtypeid := model.AnyRType
		if params.RTypeID != nil {
			rtypeid = *params.RTypeID
		}
		limit := params.Limit
		if limit == 0 {
			limit = 100
		}
		readings, err := api.provider.Readings(ctx, *params.SensorID, *params.GroupID, rtypeid, limit)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusOK, map[string]any{"readings": readings})
	}
}

func (api *API) commandStats(response http.ResponseWriter, request *http.Request, raw json.RawMessage) {
	var params statsParams
	if err := decodeParams(raw, &params); err != nil {
		api.writeFailure(response, err)
		return
	}

	scope := store.Scope(params.Scope)
	sensorid := model.NoID
	if scope == store.ScopeSensor {
		if params.SensorID == nil {
			api.writeFailure(response, validation.NewError("sensor scope requires sensorid"))
			return
		}
		sensorid = *params.SensorID
	}

	stats, err := api.provider.Stats(request.Context(), scope, sensorid, *params.GroupID,
		*params.RTypeID, *params.StartDate, *params.EndDate)
	if err != nil {
		api.writeFailure(response, err)
		return
	}
	writeJSON(response, http.StatusOK, map[string]any{"stats": stats})
}

func (api *API) commandDownload(response http.ResponseWriter, request *http.Request, raw json.RawMessage) {
	var params downloadParams
	if err := decodeParams(raw, &params); err != nil {
		api.writeFailure(response, err)
		return
	}
	ctx := request.Context()

	cursor, err := api.provider.ReadingsInRange(ctx, *params.SensorID, *params.GroupID,
		*params.StartDate, *params.EndDate)
	if err != nil {
		api.writeFailure(response, err)
		return
	}
	readings, err := store.Collect(ctx, cursor)
	if err != nil {
		api.writeFailure(response, err)
		return
	}
	writeJSON(response, http.StatusOK, map[string]any{"readings": readings})
}

// commandUpload persists a batch and fans the accepted readings out to the
// live rooms. Broadcast happens only after the write succeeds.
func (api *API) commandUpload(response http.ResponseWriter, request *http.Request, raw json.RawMessage) {
	var params uploadParams
	if err := decodeParams(raw, &params); err != nil {
		api.writeFailure(response, err)
		return
	}

	if err := api.provider.InsertReadings(request.Context(), params.Readings); err != nil {
		api.writeFailure(response, err)
		return
	}
	delivered := api.dispatcher.DispatchBatch(params.Readings)

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"accepted":  len(params.Readings),
		"delivered": delivered,
	})
}

func (api *API) commandProvision(response http.ResponseWriter, request *http.Request, raw json.RawMessage) {
	var params provisionParams
	if err := decodeParams(raw, &params); err != nil {
		api.writeFailure(response, err)
		return
	}
	ctx := request.Context()

	switch params.Target {
	case "group":
		group, err := api.provisioner.ProvisionGroup(ctx, params.Alias)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusCreated, map[string]any{"group": group})

	case "sensor":
		if params.GroupID == nil {
			api.writeFailure(response, validation.NewError("provisioning a sensor requires groupid"))
			return
		}
		sensor, err := api.provisioner.ProvisionSensor(ctx, *params.GroupID, params.Alias)
		if err != nil {
			api.writeFailure(response, err)
			return
		}
		writeJSON(response, http.StatusCreated, map[string]any{"sensor": sensor})
	}
}

func readBody(response http.ResponseWriter, request *http.Request) ([]byte, error) {
	request.Body = http.MaxBytesReader(response, request.Body, maxBodySize)
	return io.ReadAll(request.Body)
}

func decodeParams(raw []byte, params any) error {
	if len(raw) == 0 {
		return validation.NewError("missing request parameters")
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return validation.NewError("malformed request: %v", err)
	}
	return validation.ValidateStruct(params)
}

// writeFailure maps the error taxonomy onto HTTP statuses. Storage detail
// is withheld unless debug mode is on.
func (api *API) writeFailure(response http.ResponseWriter, err error) {
	switch {
	case validation.IsError(err):
		writeError(response, http.StatusBadRequest, err.Error())
	case store.IsNotProvisioned(err):
		writeError(response, http.StatusUnprocessableEntity, err.Error())
	case store.IsTimeout(err):
		logging.Error().Err(err).Msg("query timed out")
		writeError(response, http.StatusGatewayTimeout, api.storageMessage(err, "the query timed out"))
	default:
		logging.Error().Err(err).Msg("storage error")
		writeError(response, http.StatusInternalServerError, api.storageMessage(err, "a storage error has occurred"))
	}
}

func (api *API) storageMessage(err error, generic string) string {
	if api.opts.Debug {
		return err.Error()
	}
	return generic
}
