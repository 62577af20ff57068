// Package httpapi implements the ES HTTP report ingress (spec §4.8): three
// POST endpoints, header-based external-system auth, and a single
// transactional write spanning the audit log, the domain row, and the
// report_publish_log outbox entry.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/store"
)

// Authenticator resolves the x-api-key header to an active external_system.
type Authenticator interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.ExternalSystem, error)
}

// ExistsChecker backs the isExistingIdentifier validator for DISASTER_RESULT
// reports.
type ExistsChecker interface {
	ExistsByIdentifier(ctx context.Context, subscriberID, identifier string) (bool, error)
}

// Handler serves the three /api/reports/* endpoints.
type Handler struct {
	db          *sql.DB
	auth        Authenticator
	transmitLog ExistsChecker
	apiLog      *store.APIReceiveLogStore
	devices     *store.DeviceStore
	deviceLog   *store.DeviceStatusLogStore
	publishLog  *store.ReportPublishLogStore
}

// NewHandler constructs a Handler.
func NewHandler(db *sql.DB, auth Authenticator, transmitLog ExistsChecker, apiLog *store.APIReceiveLogStore, devices *store.DeviceStore, deviceLog *store.DeviceStatusLogStore, publishLog *store.ReportPublishLogStore) *Handler {
	return &Handler{db: db, auth: auth, transmitLog: transmitLog, apiLog: apiLog, devices: devices, deviceLog: deviceLog, publishLog: publishLog}
}

// fieldError is one entry of a 400 response's details list.
type fieldError struct {
	Field string `json:"field"`
	Msg   string `json:"msg"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details []fieldError `json:"details,omitempty"`
}

type okResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeValidationError(w http.ResponseWriter, details ...fieldError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
}

// deviceInfoRequest is the /device-info request body.
type deviceInfoRequest struct {
	DeviceID   string  `json:"deviceId"`
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	ServerIP   string  `json:"serverIp"`
	ServerName string  `json:"serverName"`
	Model      string  `json:"model"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Address    string  `json:"address"`
	Note       string  `json:"note"`
}

func (r deviceInfoRequest) validate() []fieldError {
	var errs []fieldError
	if r.DeviceID == "" {
		errs = append(errs, fieldError{"deviceId", "required"})
	}
	if r.Type == "" {
		errs = append(errs, fieldError{"type", "required"})
	}
	return errs
}

// deviceStatusRequest is the /device-status request body.
type deviceStatusRequest struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	Detail   string `json:"detail"`
}

func (r deviceStatusRequest) validate() []fieldError {
	var errs []fieldError
	if r.DeviceID == "" {
		errs = append(errs, fieldError{"deviceId", "required"})
	}
	if r.Status == "" {
		errs = append(errs, fieldError{"status", "required"})
	}
	return errs
}

// disasterResultRequest is the /disaster-result request body.
type disasterResultRequest struct {
	Identifier string `json:"identifier"`
	Result     string `json:"result"`
}

func (r disasterResultRequest) validate() []fieldError {
	var errs []fieldError
	if r.Identifier == "" {
		errs = append(errs, fieldError{"identifier", "required"})
	}
	if r.Result == "" {
		errs = append(errs, fieldError{"result", "required"})
	}
	return errs
}

// authenticate resolves x-system-name/x-api-key, returning nil and writing
// a 401 if they don't match an active external_system.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *model.ExternalSystem {
	systemName := r.Header.Get("x-system-name")
	apiKey := r.Header.Get("x-api-key")
	if systemName == "" || apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing x-system-name or x-api-key"})
		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	system, err := h.auth.GetByAPIKey(ctx, apiKey)
	if err != nil {
		slog.Error("httpapi auth lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return nil
	}
	if system == nil || system.SystemName != systemName {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return nil
	}
	return system
}

// HandleDeviceInfo implements POST /api/reports/device-info.
//
//	@Summary	Report terminal device information
//	@Tags		reports
//	@Accept		json
//	@Produce	json
//	@Param		x-system-name	header		string	true	"external system name"
//	@Param		x-api-key		header		string	true	"external system API key"
//	@Success	200				{object}	okResponse
//	@Failure	400				{object}	errorResponse
//	@Failure	401				{object}	errorResponse
//	@Router		/api/reports/device-info [post]
func (h *Handler) HandleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	system := h.authenticate(w, r)
	if system == nil {
		return
	}

	body, req, ok := decodeBody[deviceInfoRequest](w, r)
	if !ok {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs...)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err := store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		apiLogID, err := h.apiLog.InsertTx(ctx, tx, &model.APIReceiveLog{
			ExternalSystemID: system.ID, RequestPath: r.URL.Path, RequestBody: string(body),
		})
		if err != nil {
			return fmt.Errorf("insert api_receive_log: %w", err)
		}
		if err := h.devices.UpsertTx(ctx, tx, &model.Device{
			ExternalSystemID: system.ID, DeviceID: req.DeviceID, Type: req.Type, Name: req.Name,
			ServerIP: req.ServerIP, ServerName: req.ServerName, Model: req.Model,
			Lat: req.Lat, Lon: req.Lon, Address: req.Address, Note: req.Note,
		}); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		if _, err := h.publishLog.InsertTx(ctx, tx, &model.ReportPublishLog{
			Type: model.ReportTypeDeviceInfo, ExternalSystemName: system.SystemName,
			APIReceiveLogID: apiLogID, RoutingKey: "report.external", RawMessage: string(body),
		}); err != nil {
			return fmt.Errorf("insert report_publish_log: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("device-info ingestion failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Message: "device information received"})
}

// HandleDeviceStatus implements POST /api/reports/device-status.
//
//	@Summary	Report terminal device status
//	@Tags		reports
//	@Accept		json
//	@Produce	json
//	@Param		x-system-name	header		string	true	"external system name"
//	@Param		x-api-key		header		string	true	"external system API key"
//	@Success	200				{object}	okResponse
//	@Failure	400				{object}	errorResponse
//	@Failure	401				{object}	errorResponse
//	@Router		/api/reports/device-status [post]
func (h *Handler) HandleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	system := h.authenticate(w, r)
	if system == nil {
		return
	}

	body, req, ok := decodeBody[deviceStatusRequest](w, r)
	if !ok {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs...)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	device, err := h.devices.GetByDeviceID(ctx, system.ID, req.DeviceID)
	if err != nil {
		slog.Error("device lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if device == nil {
		writeValidationError(w, fieldError{"deviceId", "unknown device"})
		return
	}

	err = store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		apiLogID, err := h.apiLog.InsertTx(ctx, tx, &model.APIReceiveLog{
			ExternalSystemID: system.ID, RequestPath: r.URL.Path, RequestBody: string(body),
		})
		if err != nil {
			return fmt.Errorf("insert api_receive_log: %w", err)
		}
		if _, err := h.deviceLog.InsertTx(ctx, tx, &model.DeviceStatusLog{
			DeviceID: device.ID, Status: req.Status, Detail: req.Detail,
		}); err != nil {
			return fmt.Errorf("insert device_status_log: %w", err)
		}
		if _, err := h.publishLog.InsertTx(ctx, tx, &model.ReportPublishLog{
			Type: model.ReportTypeDeviceStatus, ExternalSystemName: system.SystemName,
			APIReceiveLogID: apiLogID, RoutingKey: "report.external", RawMessage: string(body),
		}); err != nil {
			return fmt.Errorf("insert report_publish_log: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("device-status ingestion failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Message: "device status received"})
}

// HandleDisasterResult implements POST /api/reports/disaster-result. The
// isExistingIdentifier validator requires this subscriber to have actually
// been a fan-out target of the referenced alert (spec §4.8).
//
//	@Summary	Report a disaster-alert handling result
//	@Tags		reports
//	@Accept		json
//	@Produce	json
//	@Param		x-system-name	header		string	true	"external system name"
//	@Param		x-api-key		header		string	true	"external system API key"
//	@Success	200				{object}	okResponse
//	@Failure	400				{object}	errorResponse
//	@Failure	401				{object}	errorResponse
//	@Router		/api/reports/disaster-result [post]
func (h *Handler) HandleDisasterResult(w http.ResponseWriter, r *http.Request) {
	system := h.authenticate(w, r)
	if system == nil {
		return
	}

	body, req, ok := decodeBody[disasterResultRequest](w, r)
	if !ok {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeValidationError(w, errs...)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	exists, err := h.transmitLog.ExistsByIdentifier(ctx, system.ID, req.Identifier)
	if err != nil {
		slog.Error("isExistingIdentifier check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if !exists {
		writeValidationError(w, fieldError{"identifier", "not a known alert for this subscriber"})
		return
	}

	err = store.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		apiLogID, err := h.apiLog.InsertTx(ctx, tx, &model.APIReceiveLog{
			ExternalSystemID: system.ID, RequestPath: r.URL.Path, RequestBody: string(body),
		})
		if err != nil {
			return fmt.Errorf("insert api_receive_log: %w", err)
		}
		if _, err := h.publishLog.InsertTx(ctx, tx, &model.ReportPublishLog{
			Type: model.ReportTypeDisasterResult, ExternalSystemName: system.SystemName,
			APIReceiveLogID: apiLogID, RoutingKey: "report.external", RawMessage: string(body),
		}); err != nil {
			return fmt.Errorf("insert report_publish_log: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("disaster-result ingestion failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Message: "disaster result received"})
}

// decodeBody decodes the request body into T and re-marshals it; the
// re-marshalled JSON (T's fields only, unknown fields dropped) is what gets
// persisted in api_receive_log/report_publish_log. It returns false after
// writing a 400 if decoding fails.
func decodeBody[T any](w http.ResponseWriter, r *http.Request) ([]byte, T, bool) {
	var zero T
	var req T
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeValidationError(w, fieldError{"body", "malformed JSON"})
		return nil, zero, false
	}
	body, err := json.Marshal(req)
	if err != nil {
		writeValidationError(w, fieldError{"body", "malformed JSON"})
		return nil, zero, false
	}
	return body, req, true
}
