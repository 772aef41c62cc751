// Package api serves the message log evidence API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/serbia-gov/messagelog/internal/messagelog"
	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
	"github.com/serbia-gov/messagelog/internal/shared/auth"
	apperrors "github.com/serbia-gov/messagelog/internal/shared/errors"
	"github.com/serbia-gov/messagelog/internal/tsa"
)

const defaultArchiveLimit = 50

// Handler provides HTTP handlers for the message log
type Handler struct {
	manager *messagelog.Manager
}

// NewHandler creates a new message log handler
func NewHandler(manager *messagelog.Manager) *Handler {
	return &Handler{manager: manager}
}

// Routes registers the message log routes. Callers mount it behind
// auth.Middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleAuditor, auth.RoleOperator))
		r.Get("/records", h.FindRecords)
		r.Get("/records/{recordID}", h.GetRecord)
		r.Get("/timestamps/{timestampID}", h.GetTimestamp)
		r.Get("/archives", h.ListArchives)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleOperator))
		r.Post("/records/{recordID}/timestamp", h.TimestampNow)
		r.Get("/diagnostics", h.Diagnostics)
	})

	return r
}

// --- Response types ---

// RecordResponse is a record as returned to auditors
type RecordResponse struct {
	*domain.MessageRecord
	TimestampURL string `json:"timestamp_url,omitempty"`
}

// --- Handlers ---

func (h *Handler) FindRecords(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if user != nil && !user.IsAdmin() && user.ClientID != "" {
		if clientID != "" && clientID != user.ClientID {
			writeError(w, apperrors.Forbidden("records of another client"))
			return
		}
		clientID = user.ClientID
	}

	var dir *domain.Direction
	if d := q.Get("direction"); d != "" {
		parsed := domain.Direction(d)
		dir = &parsed
	}

	records, err := h.manager.GetByQueryID(r.Context(), q.Get("query_id"), clientID, dir)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]RecordResponse, len(records))
	for i, rec := range records {
		out[i] = toResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out, "count": len(out)})
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "recordID"), "record_id")
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.manager.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, mapError(err, "record", strconv.FormatInt(id, 10)))
		return
	}
	if user := auth.GetUser(r.Context()); user != nil && !user.CanReadClient(rec.ClientID) {
		writeError(w, apperrors.NotFound("record", strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) GetTimestamp(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "timestampID"), "timestamp_id")
	if err != nil {
		writeError(w, err)
		return
	}

	ts, err := h.manager.Store().GetTimestampRecord(r.Context(), id)
	if err != nil {
		writeError(w, mapError(err, "timestamp record", strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) TimestampNow(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "recordID"), "record_id")
	if err != nil {
		writeError(w, err)
		return
	}

	ts, err := h.manager.TimestampNow(r.Context(), id)
	if err != nil {
		var failover *tsa.FailoverError
		if errors.As(err, &failover) {
			writeError(w, apperrors.Unavailable("timestamping failed, record left pending", err))
			return
		}
		writeError(w, mapError(err, "record", strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Diagnostics())
}

func (h *Handler) ListArchives(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchiveLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, apperrors.Validation("invalid limit", map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = n
	}

	units, err := h.manager.Store().ListArchiveUnits(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": units, "count": len(units)})
}

// --- Helpers ---

func toResponse(rec *domain.MessageRecord) RecordResponse {
	resp := RecordResponse{MessageRecord: rec}
	if rec.TimestampRecordID != 0 {
		resp.TimestampURL = "/timestamps/" + strconv.FormatInt(rec.TimestampRecordID, 10)
	}
	return resp
}

func parseInt64(s, field string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("invalid id", map[string]string{field: "must be a positive integer"})
	}
	return id, nil
}

// mapError turns domain failures into API errors.
func mapError(err error, resource, id string) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, domain.ErrRecordNotFound), errors.Is(err, domain.ErrTimestampNotFound):
		return apperrors.NotFound(resource, id)
	case errors.Is(err, messagelog.ErrRecordFailed):
		return apperrors.Conflict("record is FAILED and cannot be timestamped")
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrChainConflict):
		return apperrors.Conflict(err.Error())
	}
	return apperrors.Internal(err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := apperrors.From(err)
	if appErr.HTTPStatus == http.StatusInternalServerError {
		writeJSON(w, appErr.HTTPStatus, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, appErr.HTTPStatus, map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}
