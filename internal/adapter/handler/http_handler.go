package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/core/service"
	"github.com/ehslabs/lab-ledger/internal/metrics"
)

// HTTPHandler exposes the ledger to web collaborators as a JSON API.
// Authentication happens upstream; the resolved actor arrives in the
// X-Actor-ID and X-Actor-Role headers.
type HTTPHandler struct {
	ledger *service.LedgerService
}

func NewHTTPHandler(ledger *service.LedgerService) *HTTPHandler {
	return &HTTPHandler{ledger: ledger}
}

// Register mounts all routes on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/{family}/items", h.CreateItem)
	mux.HandleFunc("GET /api/{family}/items", h.ListItems)
	mux.HandleFunc("GET /api/{family}/items/{id}", h.GetItem)
	mux.HandleFunc("PATCH /api/{family}/items/{id}/quantity", h.AdjustBalance)
	mux.HandleFunc("POST /api/{family}/items/{id}/fields", h.EditField)
	mux.HandleFunc("DELETE /api/{family}/items/{id}", h.Deactivate)
	mux.HandleFunc("GET /api/{family}/items/{id}/history", h.History)
	mux.HandleFunc("GET /api/{family}/expiring", h.ExpiringSoon)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())
}

type createItemRequest struct {
	Name           string          `json:"name"`
	BatchNumber    string          `json:"batch_number"`
	Unit           string          `json:"unit"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type adjustRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
	Notes  string          `json:"notes,omitempty"`
}

type editFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type itemResponse struct {
	ID          string          `json:"id"`
	Family      string          `json:"family"`
	Name        string          `json:"name"`
	BatchNumber string          `json:"batch_number"`
	Unit        string          `json:"unit"`
	Balance     decimal.Decimal `json:"balance"`
	Active      bool            `json:"active"`
	CreatedBy   string          `json:"created_by"`
	Version     int             `json:"version"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type historyRecordResponse struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	Delta            decimal.Decimal `json:"delta"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Reason           string          `json:"reason,omitempty"`
	Field            string          `json:"field,omitempty"`
	OldValue         string          `json:"old_value,omitempty"`
	NewValue         string          `json:"new_value,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	ActorID          string          `json:"actor_id"`
	ActorRole        string          `json:"actor_role"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	item, err := h.ledger.CreateItem(r.Context(), r.PathValue("family"), domain.NewItem{
		Name:           req.Name,
		BatchNumber:    req.BatchNumber,
		Unit:           req.Unit,
		InitialBalance: req.InitialBalance,
		ExpiresAt:      req.ExpiresAt,
		Notes:          req.Notes,
	}, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *HTTPHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	item, record, err := h.ledger.AdjustBalance(r.Context(), r.PathValue("family"), r.PathValue("id"),
		req.Delta, domain.Reason(req.Reason), req.Notes, actor, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Item   itemResponse          `json:"item"`
		Record historyRecordResponse `json:"record"`
	}{toItemResponse(item), toRecordResponse(*record)})
}

func (h *HTTPHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	item, err := h.ledger.Deactivate(r.Context(), r.PathValue("family"), r.PathValue("id"), actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) EditField(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req editFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	item, err := h.ledger.EditField(r.Context(), r.PathValue("family"), r.PathValue("id"), req.Field, req.Value, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.GetItem(r.Context(), r.PathValue("family"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	items, err := h.ledger.ListItems(r.Context(), r.PathValue("family"), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]itemResponse, 0, len(items))
	for i := range items {
		response = append(response, toItemResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.History(r.Context(), r.PathValue("family"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]historyRecordResponse, 0, len(records))
	for _, record := range records {
		response = append(response, toRecordResponse(record))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) ExpiringSoon(w http.ResponseWriter, r *http.Request) {
	within := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid within duration"})
			return
		}
		within = parsed
	}

	items, err := h.ledger.ExpiringSoon(r.Context(), r.PathValue("family"), within)
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]itemResponse, 0, len(items))
	for i := range items {
		response = append(response, toItemResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor resolves the pre-authenticated identity from request headers.
func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	id := r.Header.Get("X-Actor-ID")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing X-Actor-ID header"})
		return domain.Actor{}, false
	}

	role, err := domain.ParseRole(r.Header.Get("X-Actor-Role"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid X-Actor-Role header"})
		return domain.Actor{}, false
	}

	return domain.Actor{ID: id, Role: role}, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, message = http.StatusNotFound, "item not found"
	case errors.Is(err, service.ErrForbidden):
		status, message = http.StatusForbidden, "insufficient role"
	case errors.Is(err, domain.ErrItemInactive):
		status, message = http.StatusConflict, "item is inactive"
	case errors.Is(err, domain.ErrInsufficientBalance):
		status, message = http.StatusConflict, "insufficient balance"
	case errors.Is(err, domain.ErrDuplicateBatch):
		status, message = http.StatusConflict, "duplicate batch number"
	case errors.Is(err, domain.ErrConflict):
		status, message = http.StatusConflict, "conflict, retry the request"
	case errors.Is(err, service.ErrDuplicateRequest):
		status, message = http.StatusConflict, "duplicate request"
	case errors.Is(err, service.ErrInvalidReason):
		status, message = http.StatusBadRequest, "reason not in allowed set"
	case errors.Is(err, service.ErrUnknownFamily):
		status, message = http.StatusNotFound, "unknown entity family"
	case errors.Is(err, service.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	}

	writeJSON(w, status, errorResponse{Error: message})
}

func toItemResponse(item *domain.Item) itemResponse {
	return itemResponse{
		ID:          item.ID,
		Family:      item.Family,
		Name:        item.Name,
		BatchNumber: item.BatchNumber,
		Unit:        item.Unit,
		Balance:     item.Balance,
		Active:      item.Active,
		CreatedBy:   item.CreatedBy,
		Version:     item.Version,
		ExpiresAt:   item.ExpiresAt,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}

func toRecordResponse(record domain.HistoryRecord) historyRecordResponse {
	return historyRecordResponse{
		ID:               record.ID,
		Action:           string(record.Action),
		Delta:            record.Delta,
		ResultingBalance: record.ResultingBalance,
		Reason:           string(record.Reason),
		Field:            record.Field,
		OldValue:         record.OldValue,
		NewValue:         record.NewValue,
		Notes:            record.Notes,
		ActorID:          record.ActorID,
		ActorRole:        record.ActorRole.String(),
		RecordedAt:       record.RecordedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
