package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/lookup"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// Dispatcher is the engine surface the API drives.
type Dispatcher interface {
	Issue(ctx context.Context, requestID string) (models.Ticket, bool, error)
	ClaimNext(ctx context.Context, counterID, requestID string) (models.Ticket, error)
	Skip(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	Release(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	Serve(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)
	CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error)
	RecentTickets(ctx context.Context) ([]models.Ticket, error)
	Metrics(ctx context.Context) (models.QueueMetrics, error)
	Counters(ctx context.Context, activeOnly bool) ([]models.Counter, error)
	TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

type Lookuper interface {
	Lookup(ctx context.Context, raw string) (lookup.Result, error)
}

type Handler struct {
	engine    Dispatcher
	lookups   Lookuper
	validator *validator.Validate
	logger    zerolog.Logger
}

type issueRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,max=128"`
}

type claimRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,max=128"`
	CounterID string `json:"counter_id" validate:"required,uuid"`
}

type ticketActionRequest struct {
	RequestID   string `json:"request_id" validate:"omitempty,max=128"`
	CounterID   string `json:"counter_id" validate:"required,uuid"`
	QueueNumber int64  `json:"queue_number" validate:"required,gt=0"`
}

type claimResponse struct {
	Outcome string         `json:"outcome"`
	Ticket  *models.Ticket `json:"ticket,omitempty"`
}

type lookupResponse struct {
	Tickets []models.Ticket `json:"tickets"`
	Error   *responseError  `json:"error,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Dispatcher, lookups Lookuper, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		lookups:   lookups,
		validator: validator.New(),
		logger:    logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queues", h.handleQueues)
	mux.HandleFunc("/api/queues/next", h.handleClaimNext)
	mux.HandleFunc("/api/queues/skip", h.handleTicketAction(h.engine.Skip))
	mux.HandleFunc("/api/queues/release", h.handleTicketAction(h.engine.Release))
	mux.HandleFunc("/api/queues/serve", h.handleTicketAction(h.engine.Serve))
	mux.HandleFunc("/api/queues/current", h.handleCurrent)
	mux.HandleFunc("/api/queues/lookup", h.handleLookup)
	mux.HandleFunc("/api/queues/metrics", h.handleMetrics)
	mux.HandleFunc("/api/tickets/", h.handleTicketEvents)
	mux.HandleFunc("/api/counters", h.handleCounters)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tickets, err := h.engine.RecentTickets(r.Context())
		if err != nil {
			h.fail(w, r, requestIDFrom(r, ""), err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(tickets))
	case http.MethodPost:
		h.handleIssue(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)

	ticket, created, err := h.engine.Issue(r.Context(), req.RequestID)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req claimRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)

	ticket, err := h.engine.ClaimNext(r.Context(), req.CounterID, req.RequestID)
	if errors.Is(err, store.ErrNoWaitingTicket) {
		writeJSON(w, http.StatusOK, claimResponse{Outcome: "empty"})
		return
	}
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Outcome: "ok", Ticket: &ticket})
}

type ticketAction func(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error)

func (h *Handler) handleTicketAction(action ticketAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req ticketActionRequest
		if !h.decodeRequest(w, r, &req) {
			return
		}
		ticket, err := action(r.Context(), req.CounterID, req.QueueNumber)
		if err != nil {
			h.fail(w, r, requestIDFrom(r, req.RequestID), err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	}
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queues, err := h.engine.CurrentQueues(r.Context())
	if err != nil {
		h.fail(w, r, requestIDFrom(r, ""), err)
		return
	}
	if queues == nil {
		queues = []models.CurrentQueue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := h.lookups.Lookup(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, requestIDFrom(r, ""), err)
		return
	}
	if !result.Found() {
		writeJSON(w, http.StatusNotFound, lookupResponse{
			Tickets: []models.Ticket{},
			Error:   &responseError{Code: "not_found", Message: "no matching queue"},
		})
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{Tickets: result.Tickets})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	metrics, err := h.engine.Metrics(r.Context())
	if err != nil {
		h.fail(w, r, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "events" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ticketID := parts[0]
	if err := h.validator.Var(ticketID, "required,uuid"); err != nil {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	events, err := h.engine.TicketHistory(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "active must be true or false")
			return
		}
		activeOnly = parsed
	}
	counters, err := h.engine.Counters(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, r, requestIDFrom(r, ""), err)
		return
	}
	if counters == nil {
		counters = []models.Counter{}
	}
	writeJSON(w, http.StatusOK, counters)
}

// decodeRequest reads a JSON body into dst and validates it. An empty body
// decodes to the zero value. It writes the error response and returns false
// when the request is unusable.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, jsonFieldName(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}

func jsonFieldName(field string) string {
	switch field {
	case "RequestID":
		return "request_id"
	case "CounterID":
		return "counter_id"
	case "QueueNumber":
		return "queue_number"
	default:
		return strings.ToLower(field)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, lookup.ErrEmptyQuery):
		return http.StatusBadRequest, "invalid_request", "query must be a queue number or counter name"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrStateConflict):
		return http.StatusConflict, "state_conflict", err.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "state_conflict", "ticket state does not allow this action"
	case errors.Is(err, store.ErrEventChainBroken):
		return http.StatusInternalServerError, "history_corrupted", "ticket history failed verification"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func requestIDFrom(r *http.Request, bodyRequestID string) string {
	if id := strings.TrimSpace(bodyRequestID); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

func nonNil(tickets []models.Ticket) []models.Ticket {
	if tickets == nil {
		return []models.Ticket{}
	}
	return tickets
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
