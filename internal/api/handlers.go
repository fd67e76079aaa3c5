package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/viewsync/internal/events"
	"github.com/hyperengineering/viewsync/internal/validation"
	"github.com/hyperengineering/viewsync/internal/worker"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// WorkerStats reports the sync workers' counters for /health.
type WorkerStats interface {
	Stats() []worker.Stats
}

// FocusRelay forwards focus hints to a peer propagation API.
type FocusRelay interface {
	SetFocus(ctx context.Context, orderID, storeID string, productIDs []string) bool
}

// Handler implements the audit and propagation API handlers.
type Handler struct {
	writes      *events.WriteEventStore
	propagation *events.PropagationEventStore
	workers     WorkerStats
	relay       FocusRelay
	focusTTL    time.Duration
	apiKey      string
	version     string
}

// NewHandler creates a Handler. workers may be nil.
func NewHandler(
	writes *events.WriteEventStore,
	propagation *events.PropagationEventStore,
	workers WorkerStats,
	focusTTL time.Duration,
	apiKey, version string,
) *Handler {
	return &Handler{
		writes:      writes,
		propagation: propagation,
		workers:     workers,
		focusTTL:    focusTTL,
		apiKey:      apiKey,
		version:     version,
	}
}

// WithFocusRelay forwards every accepted focus hint to relay as well.
func (h *Handler) WithFocusRelay(relay FocusRelay) *Handler {
	h.relay = relay
	return h
}

// EventsResponse wraps a query result.
type EventsResponse[E any] struct {
	Events []E `json:"events"`
	Count  int `json:"count"`
}

func newEventsResponse[E any](evs []E) EventsResponse[E] {
	if evs == nil {
		evs = []E{}
	}
	return EventsResponse[E]{Events: evs, Count: len(evs)}
}

// ListWrites handles GET /writes
func (h *Handler) ListWrites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var errs []validation.ValidationError

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		errs = append(errs, validation.ValidationError{Field: "limit", Message: err.Error()})
	}
	query := events.Query{Limit: limit}
	if raw := q.Get("since_ts"); raw != "" {
		since, err := parseSinceTS(raw)
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: "since_ts", Message: err.Error()})
		}
		query.Since = &since
	}
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, http.StatusBadRequest, "Invalid query parameters", errs)
		return
	}

	writeJSON(w, http.StatusOK, newEventsResponse(h.writes.Events(query)))
}

// WriteRequest is the POST /writes body.
type WriteRequest struct {
	Events []WriteInput `json:"events"`
}

// WriteInput is one raw mutation reported by the write path.
type WriteInput struct {
	SubjectID string                `json:"subject_id"`
	Predicate string                `json:"predicate"`
	OldValue  *string               `json:"old_value"`
	NewValue  *string               `json:"new_value"`
	Operation events.WriteOperation `json:"operation"`
}

// WriteResult is the POST /writes response.
type WriteResult struct {
	Accepted int    `json:"accepted"`
	BatchID  string `json:"batch_id"`
}

// RecordWrites handles POST /writes. The whole batch is rejected when any
// entry is invalid.
func (h *Handler) RecordWrites(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	batch := make([]events.WriteEvent, len(req.Events))
	for i, in := range req.Events {
		batch[i] = events.WriteEvent{
			SubjectID: in.SubjectID,
			Predicate: in.Predicate,
			OldValue:  in.OldValue,
			NewValue:  in.NewValue,
			Operation: in.Operation,
		}
	}
	if errs := validation.ValidateWriteEvents(batch); len(errs) > 0 {
		WriteProblemWithErrors(w, r, http.StatusUnprocessableEntity, "Request contains invalid fields", errs)
		return
	}

	stamped := h.writes.Append(batch...)
	slog.Debug("writes recorded",
		"component", "api",
		"events", len(stamped),
		"batch_id", stamped[0].BatchID,
	)
	writeJSON(w, http.StatusCreated, WriteResult{Accepted: len(stamped), BatchID: stamped[0].BatchID})
}

// WritesHealth handles GET /writes/health
func (h *Handler) WritesHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"event_count": h.writes.Len(),
	})
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	query, ok := h.propagationQuery(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEventsResponse(h.propagation.Events(query)))
}

// ListAllEvents handles GET /events/all
func (h *Handler) ListAllEvents(w http.ResponseWriter, r *http.Request) {
	query, ok := h.propagationQuery(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEventsResponse(h.propagation.Events(query)))
}

func (h *Handler) propagationQuery(w http.ResponseWriter, r *http.Request, withSubjects bool) (events.Query, bool) {
	q := r.URL.Query()
	var errs []validation.ValidationError

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		errs = append(errs, validation.ValidationError{Field: "limit", Message: err.Error()})
	}
	query := events.Query{Limit: limit}
	if raw := q.Get("since_mz_ts"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || since > math.MaxInt64 {
			errs = append(errs, validation.ValidationError{Field: "since_mz_ts", Message: "must be a non-negative integer timestamp"})
		}
		pos := int64(since)
		query.Since = &pos
	}
	if withSubjects {
		query.Subjects = splitIDs(q.Get("subject_ids"))
	}
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, http.StatusBadRequest, "Invalid query parameters", errs)
		return events.Query{}, false
	}
	return query, true
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version,omitempty"`
	EventCount int            `json:"event_count"`
	Focus      *events.Focus  `json:"focus"`
	Workers    []worker.Stats `json:"workers,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		EventCount: h.propagation.Len(),
	}
	if f, ok := h.propagation.Focus(); ok {
		resp.Focus = &f
	}
	if h.workers != nil {
		resp.Workers = h.workers.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// FocusRequest is the POST /focus body.
type FocusRequest struct {
	OrderID    string   `json:"order_id"`
	StoreID    string   `json:"store_id"`
	ProductIDs []string `json:"product_ids"`
}

// FocusResponse is the POST /focus body. Relayed is set only when a relay
// is configured.
type FocusResponse struct {
	Status  string        `json:"status"`
	Focus   *events.Focus `json:"focus"`
	Relayed *bool         `json:"relayed,omitempty"`
}

// SetFocus handles POST /focus. The hint is recorded for the configured
// focus TTL and replaces any previous one.
func (h *Handler) SetFocus(w http.ResponseWriter, r *http.Request) {
	var req FocusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateFocus(req.OrderID, req.ProductIDs); len(errs) > 0 {
		WriteProblemWithErrors(w, r, http.StatusBadRequest, "Request contains invalid fields", errs)
		return
	}

	entity, related := focusKeys(req)
	h.propagation.SetFocus(entity, related, h.focusTTL)
	slog.Info("focus set",
		"component", "api",
		"entity_id", entity,
		"related", len(related),
		"ttl", h.focusTTL.String(),
	)

	resp := FocusResponse{Status: "ok"}
	if f, ok := h.propagation.Focus(); ok {
		resp.Focus = &f
	}
	if h.relay != nil {
		relayed := h.relay.SetFocus(r.Context(), req.OrderID, req.StoreID, req.ProductIDs)
		resp.Relayed = &relayed
	}
	writeJSON(w, http.StatusOK, resp)
}

// focusKeys maps a hint to subject ids. Bare ids are prefixed with their
// entity kind; ids that already carry a prefix are kept.
func focusKeys(req FocusRequest) (string, []string) {
	entity := prefixed("order", req.OrderID)
	related := make([]string, 0, len(req.ProductIDs)+1)
	if req.StoreID != "" {
		related = append(related, prefixed("store", req.StoreID))
	}
	for _, p := range req.ProductIDs {
		if p != "" {
			related = append(related, prefixed("product", p))
		}
	}
	return entity, related
}

func prefixed(kind, id string) string {
	id = strings.TrimSpace(id)
	if strings.Contains(id, ":") {
		return id
	}
	return kind + ":" + id
}

// parseLimit returns the default for an empty value and clamps to maxLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLimit, errors.New("must be a positive integer")
	}
	return min(n, maxLimit), nil
}

// parseSinceTS accepts unix seconds (fractions allowed) or RFC 3339 and
// returns unix nanoseconds.
func parseSinceTS(raw string) (int64, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > math.MaxInt64/1e9 {
			return 0, errors.New("out of range")
		}
		return int64(secs * 1e9), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, errors.New("must be unix seconds or an RFC 3339 time")
	}
	return t.UnixNano(), nil
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
