package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"tripbook/internal/booking"
	"tripbook/internal/booking/saga"
	bookingdb "tripbook/internal/db/booking"
	"tripbook/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// BookingService is the supervisor surface exposed over HTTP.
type BookingService interface {
	SubmitBooking(ctx context.Context, sel booking.PackageSelection) (*booking.BookingSaga, error)
	SubmitBatch(ctx context.Context, sels []booking.PackageSelection) []booking.BatchResult
	GetSagaStatus(ctx context.Context, sagaID string) (*booking.BookingSaga, error)
	Resume(ctx context.Context, sagaID string) (*booking.BookingSaga, error)
	Cancel(sagaID string) bool
	Quote(ctx context.Context, vendor string, criteria booking.QuoteCriteria) (booking.Offer, error)
}

// StepReader lists a saga's audit trail. Only the Postgres journal has one.
type StepReader interface {
	Steps(ctx context.Context, sagaID string) ([]bookingdb.Step, error)
}

// Options configures the optional routes of the handler.
type Options struct {
	Metrics *observability.Metrics
	Steps   StepReader
	// Alerts serves the operator alert WebSocket when set.
	Alerts http.HandlerFunc
	// ReadTimeout bounds read-only requests. Booking calls run until the
	// saga is terminal and are bounded by the saga deadline instead.
	ReadTimeout time.Duration
}

type Handler struct {
	service BookingService
	opts    Options
}

func NewHandler(svc BookingService, opts Options) *Handler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	return &Handler{service: svc, opts: opts}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(h.opts.Metrics))
	}
	if h.opts.Alerts != nil {
		r.Get("/ops/alerts/ws", h.opts.Alerts)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/bookings", h.SubmitBooking)
		r.Post("/bookings/batch", h.SubmitBatch)
		r.Post("/quotes", h.Quote)
		r.Route("/bookings/{saga_id}", func(r chi.Router) {
			r.Get("/", h.GetSaga)
			r.Get("/steps", h.GetSteps)
			r.Post("/resume", h.ResumeSaga)
			r.Post("/cancel", h.CancelSaga)
		})
	})
	return r
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Code     string   `json:"code"`
	Problems []string `json:"problems,omitempty"`
}

// SubmitRequest is a package selection plus an optional lock window in
// seconds.
type SubmitRequest struct {
	booking.PackageSelection
	LockTTLSeconds int64 `json:"lockTtlSeconds,omitempty"`
}

func (r SubmitRequest) selection() booking.PackageSelection {
	sel := r.PackageSelection
	if r.LockTTLSeconds > 0 {
		sel.LockTTL = time.Duration(r.LockTTLSeconds) * time.Second
	}
	return sel
}

type BatchRequest struct {
	Selections []SubmitRequest `json:"selections"`
}

type BatchItem struct {
	Saga  *booking.BookingSaga `json:"saga,omitempty"`
	Error *ErrorResponse       `json:"error,omitempty"`
}

type QuoteRequest struct {
	Vendor   string                `json:"vendor"`
	Criteria booking.QuoteCriteria `json:"criteria"`
}

// POST /v1/bookings
//
// A booking that fails and is compensated is still a 200 with the failed
// saga in the body.
func (h *Handler) SubmitBooking(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.SubmitBooking(r.Context(), req.selection())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /v1/bookings/batch
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Selections) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_argument", "selections is required")
		return
	}
	sels := make([]booking.PackageSelection, len(req.Selections))
	for i, s := range req.Selections {
		sels[i] = s.selection()
	}
	results := h.service.SubmitBatch(r.Context(), sels)
	items := make([]BatchItem, len(results))
	for i, res := range results {
		items[i].Saga = res.Saga
		if res.Err != nil {
			_, body := errorBody(res.Err)
			items[i].Error = &body
		}
	}
	respondJSON(w, http.StatusOK, items)
}

// GET /v1/bookings/{saga_id}
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ReadTimeout)
	defer cancel()

	result, err := h.service.GetSagaStatus(ctx, chi.URLParam(r, "saga_id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GET /v1/bookings/{saga_id}/steps
func (h *Handler) GetSteps(w http.ResponseWriter, r *http.Request) {
	if h.opts.Steps == nil {
		respondError(w, http.StatusNotImplemented, "unimplemented", "step journal is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ReadTimeout)
	defer cancel()

	steps, err := h.opts.Steps.Steps(ctx, chi.URLParam(r, "saga_id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if steps == nil {
		steps = []bookingdb.Step{}
	}
	respondJSON(w, http.StatusOK, steps)
}

// POST /v1/bookings/{saga_id}/resume
func (h *Handler) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Resume(r.Context(), chi.URLParam(r, "saga_id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /v1/bookings/{saga_id}/cancel
func (h *Handler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	if !h.service.Cancel(chi.URLParam(r, "saga_id")) {
		respondError(w, http.StatusConflict, "not_running", "saga is not running on this instance")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

// POST /v1/quotes
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ReadTimeout)
	defer cancel()

	var req QuoteRequest
	if !decode(w, r, &req) {
		return
	}
	offer, err := h.service.Quote(ctx, req.Vendor, req.Criteria)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func respondDomainError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	respondJSON(w, status, body)
}

func errorBody(err error) (int, ErrorResponse) {
	var verr *booking.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_argument", Problems: verr.Problems}
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, booking.ErrSagaInFlight), errors.Is(err, saga.ErrVersionConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"}
	case errors.Is(err, booking.ErrVendorRejected):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "vendor_rejected"}
	case errors.Is(err, booking.ErrVendorUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "unavailable"}
	case errors.Is(err, booking.ErrOutcomeUnknown), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Code: "timeout"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal_error"}
}
