/*
handlers.go - RPC handlers for attendance, payments and sequences

PURPOSE:
  Exposes the ledger, the attendance writer and the scheduled jobs over
  HTTP. Handles request decoding and validation, and delegates to the
  domain services.

ENDPOINTS:
  Attendance:
    POST /rpc/recordAttendance        One client's entry for a session
    POST /rpc/saveSessionAttendance   Whole manual snapshot
    POST /rpc/addSessionParticipant   Ad-hoc participant

  Ledger:
    POST /rpc/createReceivable        Builder + persist
    POST /rpc/previewPayment          Distribution, nothing written
    POST /rpc/applyPayment            Distribution + atomic commit

  Sequences:
    POST /rpc/nextSequence            Next formatted value for a key

  Jobs and summaries:
    GET  /api/tenants/{t}/branches/{b}/summaries/{kind}
    GET  /api/jobs                    Registered jobs, next run
    GET  /api/jobs/runs               Persisted run reports
    POST /api/jobs/{name}/run         Run a job now

REQUEST FLOW:
  1. Decode JSON body
  2. Validate struct tags (idTenant/idBranch always required)
  3. Call the domain service with the caller id from the bearer token
  4. Serialize response, or the error envelope (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/academy"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/jobs"
	"github.com/warp/academy-ledger/ledger"
	"github.com/warp/academy-ledger/logger"
	"github.com/warp/academy-ledger/sequence"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      docstore.Store
	Attendance *academy.Attendance
	Payments   *ledger.PaymentService
	Numbers    sequence.Generator
	Scheduler  *jobs.Scheduler // optional; job endpoints answer 404 without it
	Runs       *jobs.RunStore
	Logger     logrus.FieldLogger

	validate *validator.Validate
}

// NewHandler creates a handler with a validator that reports JSON field
// names.
func NewHandler(store docstore.Store) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Store:    store,
		Runs:     &jobs.RunStore{Store: store},
		validate: v,
	}
}

func (h *Handler) log() logrus.FieldLogger {
	return logger.Or(h.Logger).WithField("component", "api")
}

// decode reads the JSON body into req and validates it.
func (h *Handler) decode(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// RecordAttendance writes one client's entry for a session.
// POST /rpc/recordAttendance
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req RecordAttendanceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "RecordAttendance", err)
		return
	}

	s, err := h.Attendance.Record(r.Context(), req.Partition(), academy.RecordInput{
		SessionID:     req.SessionID,
		ClientID:      req.ClientID,
		Status:        academy.AttendanceStatus(req.Status),
		Justification: req.Justification,
		RecordedBy:    CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, h.log(), "RecordAttendance", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// SaveSessionAttendance replaces a session's snapshot.
// POST /rpc/saveSessionAttendance
func (h *Handler) SaveSessionAttendance(w http.ResponseWriter, r *http.Request) {
	var req SaveSessionAttendanceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "SaveSessionAttendance", err)
		return
	}

	entries := make([]academy.EntryInput, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = academy.EntryInput{
			ClientID:      e.ClientID,
			Status:        academy.AttendanceStatus(e.Status),
			Justification: e.Justification,
		}
	}
	s, err := h.Attendance.SaveSnapshot(r.Context(), req.Partition(), academy.SnapshotInput{
		SessionID:  req.SessionID,
		Entries:    entries,
		RecordedBy: CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, h.log(), "SaveSessionAttendance", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// AddSessionParticipant adds an ad-hoc participant.
// POST /rpc/addSessionParticipant
func (h *Handler) AddSessionParticipant(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "AddSessionParticipant", err)
		return
	}

	s, added, err := h.Attendance.AddParticipant(r.Context(), req.Partition(), academy.ParticipantInput{
		SessionID:  req.SessionID,
		ClientID:   req.ClientID,
		RecordedBy: CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, h.log(), "AddSessionParticipant", err)
		return
	}
	writeJSON(w, http.StatusOK, AddParticipantResponse{Added: added, Session: toSessionDTO(s)})
}

// =============================================================================
// LEDGER
// =============================================================================

// CreateReceivable normalizes and stores a receivable.
// POST /rpc/createReceivable
func (h *Handler) CreateReceivable(w http.ResponseWriter, r *http.Request) {
	var req CreateReceivableRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "CreateReceivable", err)
		return
	}

	rec, err := h.Payments.CreateReceivable(r.Context(), req.Partition(), req.Receivable)
	if err != nil {
		writeError(w, h.log(), "CreateReceivable", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PreviewPayment returns the distribution of an amount without writing.
// POST /rpc/previewPayment
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	var req PreviewPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "PreviewPayment", err)
		return
	}

	dist, err := h.Payments.Preview(r.Context(), req.Partition(), req.ClientID, req.Amount)
	if err != nil {
		writeError(w, h.log(), "PreviewPayment", err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// ApplyPayment distributes a payment and commits it.
// POST /rpc/applyPayment
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "ApplyPayment", err)
		return
	}

	res, err := h.Payments.Apply(r.Context(), req.Partition(), ledger.PaymentInput{
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		Fee:         req.Fee,
		Method:      req.Method,
		Date:        req.Date,
		Description: req.Description,
		CreatedBy:   CallerFrom(r.Context()),
	})
	if err != nil {
		writeError(w, h.log(), "ApplyPayment", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SEQUENCES
// =============================================================================

// NextSequence returns the next value for a counter key.
// POST /rpc/nextSequence
func (h *Handler) NextSequence(w http.ResponseWriter, r *http.Request) {
	var req NextSequenceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, h.log(), "NextSequence", err)
		return
	}

	value, err := h.Numbers.Next(r.Context(), req.Partition(), req.Key)
	if err != nil {
		writeError(w, h.log(), "NextSequence", err)
		return
	}
	writeJSON(w, http.StatusOK, NextSequenceResponse{Key: req.Key, Value: value})
}

// =============================================================================
// SUMMARIES AND JOBS
// =============================================================================

// GetSummary returns an operational summary document.
// GET /api/tenants/{tenant}/branches/{branch}/summaries/{kind}
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	p := docstore.Partition{TenantID: chi.URLParam(r, "tenant"), BranchID: chi.URLParam(r, "branch")}
	kind := chi.URLParam(r, "kind")

	doc, err := h.Store.Get(r.Context(), jobs.SummaryPath(p, kind))
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, h.log(), "GetSummary", apperr.New(apperr.CodeNotFound, "no %s summary for %s", kind, p))
		return
	}
	if err != nil {
		writeError(w, h.log(), "GetSummary", err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Data)
}

// ListJobs returns the registered jobs.
// GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []jobs.JobInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.Scheduler.Jobs()})
}

// ListJobRuns returns persisted run reports, newest first.
// GET /api/jobs/runs?job=autoAttendance&limit=20
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, h.log(), "ListJobRuns", apperr.InvalidField("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	runs, err := h.Runs.List(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		writeError(w, h.log(), "ListJobRuns", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// RunJob runs a registered job now.
// POST /api/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.Scheduler == nil {
		writeError(w, h.log(), "RunJob", apperr.New(apperr.CodeNotFound, "unknown job %q", name))
		return
	}

	report, err := h.Scheduler.RunNow(r.Context(), name)
	if err != nil {
		writeError(w, h.log(), "RunJob", err)
		return
	}
	h.log().WithFields(logrus.Fields{
		"job":    name,
		"run":    report.ID,
		"caller": CallerFrom(r.Context()),
	}).Info("job triggered manually")
	writeJSON(w, http.StatusOK, report)
}

// Health answers liveness probes.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
