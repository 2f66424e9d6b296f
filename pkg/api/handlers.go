package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/decision"
	"github.com/forfeit-sh/forfeit/pkg/lifecycle"
	"github.com/forfeit-sh/forfeit/pkg/notify"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

// Service exposes the client-facing consequence surface. Authentication is
// handled upstream; the authenticated owner arrives in the X-Owner-ID
// header.
type Service struct {
	queue     *notify.Queue
	push      notify.PushChannel
	engine    *decision.Engine
	lifecycle *lifecycle.Service

	// devTrigger enables the manual trigger path. Development aid only;
	// it drives the real pipeline so it cannot diverge from production
	// semantics.
	devTrigger bool
}

func NewService(queue *notify.Queue, push notify.PushChannel, engine *decision.Engine, lc *lifecycle.Service, devTrigger bool) *Service {
	return &Service{queue: queue, push: push, engine: engine, lifecycle: lc, devTrigger: devTrigger}
}

// Routes registers all handlers on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/consequences/unacknowledged", s.HandleCatchUp)
	mux.HandleFunc("POST /v1/consequences/{id}/ack", s.HandleAcknowledge)
	mux.HandleFunc("GET /v1/consequences/failed", s.HandleEscalated)
	mux.HandleFunc("GET /v1/consequences/stream", s.HandleStream)
	mux.HandleFunc("POST /v1/units/{id}/submissions", s.HandleSubmission)
	mux.HandleFunc("POST /v1/units/{id}/grade", s.HandleGradeCallback)
	mux.HandleFunc("POST /v1/dev/trigger", s.HandleDevTrigger)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
}

func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

// HandleCatchUp is the catch-up read: it claims and returns every finished,
// unacknowledged, never-shown consequence for the owner, oldest first.
// Claiming happens server-side, so of two concurrently connected sessions
// only one receives any given record.
func (s *Service) HandleCatchUp(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		WriteBadRequest(w, "Missing X-Owner-ID header")
		return
	}

	records, err := s.queue.CatchUp(r.Context(), owner)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if records == nil {
		records = []*contracts.ConsequenceRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// HandleAcknowledge dismisses a shown consequence, permanently retiring it
// from the delivery queue.
func (s *Service) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteBadRequest(w, "Missing consequence id")
		return
	}

	ok, err := s.queue.Acknowledge(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !ok {
		WriteConflict(w, "Consequence already acknowledged")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEscalated lists failed-execution consequences for manual
// reconciliation.
func (s *Service) HandleEscalated(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		WriteBadRequest(w, "Missing X-Owner-ID header")
		return
	}

	records, err := s.queue.Escalated(r.Context(), owner)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if records == nil {
		records = []*contracts.ConsequenceRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// HandleStream is the advisory push surface: a server-sent event stream of
// "consequence finished" announcements. Clients treat it purely as a hint
// to re-run the catch-up read; a dropped event costs nothing but latency.
func (s *Service) HandleStream(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		WriteBadRequest(w, "Missing X-Owner-ID header")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, &ProblemDetail{Title: "streaming unsupported"})
		return
	}

	sub, err := s.push.Subscribe(r.Context(), owner)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: consequence\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// SubmissionRequest carries proof of completion for a unit.
type SubmissionRequest struct {
	Type       contracts.SubmissionType `json:"type"`
	ContentRef string                   `json:"content_ref"`
}

// HandleSubmission records proof against a unit before its deadline.
func (s *Service) HandleSubmission(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		WriteBadRequest(w, "Missing X-Owner-ID header")
		return
	}
	unitID := r.PathValue("id")

	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	sub, err := s.lifecycle.RecordSubmission(r.Context(), unitID, owner, req.Type, req.ContentRef)
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "Unknown unit")
		return
	case errors.Is(err, lifecycle.ErrDeadlinePassed):
		WriteConflict(w, "Unit no longer accepts submissions")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sub)
}

// GradeCallbackRequest is the grading collaborator's verdict.
type GradeCallbackRequest struct {
	Passed bool `json:"passed"`
}

// HandleGradeCallback applies a grading verdict. Safe to deliver more than
// once; a repeat on a settled unit is a no-op.
func (s *Service) HandleGradeCallback(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("id")

	var req GradeCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	err := s.lifecycle.ApplyGradeCallback(r.Context(), unitID, req.Passed)
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "Unknown unit")
		return
	case errors.Is(err, lifecycle.ErrNotGradeable):
		WriteConflict(w, "Unit has no gradeable submission")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DevTriggerRequest fabricates a failed unit carrying one stake.
type DevTriggerRequest struct {
	OwnerID string          `json:"owner_id"`
	Stake   contracts.Stake `json:"stake"`
}

// HandleDevTrigger pushes a fabricated failed unit through the real
// decision pipeline. Disabled unless FORFEIT_DEV_TRIGGER is set.
func (s *Service) HandleDevTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.devTrigger {
		WriteNotFound(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req DevTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.OwnerID == "" {
		WriteBadRequest(w, "Missing required field: owner_id")
		return
	}
	if err := req.Stake.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	now := time.Now().UTC()
	unit := &contracts.DeadlineUnit{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     "dev trigger",
		Deadline:  now,
		Status:    contracts.UnitFailed,
		Stakes:    []contracts.Stake{req.Stake},
		CreatedAt: now,
		UpdatedAt: now,
	}

	records, err := s.engine.Evaluate(r.Context(), unit)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(records)
}

// HandleHealth is a liveness probe.
func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
