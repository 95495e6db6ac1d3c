package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/contracts"
	"github.com/aural-labs/selfsession/pkg/observability"
	"github.com/aural-labs/selfsession/pkg/session"
)

// Service binds the session runtime to HTTP.
type Service struct {
	lanes    *LaneManager
	exporter *audit.Exporter
	schemas  *requestSchemas
	obs      *observability.Provider
}

// NewService creates the HTTP service. The observability provider may be
// nil.
func NewService(lanes *LaneManager, exporter *audit.Exporter, obs *observability.Provider) (*Service, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Service{lanes: lanes, exporter: exporter, schemas: schemas, obs: obs}, nil
}

// Routes returns the full handler tree with middleware applied.
func (s *Service) Routes(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", s.HandleStartSession)
	mux.HandleFunc("/v1/sessions/consent", s.HandleGrantConsent)
	mux.HandleFunc("/v1/sessions/decline", s.HandleDecline)
	mux.HandleFunc("/v1/sessions/step", s.HandleExecuteStep)
	mux.HandleFunc("/v1/sessions/confirm", s.HandleConfirm)
	mux.HandleFunc("/v1/sessions/revoke", s.HandleRevoke)
	mux.HandleFunc("/v1/audit/export", s.HandleAuditExport)
	mux.HandleFunc("/healthz", s.HandleHealth)

	var handler http.Handler = mux
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	return RequestID(handler)
}

// decodeValidated reads the body, validates it against the schema, and
// binds it to dst.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unable to read request body")
		return false
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := schema.Validate(raw); err != nil {
		WriteBadRequest(w, fmt.Sprintf("Schema validation failed: %v", err))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// track wraps a handler invocation in a span plus RED metrics when an
// observability provider is configured.
func (s *Service) track(r *http.Request, name string) func(error) {
	if s.obs == nil {
		return func(error) {}
	}
	_, done := s.obs.TrackRequest(r.Context(), name,
		attribute.String("http.route", r.URL.Path))
	return done
}

// HandleStartSession handles POST /v1/sessions.
func (s *Service) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "start_session")

	var req contracts.StartSessionRequest
	if !decodeValidated(w, r, s.schemas.startSession, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.StartSession(req)
	if err != nil {
		done(err)
		switch {
		case errors.Is(err, ErrLaneBusy):
			WriteConflict(w, err.Error())
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}

	done(nil)
	writeJSON(w, http.StatusCreated, contracts.SessionCreated{
		SessionID:           sess.ID(),
		State:               sess.State(),
		RegistryFingerprint: sess.RegistryFingerprint(),
	})
}

// HandleGrantConsent handles POST /v1/sessions/consent.
func (s *Service) HandleGrantConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "grant_consent")

	var req contracts.GrantConsentRequest
	if !decodeValidated(w, r, s.schemas.grantConsent, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.Get(req.SessionID)
	if err != nil {
		done(err)
		WriteNotFound(w, err.Error())
		return
	}

	granted, err := sess.GrantConsent()
	if err != nil {
		done(err)
		s.writeSessionError(w, err)
		return
	}

	done(nil)
	writeJSON(w, http.StatusOK, granted)
}

// HandleDecline handles POST /v1/sessions/decline.
func (s *Service) HandleDecline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "decline_session")

	var req contracts.RevokeRequest
	if !decodeValidated(w, r, s.schemas.decline, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.Get(req.SessionID)
	if err != nil {
		done(err)
		WriteNotFound(w, err.Error())
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "declined"
	}
	if err := sess.Decline(reason); err != nil {
		done(err)
		s.writeSessionError(w, err)
		return
	}

	done(nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID(),
		"state":      sess.State(),
	})
}

// HandleExecuteStep handles POST /v1/sessions/step.
func (s *Service) HandleExecuteStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "execute_step")

	var req contracts.ExecuteStepRequest
	if !decodeValidated(w, r, s.schemas.executeStep, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.Get(req.SessionID)
	if err != nil {
		done(err)
		WriteNotFound(w, err.Error())
		return
	}

	resp, err := sess.ExecuteStep(r.Context(), req)
	if err != nil {
		done(err)
		s.writeSessionError(w, err)
		return
	}

	if s.obs != nil {
		switch resp.Outcome {
		case contracts.OutcomeExecuted:
			s.obs.RecordStepExecuted(r.Context(), req.Operation)
		case contracts.OutcomeCheckpoint:
			s.obs.RecordCheckpoint(r.Context())
		case contracts.OutcomeHalted:
			s.obs.RecordGuardFailure(r.Context())
			s.obs.RecordHalt(r.Context(), resp.Reason)
		}
	}

	done(nil)
	writeJSON(w, http.StatusOK, resp)
}

// HandleConfirm handles POST /v1/sessions/confirm.
func (s *Service) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "confirmation_response")

	var req contracts.ConfirmationResponse
	if !decodeValidated(w, r, s.schemas.confirmation, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.Get(req.SessionID)
	if err != nil {
		done(err)
		WriteNotFound(w, err.Error())
		return
	}

	result, err := sess.Confirm(req)
	if err != nil {
		done(err)
		s.writeSessionError(w, err)
		return
	}

	done(nil)
	writeJSON(w, http.StatusOK, result)
}

// HandleRevoke handles POST /v1/sessions/revoke.
func (s *Service) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "revoke")

	var req contracts.RevokeRequest
	if !decodeValidated(w, r, s.schemas.revoke, &req) {
		done(nil)
		return
	}

	sess, err := s.lanes.Get(req.SessionID)
	if err != nil {
		done(err)
		WriteNotFound(w, err.Error())
		return
	}

	halted, err := sess.Revoke(req)
	if err != nil {
		done(err)
		s.writeSessionError(w, err)
		return
	}

	if s.obs != nil {
		s.obs.RecordHalt(r.Context(), halted.Reason)
	}

	done(nil)
	writeJSON(w, http.StatusOK, halted)
}

// HandleAuditExport handles GET /v1/audit/export. The exporter refuses to
// certify a broken chain; that refusal surfaces as a 500, never as a
// partial report.
func (s *Service) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	done := s.track(r, "audit_export")

	req := audit.ExportRequest{SessionID: r.URL.Query().Get("session_id")}
	if v := r.URL.Query().Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			done(err)
			WriteBadRequest(w, "start must be RFC 3339")
			return
		}
		req.StartTime = ts
	}
	if v := r.URL.Query().Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			done(err)
			WriteBadRequest(w, "end must be RFC 3339")
			return
		}
		req.EndTime = ts
	}

	report, err := s.exporter.Export(req)
	if err != nil {
		done(err)
		switch {
		case errors.Is(err, audit.ErrEmptySelection):
			WriteBadRequest(w, err.Error())
		case errors.Is(err, audit.ErrChainIntegrity):
			WriteInternal(w, err)
		default:
			WriteInternal(w, err)
		}
		return
	}

	done(nil)
	writeJSON(w, http.StatusOK, report)
}

// HandleHealth handles GET /healthz.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeSessionError maps session-level failures onto problem details. A
// state-machine refusal is a conflict with the session's current state, not
// a malformed request.
func (s *Service) writeSessionError(w http.ResponseWriter, err error) {
	var illegal *session.IllegalTransitionError
	switch {
	case errors.Is(err, session.ErrWrongState), errors.Is(err, session.ErrStepInFlight):
		WriteConflict(w, err.Error())
	case errors.As(err, &illegal):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
