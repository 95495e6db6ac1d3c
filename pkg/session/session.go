package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/authority"
	"github.com/aural-labs/selfsession/pkg/confirmation"
	"github.com/aural-labs/selfsession/pkg/contracts"
	"github.com/aural-labs/selfsession/pkg/guard"
	"github.com/aural-labs/selfsession/pkg/registry"
)

var (
	// ErrWrongState rejects an operation invoked outside the state that
	// permits it.
	ErrWrongState = errors.New("operation not permitted in current state")

	// ErrStepInFlight rejects a step request while another step is still
	// running.
	ErrStepInFlight = errors.New("a step is already in flight")
)

// Executor runs one approved step. The context is cancelled the moment
// authority is revoked; implementations must honour it.
type Executor interface {
	Execute(ctx context.Context, operation string, params map[string]interface{}) (map[string]interface{}, error)
}

type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, operation string, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"operation": operation, "acknowledged": true}, nil
}

// Config wires one session's collaborators. Chain, Authority, and
// Confirmations are required; everything else has a sensible zero form.
type Config struct {
	SessionID      string
	Lane           string
	Context        contracts.ExecutionContext
	Capabilities   []contracts.Capability
	TTL            time.Duration
	SilenceTimeout time.Duration

	Chain         *audit.Chain
	Authority     *authority.Manager
	Confirmations *confirmation.Manager
	Executor      Executor
	Signer        *authority.WireSigner
	Clock         Clock
	Logger        *slog.Logger
}

type executedStep struct {
	Operation     string
	Reversibility contracts.ReversibilityClass
	At            time.Time
}

// pendingStep is the step whose confirmation challenge is outstanding or
// recently satisfied.
type pendingStep struct {
	EventID    string
	Operation  string
	Parameters map[string]interface{}
}

// Session is the aggregate: one bounded grant of delegated execution. All
// state changes funnel through its Machine, so every one of them is either
// legal and logged, or refused.
type Session struct {
	mu sync.Mutex

	id   string
	lane string

	machine *Machine
	chain   *audit.Chain
	auth    *authority.Manager
	confirm *confirmation.Manager
	guard   *guard.Guard
	exec    Executor
	signer  *authority.WireSigner
	clock   Clock
	logger  *slog.Logger

	frozen  contracts.ExecutionContext
	current contracts.ExecutionContext

	requested []contracts.Capability
	registry  *registry.Registry

	ttl     time.Duration
	tokenID string
	wire    string

	silence *authority.SilenceTracker
	anomaly bool

	pending  *pendingStep
	executed []executedStep

	stepCancel context.CancelFunc
}

// New creates a session and moves it from Inactive to Requested. The
// capability registry is not locked yet; that happens at consent.
func New(cfg Config) (*Session, error) {
	if cfg.Chain == nil || cfg.Authority == nil || cfg.Confirmations == nil {
		return nil, errors.New("session: chain, authority, and confirmation manager are required")
	}
	if len(cfg.Capabilities) == 0 {
		return nil, errors.New("session: at least one requested capability is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	if cfg.SilenceTimeout <= 0 {
		return nil, errors.New("session: silence timeout must be positive")
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := cfg.Executor
	if exec == nil {
		exec = noopExecutor{}
	}

	s := &Session{
		id:        id,
		lane:      cfg.Lane,
		machine:   NewMachine(id, cfg.Chain),
		chain:     cfg.Chain,
		auth:      cfg.Authority,
		confirm:   cfg.Confirmations,
		guard:     guard.New(cfg.Authority, cfg.Chain),
		exec:      exec,
		signer:    cfg.Signer,
		clock:     clock,
		logger:    logger.With("session_id", id),
		frozen:    cfg.Context,
		current:   cfg.Context,
		requested: append([]contracts.Capability(nil), cfg.Capabilities...),
		ttl:       cfg.TTL,
		silence:   authority.NewSilenceTracker(cfg.SilenceTimeout),
	}

	if _, err := cfg.Chain.Append(audit.Record{
		Kind:      audit.KindSessionCreated,
		SessionID: id,
		NewState:  contracts.StateInactive,
		Reason:    "session created",
		Detail: map[string]interface{}{
			"lane":                   cfg.Lane,
			"requested_capabilities": capabilityIDs(cfg.Capabilities),
			"ttl_seconds":            int(cfg.TTL / time.Second),
		},
	}); err != nil {
		return nil, fmt.Errorf("session: create not recorded: %w", err)
	}
	if err := s.machine.Transition(contracts.StateRequested, "session requested", nil); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Lane returns the logical execution lane.
func (s *Session) Lane() string { return s.lane }

// State returns the current state.
func (s *Session) State() contracts.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// RegistryFingerprint returns the locked registry fingerprint, or "" before
// consent.
func (s *Session) RegistryFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		return ""
	}
	return s.registry.Fingerprint()
}

// GrantConsent locks the capability registry to exactly what was requested,
// issues the time-bounded authority token, and moves to ConsentGranted.
// Consent is an operator action, so the silence clock restarts here.
func (s *Session) GrantConsent() (*contracts.ConsentGranted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.State() != contracts.StateRequested {
		return nil, fmt.Errorf("%w: consent requires Requested, session is %s", ErrWrongState, s.machine.State())
	}

	locked, err := registry.NewLocked(s.requested)
	if err != nil {
		return nil, fmt.Errorf("session %s: capability registry rejected: %w", s.id, err)
	}

	token, err := s.auth.Issue(s.id, s.ttl)
	if err != nil {
		return nil, err
	}

	wire := ""
	if s.signer != nil {
		wire, err = s.signer.Mint(token)
		if err != nil {
			return nil, err
		}
	}

	if err := s.machine.Transition(contracts.StateConsentGranted, "consent granted", audit.BoolPtr(true)); err != nil {
		return nil, err
	}

	s.registry = locked
	s.tokenID = token.TokenID
	s.wire = wire
	s.silence.RecordActivity(s.clock.Now())

	s.logger.Info("consent granted",
		"registry_fingerprint", locked.Fingerprint(),
		"expires_at", token.ExpiresAt)

	return &contracts.ConsentGranted{
		SessionID: s.id,
		State:     s.machine.State(),
		Authority: wire,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Decline abandons a Requested session back to Inactive.
func (s *Session) Decline(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != contracts.StateRequested && s.machine.State() != contracts.StateConsentGranted {
		return fmt.Errorf("%w: decline requires Requested or ConsentGranted, session is %s", ErrWrongState, s.machine.State())
	}
	return s.machine.Transition(contracts.StateInactive, reason, nil)
}

// ExecuteStep runs one step through the full guard. The first step of a
// consented session promotes ConsentGranted to Executing before the guard
// runs. The outcome is exactly one of executed, checkpoint, or halted.
func (s *Session) ExecuteStep(ctx context.Context, req contracts.ExecuteStepRequest) (*contracts.ExecuteStepResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stepCancel != nil {
		return nil, ErrStepInFlight
	}

	now := s.clock.Now()

	switch s.machine.State() {
	case contracts.StateConsentGranted:
		// Executing may only ever be entered with live authority.
		if !s.auth.Validate(s.tokenID, now) {
			reason := "authority invalid at first step"
			if err := s.haltLocked(reason); err != nil {
				return nil, err
			}
			return &contracts.ExecuteStepResponse{
				Outcome: contracts.OutcomeHalted,
				State:   s.machine.State(),
				Reason:  reason,
			}, nil
		}
		if err := s.machine.Transition(contracts.StateExecuting, "first step requested", audit.BoolPtr(true)); err != nil {
			return nil, err
		}
	case contracts.StateExecuting, contracts.StateCheckpointPending, contracts.StatePaused:
		// Guard decides below.
	default:
		return nil, fmt.Errorf("%w: cannot execute in %s", ErrWrongState, s.machine.State())
	}

	result := s.guard.Evaluate(guard.StepRequest{
		SessionID:      s.id,
		State:          s.machine.State(),
		TokenID:        s.tokenID,
		Now:            now,
		FrozenContext:  s.frozen,
		CurrentContext: s.current,
		Operation:      req.Operation,
		Parameters:     req.Parameters,
		Registry:       s.registry,
		Silence:        s.silence,
		AnomalyRaised:  s.anomaly,
		StepConfirmed:  s.stepConfirmed(req.Operation),
	})

	switch result.Disposition {
	case guard.DispositionProceed:
		return s.runStep(ctx, req, now)
	case guard.DispositionCheckpoint:
		return s.checkpointLocked(req, result, now)
	default:
		return s.haltFromGuardLocked(result)
	}
}

// runStep executes an approved step and records it. Entered and left with
// s.mu held, but the mutex is released around the executor call so that
// Revoke can acquire it and cancel the step context while the step runs.
func (s *Session) runStep(ctx context.Context, req contracts.ExecuteStepRequest, now time.Time) (*contracts.ExecuteStepResponse, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	s.stepCancel = cancel
	capability, _ := s.registry.Lookup(req.Operation)

	s.mu.Unlock()
	out, execErr := s.exec.Execute(stepCtx, req.Operation, req.Parameters)
	s.mu.Lock()

	cancel()
	s.stepCancel = nil

	halted := s.machine.State() == contracts.StateHalted
	if execErr != nil {
		if halted {
			return &contracts.ExecuteStepResponse{
				Outcome: contracts.OutcomeHalted,
				State:   s.machine.State(),
				Reason:  "authority revoked while the step was running",
			}, nil
		}
		// A failed executor is an anomaly signal; the next step hits a
		// checkpoint.
		s.anomaly = true
		return nil, fmt.Errorf("session %s: step %s failed: %w", s.id, req.Operation, execErr)
	}

	s.executed = append(s.executed, executedStep{
		Operation:     req.Operation,
		Reversibility: capability.Reversibility,
		At:            now,
	})
	s.pending = nil

	if _, err := s.chain.Append(audit.Record{
		Kind:           audit.KindStepExecuted,
		SessionID:      s.id,
		PriorState:     s.machine.State(),
		NewState:       s.machine.State(),
		Reason:         fmt.Sprintf("executed %s", req.Operation),
		AuthorityValid: audit.BoolPtr(!halted),
		Detail: map[string]interface{}{
			"operation":     req.Operation,
			"reversibility": string(capability.Reversibility),
		},
	}); err != nil {
		return nil, fmt.Errorf("session %s: step not recorded: %w", s.id, err)
	}

	if halted {
		// The step finished before the cancel landed. It is in the undo
		// plan; the session stays down.
		return &contracts.ExecuteStepResponse{
			Outcome: contracts.OutcomeHalted,
			State:   s.machine.State(),
			Reason:  "authority revoked while the step was running",
			Result:  out,
		}, nil
	}

	return &contracts.ExecuteStepResponse{
		Outcome: contracts.OutcomeExecuted,
		State:   s.machine.State(),
		Result:  out,
	}, nil
}

// checkpointLocked transitions to CheckpointPending and issues a challenge.
func (s *Session) checkpointLocked(req contracts.ExecuteStepRequest, result guard.Result, now time.Time) (*contracts.ExecuteStepResponse, error) {
	if s.machine.State() == contracts.StateExecuting {
		if err := s.machine.Transition(contracts.StateCheckpointPending, result.Reason, nil); err != nil {
			return nil, err
		}
	}
	if s.machine.State() == contracts.StatePaused {
		if err := s.machine.Transition(contracts.StateCheckpointPending, "resume requested", nil); err != nil {
			return nil, err
		}
	}

	kind, spec := s.challengeFor(req, result)
	eventID := uuid.NewString()
	token, err := s.confirm.Issue(s.id, eventID, kind, spec)
	if err != nil {
		return nil, err
	}
	s.pending = &pendingStep{
		EventID:    eventID,
		Operation:  req.Operation,
		Parameters: req.Parameters,
	}

	s.logger.Info("checkpoint required",
		"operation", req.Operation,
		"challenge_kind", string(kind),
		"reason", result.Reason)

	return &contracts.ExecuteStepResponse{
		Outcome: contracts.OutcomeCheckpoint,
		State:   s.machine.State(),
		Challenge: &contracts.ChallengePayload{
			TokenID:   token.TokenID,
			Kind:      token.Kind,
			Prompt:    token.Prompt,
			ExpiresAt: token.ExpiresAt,
		},
		Reason: result.Reason,
	}, nil
}

// haltFromGuardLocked halts the session on a non-recoverable guard failure.
func (s *Session) haltFromGuardLocked(result guard.Result) (*contracts.ExecuteStepResponse, error) {
	if err := s.haltLocked(result.Reason); err != nil {
		return nil, err
	}
	return &contracts.ExecuteStepResponse{
		Outcome: contracts.OutcomeHalted,
		State:   s.machine.State(),
		Reason:  result.Reason,
	}, nil
}

// challengeFor picks the challenge kind for a checkpoint. An unconfirmed
// irreversible step gets a comprehension question about that step; every
// other checkpoint gets a presence challenge chosen at random.
func (s *Session) challengeFor(req contracts.ExecuteStepRequest, result guard.Result) (contracts.ChallengeKind, confirmation.IssueSpec) {
	for _, name := range result.Failed {
		if name == guard.CheckStepConfirmed {
			consequence := s.describeStep(req.Operation)
			return contracts.ChallengeComprehension, confirmation.IssueSpec{Consequence: consequence}
		}
	}
	kinds := []contracts.ChallengeKind{
		contracts.ChallengeTypedCode,
		contracts.ChallengeSpokenPhrase,
		contracts.ChallengeGesture,
	}
	return kinds[randomIndex(len(kinds))], confirmation.IssueSpec{}
}

// describeStep renders a plain statement of what the step will do, for the
// comprehension prompt.
func (s *Session) describeStep(operation string) string {
	rev := contracts.FullyReversible
	if capability, ok := s.registry.Lookup(operation); ok {
		rev = capability.Reversibility
	}
	return fmt.Sprintf("apply %s within its locked bounds; this action is %s",
		operation, strings.ReplaceAll(strings.ToLower(string(rev)), "_", " "))
}

// Confirm validates a challenge response. Any response, valid or not, is an
// operator action and restarts the silence clock. A valid response at a
// checkpoint resumes execution and clears any anomaly flag.
func (s *Session) Confirm(resp contracts.ConfirmationResponse) (*contracts.ConfirmationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.silence.RecordActivity(now)

	valid := s.confirm.Validate(resp.TokenID, resp.Response, resp.HoldMs, now)
	if valid && s.machine.State() == contracts.StateCheckpointPending {
		// A correct response cannot resurrect dead authority. Resuming
		// into Executing requires a live token; anything else halts.
		if !s.auth.Validate(s.tokenID, now) {
			if err := s.haltLocked("authority invalid at confirmation"); err != nil {
				return nil, err
			}
		} else {
			if err := s.machine.Transition(contracts.StateExecuting, "confirmation validated",
				audit.BoolPtr(true)); err != nil {
				return nil, err
			}
			s.anomaly = false
		}
	}

	return &contracts.ConfirmationResult{
		Valid:     valid,
		NextState: s.machine.State(),
	}, nil
}

// Revoke withdraws authority. The session is Halted before this call
// returns: tokens revoked, any in-flight step cancelled, and an undo plan
// for every executed step handed back.
func (s *Session) Revoke(req contracts.RevokeRequest) (*contracts.SessionHalted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.machine.State() {
	case contracts.StateConsentGranted, contracts.StateExecuting,
		contracts.StateCheckpointPending, contracts.StatePaused:
	default:
		return nil, fmt.Errorf("%w: revoke requires a live session, session is %s", ErrWrongState, s.machine.State())
	}

	reason := req.Reason
	if reason == "" {
		reason = "authority revoked"
	}
	if err := s.haltLocked(reason); err != nil {
		return nil, err
	}

	return &contracts.SessionHalted{
		SessionID: s.id,
		State:     s.machine.State(),
		Reason:    reason,
		UndoPlan:  s.undoPlanLocked(),
	}, nil
}

// haltLocked performs the common halt path: transition, token revocation,
// step cancellation.
func (s *Session) haltLocked(reason string) error {
	if err := s.machine.Transition(contracts.StateHalted, reason, nil); err != nil {
		return err
	}
	s.auth.RevokeSession(s.id)
	if s.stepCancel != nil {
		s.stepCancel()
		s.stepCancel = nil
	}
	s.logger.Info("session halted", "reason", reason)
	return nil
}

// undoPlanLocked builds the reverse-order undo plan for executed steps.
func (s *Session) undoPlanLocked() []contracts.UndoStep {
	plan := make([]contracts.UndoStep, 0, len(s.executed))
	for i := len(s.executed) - 1; i >= 0; i-- {
		step := s.executed[i]
		note := ""
		switch step.Reversibility {
		case contracts.PartiallyReversible:
			note = "partial restoration only"
		case contracts.NonReversible:
			note = "cannot be undone"
		}
		plan = append(plan, contracts.UndoStep{
			Operation:     step.Operation,
			Reversibility: step.Reversibility,
			Note:          note,
		})
	}
	return plan
}

// Complete finishes an Executing session normally.
func (s *Session) Complete(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != contracts.StateExecuting {
		return fmt.Errorf("%w: complete requires Executing, session is %s", ErrWrongState, s.machine.State())
	}
	if reason == "" {
		reason = "all steps completed"
	}
	if err := s.machine.Transition(contracts.StateCompleted, reason, audit.BoolPtr(s.auth.Validate(s.tokenID, s.clock.Now()))); err != nil {
		return err
	}
	s.auth.RevokeSession(s.id)
	return nil
}

// Cleanup returns a terminal session to Inactive.
func (s *Session) Cleanup(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.machine.State()
	if state != contracts.StateHalted && state != contracts.StateCompleted {
		return fmt.Errorf("%w: cleanup requires Halted or Completed, session is %s", ErrWrongState, state)
	}
	if reason == "" {
		reason = "cleanup"
	}
	return s.machine.Transition(contracts.StateInactive, reason, nil)
}

// Poll advances timer-driven transitions. It is safe to call on any state
// and at any cadence:
//   - Executing with the silence timeout exceeded drops to
//     CheckpointPending without waiting for the next step request.
//   - CheckpointPending with the silence timeout exceeded moves to Paused.
//   - Paused with the authority TTL elapsed moves to Inactive. This is the
//     only path from Paused to Inactive.
func (s *Session) Poll(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.machine.State() {
	case contracts.StateExecuting:
		// A step in flight is not interrupted here; the drop lands on the
		// next tick.
		if s.stepCancel == nil && s.silence.IsSilent(now) {
			return s.machine.Transition(contracts.StateCheckpointPending,
				"no operator action within silence timeout", nil)
		}
	case contracts.StateCheckpointPending:
		if s.silence.IsSilent(now) {
			if _, err := s.chain.Append(audit.Record{
				Kind:       audit.KindSilencePause,
				SessionID:  s.id,
				PriorState: s.machine.State(),
				NewState:   contracts.StatePaused,
				Reason:     "no operator action within silence timeout",
			}); err != nil {
				return err
			}
			return s.machine.Transition(contracts.StatePaused, "silence timeout", nil)
		}
	case contracts.StatePaused:
		token := s.auth.Token(s.tokenID)
		if token != nil && token.Expired(now) {
			if _, err := s.chain.Append(audit.Record{
				Kind:       audit.KindTTLExpired,
				SessionID:  s.id,
				PriorState: s.machine.State(),
				NewState:   contracts.StateInactive,
				Reason:     "authority ttl elapsed while paused",
			}); err != nil {
				return err
			}
			return s.machine.Transition(contracts.StateInactive, "ttl expired", nil)
		}
	}
	return nil
}

// RaiseAnomaly flags a confidence degradation. The next step request hits a
// checkpoint; a validated confirmation clears the flag.
func (s *Session) RaiseAnomaly(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomaly = true
	s.logger.Warn("anomaly raised", "reason", reason)
}

// ObserveContext records the host's current execution context. A mismatch
// with the frozen boundary fails the guard's context check on the next
// step.
func (s *Session) ObserveContext(ec contracts.ExecutionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ec
}

// OnContextLost is the hook for the host losing or replacing the execution
// context. A live session halts; a Requested session folds back to
// Inactive.
func (s *Session) OnContextLost(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" {
		reason = "execution context lost"
	}
	if _, err := s.chain.Append(audit.Record{
		Kind:       audit.KindContextLost,
		SessionID:  s.id,
		PriorState: s.machine.State(),
		Reason:     reason,
	}); err != nil {
		return err
	}

	switch s.machine.State() {
	case contracts.StateConsentGranted, contracts.StateExecuting,
		contracts.StateCheckpointPending, contracts.StatePaused:
		return s.haltLocked(reason)
	case contracts.StateRequested:
		return s.machine.Transition(contracts.StateInactive, reason, nil)
	default:
		return nil
	}
}

// OnOperatorAbsent is the hook for an explicit absence signal (screen lock,
// presence sensor). An Executing session drops to a checkpoint immediately
// rather than waiting for the silence timeout.
func (s *Session) OnOperatorAbsent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != contracts.StateExecuting {
		return nil
	}
	return s.machine.Transition(contracts.StateCheckpointPending, "operator absent", nil)
}

// OnExternalTermination is the hook for the host process being told to
// stop. Equivalent to revocation without an operator: halt and revoke.
func (s *Session) OnExternalTermination(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" {
		reason = "external termination"
	}
	switch s.machine.State() {
	case contracts.StateConsentGranted, contracts.StateExecuting,
		contracts.StateCheckpointPending, contracts.StatePaused:
		return s.haltLocked(reason)
	default:
		return nil
	}
}

// UndoPlan returns the current undo plan without changing state.
func (s *Session) UndoPlan() []contracts.UndoStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undoPlanLocked()
}

// stepConfirmed reports whether the pending checkpoint for this operation
// has a validated confirmation.
func (s *Session) stepConfirmed(operation string) bool {
	if s.pending == nil || s.pending.Operation != operation {
		return false
	}
	return s.confirm.HasValidatedFor(s.pending.EventID)
}

func capabilityIDs(caps []contracts.Capability) []string {
	ids := make([]string, len(caps))
	for i, c := range caps {
		ids[i] = c.ID
	}
	return ids
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
