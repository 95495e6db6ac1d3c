// Package guard implements the execution guard: seven independent
// preconditions that must unanimously approve before any step executes.
// Every condition is evaluated on every call; there is no short circuit
// that would skip logging a failure. Any failure resolves to a checkpoint
// or a halt, never to best-effort continuation.
package guard

import (
	"fmt"
	"time"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/authority"
	"github.com/aural-labs/selfsession/pkg/contracts"
	"github.com/aural-labs/selfsession/pkg/registry"
)

// CheckName identifies one of the seven preconditions.
type CheckName string

const (
	CheckExecutingState  CheckName = "in_executing_state"
	CheckAuthorityValid  CheckName = "authority_valid"
	CheckOperatorPresent CheckName = "operator_present"
	CheckContextStable   CheckName = "context_stable"
	CheckCapabilityMatch CheckName = "capability_in_registry"
	CheckNoAnomaly       CheckName = "no_anomaly"
	CheckStepConfirmed   CheckName = "step_confirmed"
)

// Disposition says what the session must do with a guard result.
type Disposition string

const (
	DispositionProceed    Disposition = "PROCEED"
	DispositionCheckpoint Disposition = "CHECKPOINT"
	DispositionHalt       Disposition = "HALT"
)

// StepRequest is the full snapshot a guard evaluation needs. The guard
// holds no session state of its own; everything is passed explicitly.
type StepRequest struct {
	SessionID string
	State     contracts.SessionState
	TokenID   string
	Now       time.Time

	// FrozenContext is the boundary captured at consent time;
	// CurrentContext is what the host reports now.
	FrozenContext  contracts.ExecutionContext
	CurrentContext contracts.ExecutionContext

	Operation  string
	Parameters map[string]interface{}
	Registry   *registry.Registry

	Silence *authority.SilenceTracker

	// AnomalyRaised is true when a confidence-degradation signal fired
	// since the last checkpoint.
	AnomalyRaised bool

	// StepConfirmed is true when a confirmation token for this specific
	// step has already been validated successfully. Only consulted for
	// partially- and non-reversible steps.
	StepConfirmed bool
}

// Result is the unanimous verdict.
type Result struct {
	OK          bool
	Failed      []CheckName
	Disposition Disposition
	Reason      string
}

// Guard evaluates step preconditions against the authority manager and
// writes failures to the audit chain.
type Guard struct {
	authority *authority.Manager
	chain     *audit.Chain
}

// New creates a guard. Both collaborators are injected; the guard never
// constructs its own.
func New(auth *authority.Manager, chain *audit.Chain) *Guard {
	return &Guard{authority: auth, chain: chain}
}

// Evaluate runs all seven checks and returns the aggregate result. On
// failure it writes a structured audit entry naming every failed check,
// plus a CAPABILITY_VIOLATION entry when the registry check is among them.
func (g *Guard) Evaluate(req StepRequest) Result {
	var failed []CheckName
	var capabilityReason string

	// 1. Session must be in Executing.
	if req.State != contracts.StateExecuting {
		failed = append(failed, CheckExecutingState)
	}

	// 2. Authority token must be valid: known, not revoked, TTL not
	// elapsed.
	authorityOK := req.TokenID != "" && g.authority.Validate(req.TokenID, req.Now)
	if !authorityOK {
		failed = append(failed, CheckAuthorityValid)
	}

	// 3. Silence timeout must not have been exceeded since the last
	// explicit operator action.
	if req.Silence == nil || req.Silence.IsSilent(req.Now) {
		failed = append(failed, CheckOperatorPresent)
	}

	// 4. The execution context must match the one frozen at consent.
	if !req.CurrentContext.Equal(req.FrozenContext) {
		failed = append(failed, CheckContextStable)
	}

	// 5. Operation and parameters must match the locked registry exactly.
	requiresConfirmation := false
	if req.Registry == nil {
		failed = append(failed, CheckCapabilityMatch)
		capabilityReason = "no locked capability registry"
	} else if err := req.Registry.Check(req.Operation, req.Parameters); err != nil {
		failed = append(failed, CheckCapabilityMatch)
		capabilityReason = err.Error()
	} else if capability, ok := req.Registry.Lookup(req.Operation); ok {
		requiresConfirmation = capability.Reversibility.RequiresConfirmation()
	}

	// 6. No anomaly signal since the last checkpoint.
	if req.AnomalyRaised {
		failed = append(failed, CheckNoAnomaly)
	}

	// 7. Partially- and non-reversible steps need a validated confirmation
	// token for this specific step.
	if requiresConfirmation && !req.StepConfirmed {
		failed = append(failed, CheckStepConfirmed)
	}

	if len(failed) == 0 {
		return Result{OK: true, Disposition: DispositionProceed}
	}

	disposition := DispositionCheckpoint
	for _, name := range failed {
		switch name {
		case CheckAuthorityValid, CheckContextStable, CheckCapabilityMatch:
			disposition = DispositionHalt
		}
	}

	reason := fmt.Sprintf("execution guard failed: %s", joinChecks(failed))
	detail := map[string]interface{}{
		"operation":     req.Operation,
		"failed_checks": checkStrings(failed),
	}
	if _, err := g.chain.Append(audit.Record{
		Kind:           audit.KindGuardFailed,
		SessionID:      req.SessionID,
		PriorState:     req.State,
		Reason:         reason,
		AuthorityValid: audit.BoolPtr(authorityOK),
		Detail:         detail,
	}); err != nil {
		// An unrecorded guard failure must not resolve to anything softer
		// than a halt.
		disposition = DispositionHalt
		reason = fmt.Sprintf("%s; failure not recorded: %v", reason, err)
	}
	if capabilityReason != "" {
		if _, err := g.chain.Append(audit.Record{
			Kind:       audit.KindCapabilityViolation,
			SessionID:  req.SessionID,
			PriorState: req.State,
			Reason:     capabilityReason,
			Detail:     map[string]interface{}{"operation": req.Operation},
		}); err != nil {
			disposition = DispositionHalt
			reason = fmt.Sprintf("%s; violation not recorded: %v", reason, err)
		}
	}

	return Result{
		OK:          false,
		Failed:      failed,
		Disposition: disposition,
		Reason:      reason,
	}
}

func checkStrings(checks []CheckName) []string {
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = string(c)
	}
	return out
}

func joinChecks(checks []CheckName) string {
	s := ""
	for i, c := range checks {
		if i > 0 {
			s += ", "
		}
		s += string(c)
	}
	return s
}
