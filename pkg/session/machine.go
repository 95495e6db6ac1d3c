// Package session owns the canonical session state machine and the Session
// aggregate built around it. The machine enumerates every legal transition;
// anything not enumerated is a contract violation that fails the call
// outright. There are no default transitions and no best-effort fallbacks.
package session

import (
	"fmt"
	"time"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

// IllegalTransitionError identifies an attempted transition outside the
// legal table. It is a programming or integration defect: callers must not
// catch it and continue.
type IllegalTransitionError struct {
	SessionID string
	From      contracts.SessionState
	To        contracts.SessionState
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s → %s (session %s, reason: %s): contract violation",
		e.From, e.To, e.SessionID, e.Reason)
}

// legalTransitions is the exhaustive transition table. Paused → Inactive is
// reachable only through TTL expiry; the Session enforces that restriction.
var legalTransitions = map[contracts.SessionState][]contracts.SessionState{
	contracts.StateInactive: {
		contracts.StateRequested,
	},
	contracts.StateRequested: {
		contracts.StateInactive,
		contracts.StateConsentGranted,
	},
	contracts.StateConsentGranted: {
		contracts.StateInactive,
		contracts.StateExecuting,
		contracts.StateHalted,
	},
	contracts.StateExecuting: {
		contracts.StateCheckpointPending,
		contracts.StateHalted,
		contracts.StateCompleted,
	},
	contracts.StateCheckpointPending: {
		contracts.StateExecuting,
		contracts.StatePaused,
		contracts.StateHalted,
	},
	contracts.StatePaused: {
		contracts.StateCheckpointPending,
		contracts.StateHalted,
		contracts.StateInactive,
	},
	contracts.StateHalted: {
		contracts.StateInactive,
	},
	contracts.StateCompleted: {
		contracts.StateInactive,
	},
}

// TransitionLegal reports whether from → to is in the legal table.
func TransitionLegal(from, to contracts.SessionState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LegalTransitionsFrom returns the legal targets from a state.
func LegalTransitionsFrom(from contracts.SessionState) []contracts.SessionState {
	return append([]contracts.SessionState(nil), legalTransitions[from]...)
}

// Clock provides time for the machine and session.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Machine enforces the transition table for one session. Every successful
// transition is written to the audit chain before the state changes hands.
type Machine struct {
	sessionID string
	state     contracts.SessionState
	chain     *audit.Chain
}

// NewMachine creates a machine in Inactive.
func NewMachine(sessionID string, chain *audit.Chain) *Machine {
	return &Machine{
		sessionID: sessionID,
		state:     contracts.StateInactive,
		chain:     chain,
	}
}

// State returns the current state.
func (m *Machine) State() contracts.SessionState { return m.state }

// Transition moves to target. It either logs and succeeds, or returns an
// IllegalTransitionError and leaves the state unchanged. There is no third
// outcome.
func (m *Machine) Transition(target contracts.SessionState, reason string, authorityValid *bool) error {
	if !TransitionLegal(m.state, target) {
		return &IllegalTransitionError{
			SessionID: m.sessionID,
			From:      m.state,
			To:        target,
			Reason:    reason,
		}
	}

	prior := m.state
	if _, err := m.chain.Append(audit.Record{
		Kind:           audit.KindStateTransition,
		SessionID:      m.sessionID,
		PriorState:     prior,
		NewState:       target,
		Reason:         reason,
		AuthorityValid: authorityValid,
	}); err != nil {
		// An unlogged transition must not happen.
		return fmt.Errorf("session %s: transition %s → %s not recorded: %w", m.sessionID, prior, target, err)
	}
	m.state = target
	return nil
}
