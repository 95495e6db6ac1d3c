package contracts

import "time"

// Protocol messages for the session lifecycle. The pairs are
// transport-agnostic; pkg/api binds them to HTTP.

// StartSessionRequest asks the runtime to create a session in Requested
// state. Nothing executes until consent is granted.
type StartSessionRequest struct {
	Context      ExecutionContext `json:"context"`
	Capabilities []Capability     `json:"requested_capabilities"`
	TTLSeconds   int              `json:"ttl_seconds"`
	// SilenceTimeoutSeconds overrides the configured default when > 0.
	SilenceTimeoutSeconds int `json:"silence_timeout_seconds,omitempty"`
	// Lane is the logical execution lane; at most one session is live per
	// lane at any time. Empty means the default lane.
	Lane string `json:"lane,omitempty"`
}

// SessionCreated is the response to StartSessionRequest.
type SessionCreated struct {
	SessionID           string       `json:"session_id"`
	State               SessionState `json:"state"`
	RegistryFingerprint string       `json:"capability_registry_fingerprint"`
}

// GrantConsentRequest moves a Requested session to ConsentGranted. This is
// the moment the capability registry locks and the authority token is
// issued.
type GrantConsentRequest struct {
	SessionID string `json:"session_id"`
}

// ConsentGranted is the response to GrantConsentRequest.
type ConsentGranted struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
	// Authority is the signed wire form of the authority token.
	Authority string    `json:"authority"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecuteStepRequest asks the runtime to run one step of one operation.
type ExecuteStepRequest struct {
	SessionID  string                 `json:"session_id"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// StepOutcome discriminates the three possible results of a step request.
type StepOutcome string

const (
	OutcomeExecuted   StepOutcome = "EXECUTED"
	OutcomeCheckpoint StepOutcome = "CHECKPOINT_REQUIRED"
	OutcomeHalted     StepOutcome = "HALTED"
)

// ChallengePayload describes a confirmation challenge presented to the
// operator. It never contains the expected response, only the prompt.
type ChallengePayload struct {
	TokenID   string        `json:"token_id"`
	Kind      ChallengeKind `json:"kind"`
	Prompt    string        `json:"prompt"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// ExecuteStepResponse is the union reply to ExecuteStepRequest: exactly one
// of Result, Challenge, or Reason is populated, selected by Outcome.
type ExecuteStepResponse struct {
	Outcome   StepOutcome            `json:"outcome"`
	State     SessionState           `json:"state"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Challenge *ChallengePayload      `json:"challenge,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// ConfirmationResponse carries the operator's answer to a challenge.
type ConfirmationResponse struct {
	SessionID string `json:"session_id"`
	TokenID   string `json:"token_id"`
	Response  string `json:"response"`
	// HoldMs is how long the operator held the confirmation surface, as
	// reported by the presenting client. Gesture challenges enforce a
	// minimum.
	HoldMs int64 `json:"hold_ms,omitempty"`
}

// ConfirmationResult is the reply to ConfirmationResponse.
type ConfirmationResult struct {
	Valid     bool         `json:"valid"`
	NextState SessionState `json:"next_state"`
}

// RevokeRequest withdraws authority. Revocation is immediate and total.
type RevokeRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// UndoStep describes one executed step in the undo plan returned on halt.
type UndoStep struct {
	Operation     string             `json:"operation"`
	Reversibility ReversibilityClass `json:"reversibility"`
	Note          string             `json:"note,omitempty"`
}

// SessionHalted is the reply to RevokeRequest and the body of any halt
// outcome. Wording in Reason stays neutral: no countdowns, no urgency.
type SessionHalted struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
	Reason    string       `json:"reason"`
	UndoPlan  []UndoStep   `json:"undo_plan"`
}
