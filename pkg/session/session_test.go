package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/authority"
	"github.com/aural-labs/selfsession/pkg/confirmation"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

type recordingExecutor struct {
	calls []string
}

func (r *recordingExecutor) Execute(_ context.Context, operation string, _ map[string]interface{}) (map[string]interface{}, error) {
	r.calls = append(r.calls, operation)
	return map[string]interface{}{"operation": operation, "status": "done"}, nil
}

type fixture struct {
	clock   *fakeClock
	chain   *audit.Chain
	auth    *authority.Manager
	confirm *confirmation.Manager
	exec    *recordingExecutor
	session *Session
}

func testCapabilities() []contracts.Capability {
	return []contracts.Capability{
		{
			ID:            "adjust_level",
			Params:        map[string]contracts.ParamRange{"db": {Min: -24, Max: 12}},
			Reversibility: contracts.FullyReversible,
		},
		{
			ID:            "bounce_to_file",
			Params:        map[string]contracts.ParamRange{},
			Reversibility: contracts.NonReversible,
		},
	}
}

func testContext() contracts.ExecutionContext {
	return contracts.ExecutionContext{Application: "daw", Target: "project-a", Identity: "op-1"}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	chain := audit.NewChain(audit.WithClock(clock))
	auth := authority.NewManager(chain).WithClock(clock)
	confirm := confirmation.NewManager(chain, 5*time.Minute, 400*time.Millisecond).WithClock(clock)
	exec := &recordingExecutor{}

	sess, err := New(Config{
		Context:        testContext(),
		Capabilities:   testCapabilities(),
		TTL:            30 * time.Minute,
		SilenceTimeout: 30 * time.Second,
		Chain:          chain,
		Authority:      auth,
		Confirmations:  confirm,
		Executor:       exec,
		Clock:          clock,
	})
	require.NoError(t, err)

	return &fixture{clock: clock, chain: chain, auth: auth, confirm: confirm, exec: exec, session: sess}
}

func (f *fixture) consent(t *testing.T) {
	t.Helper()
	_, err := f.session.GrantConsent()
	require.NoError(t, err)
}

func (f *fixture) step(t *testing.T, op string, params map[string]interface{}) *contracts.ExecuteStepResponse {
	t.Helper()
	resp, err := f.session.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		SessionID:  f.session.ID(),
		Operation:  op,
		Parameters: params,
	})
	require.NoError(t, err)
	return resp
}

// answerChallenge derives the expected response for a presented challenge,
// the way an attentive operator would.
func (f *fixture) answerChallenge(t *testing.T, ch *contracts.ChallengePayload) string {
	t.Helper()
	switch ch.Kind {
	case contracts.ChallengeTypedCode:
		parts := strings.Split(ch.Prompt, ": ")
		require.Len(t, parts, 2)
		return parts[1]
	case contracts.ChallengeSpokenPhrase:
		start := strings.Index(ch.Prompt, `"`)
		end := strings.LastIndex(ch.Prompt, `"`)
		require.Greater(t, end, start)
		return ch.Prompt[start+1 : end]
	case contracts.ChallengeGesture:
		return strings.TrimPrefix(ch.Prompt, "Gesture: ")
	case contracts.ChallengeComprehension:
		// The consequence statement is displayed in the prompt; read it
		// back the way the operator would.
		start := strings.Index(ch.Prompt, `"`)
		end := strings.LastIndex(ch.Prompt, `"`)
		require.Greater(t, end, start)
		return ch.Prompt[start+1 : end]
	default:
		t.Fatalf("unexpected challenge kind %s", ch.Kind)
		return ""
	}
}

func (f *fixture) confirmChallenge(t *testing.T, ch *contracts.ChallengePayload) *contracts.ConfirmationResult {
	t.Helper()
	res, err := f.session.Confirm(contracts.ConfirmationResponse{
		SessionID: f.session.ID(),
		TokenID:   ch.TokenID,
		Response:  f.answerChallenge(t, ch),
		HoldMs:    600,
	})
	require.NoError(t, err)
	return res
}

func TestSessionStartsInRequested(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, contracts.StateRequested, f.session.State())
	assert.Empty(t, f.session.RegistryFingerprint(), "registry locks at consent, not before")
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindSessionCreated))
}

func TestNewRejectsEmptyCapabilities(t *testing.T) {
	clock := newTestClock()
	chain := audit.NewChain(audit.WithClock(clock))
	_, err := New(Config{
		Context:        testContext(),
		TTL:            30 * time.Minute,
		SilenceTimeout: 30 * time.Second,
		Chain:          chain,
		Authority:      authority.NewManager(chain),
		Confirmations:  confirmation.NewManager(chain, time.Minute, 0),
	})
	require.Error(t, err)
}

func TestConsentLocksRegistryAndIssuesAuthority(t *testing.T) {
	f := newFixture(t)

	granted, err := f.session.GrantConsent()
	require.NoError(t, err)

	assert.Equal(t, contracts.StateConsentGranted, granted.State)
	assert.NotEmpty(t, f.session.RegistryFingerprint())
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), granted.ExpiresAt)
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindAuthorityIssued))

	_, err = f.session.GrantConsent()
	assert.ErrorIs(t, err, ErrWrongState, "consent is not repeatable")
}

func TestConsentMintsVerifiableWireToken(t *testing.T) {
	clock := newTestClock()
	chain := audit.NewChain(audit.WithClock(clock))
	signer, err := authority.NewWireSigner([]byte("root-secret-for-tests"))
	require.NoError(t, err)

	sess, err := New(Config{
		Context:        testContext(),
		Capabilities:   testCapabilities(),
		TTL:            30 * time.Minute,
		SilenceTimeout: 30 * time.Second,
		Chain:          chain,
		Authority:      authority.NewManager(chain).WithClock(clock),
		Confirmations:  confirmation.NewManager(chain, time.Minute, 0).WithClock(clock),
		Signer:         signer,
		Clock:          clock,
	})
	require.NoError(t, err)

	granted, err := sess.GrantConsent()
	require.NoError(t, err)
	require.NotEmpty(t, granted.Authority)

	claims, err := signer.Verify(granted.Authority, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), claims.Subject)
}

func TestFirstStepExecutes(t *testing.T) {
	f := newFixture(t)
	f.consent(t)

	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	assert.Equal(t, contracts.OutcomeExecuted, resp.Outcome)
	assert.Equal(t, contracts.StateExecuting, resp.State)
	assert.Equal(t, []string{"adjust_level"}, f.exec.calls)
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindStepExecuted))
}

func TestStepBeforeConsentFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		Operation: "adjust_level", Parameters: map[string]interface{}{"db": -3.0},
	})

	assert.ErrorIs(t, err, ErrWrongState)
}

// Silence past the timeout turns the next step request into a checkpoint; a
// validated confirmation resumes execution.
func TestSilenceForcesCheckpointOnNextRequest(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	f.clock.Advance(31 * time.Second)

	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)
	require.NotNil(t, resp.Challenge)
	assert.Equal(t, contracts.StateCheckpointPending, f.session.State())

	res := f.confirmChallenge(t, resp.Challenge)
	assert.True(t, res.Valid)
	assert.Equal(t, contracts.StateExecuting, res.NextState)

	resp = f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	assert.Equal(t, contracts.OutcomeExecuted, resp.Outcome)
}

// An unconfirmed irreversible step never executes: it checkpoints with a
// comprehension question, and only a restatement of the consequence (not
// bare agreement) unlocks it.
func TestIrreversibleStepNeedsComprehension(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	resp := f.step(t, "bounce_to_file", nil)
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)
	require.NotNil(t, resp.Challenge)
	assert.Equal(t, contracts.ChallengeComprehension, resp.Challenge.Kind)
	assert.Empty(t, f.exec.calls[1:], "nothing executed yet")

	// Bare agreement is not comprehension.
	res, err := f.session.Confirm(contracts.ConfirmationResponse{
		TokenID:  resp.Challenge.TokenID,
		Response: "yes I agree, go ahead",
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, contracts.StateCheckpointPending, res.NextState)

	// The token is spent; a retry issues a fresh challenge.
	resp = f.step(t, "bounce_to_file", nil)
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)

	res = f.confirmChallenge(t, resp.Challenge)
	require.True(t, res.Valid)
	assert.Equal(t, contracts.StateExecuting, res.NextState)

	resp = f.step(t, "bounce_to_file", nil)
	assert.Equal(t, contracts.OutcomeExecuted, resp.Outcome)
	assert.Equal(t, []string{"adjust_level", "bounce_to_file"}, f.exec.calls)
}

// A parameter outside the locked range halts the session outright.
func TestOutOfRangeParameterHalts(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	resp := f.step(t, "adjust_level", map[string]interface{}{"db": 100.0})

	assert.Equal(t, contracts.OutcomeHalted, resp.Outcome)
	assert.Equal(t, contracts.StateHalted, f.session.State())
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindCapabilityViolation))

	_, err := f.session.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		Operation: "adjust_level", Parameters: map[string]interface{}{"db": -3.0},
	})
	assert.ErrorIs(t, err, ErrWrongState, "halted sessions do not execute")
}

// A drifted execution context halts rather than executing against the wrong
// target.
func TestContextDriftHalts(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	drifted := testContext()
	drifted.Target = "project-b"
	f.session.ObserveContext(drifted)

	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	assert.Equal(t, contracts.OutcomeHalted, resp.Outcome)
	assert.Equal(t, contracts.StateHalted, f.session.State())
}

func TestRevokeHaltsInSameCall(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	resp := f.step(t, "bounce_to_file", nil)
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)
	res := f.confirmChallenge(t, resp.Challenge)
	require.True(t, res.Valid)
	f.step(t, "bounce_to_file", nil)

	halted, err := f.session.Revoke(contracts.RevokeRequest{Reason: "operator said stop"})
	require.NoError(t, err)

	assert.Equal(t, contracts.StateHalted, halted.State)
	assert.Equal(t, contracts.StateHalted, f.session.State(), "halt completes within the revoke call")

	// Undo plan is reverse order and names irreversibility honestly.
	require.Len(t, halted.UndoPlan, 2)
	assert.Equal(t, "bounce_to_file", halted.UndoPlan[0].Operation)
	assert.Equal(t, contracts.NonReversible, halted.UndoPlan[0].Reversibility)
	assert.Equal(t, "cannot be undone", halted.UndoPlan[0].Note)
	assert.Equal(t, "adjust_level", halted.UndoPlan[1].Operation)

	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindAuthorityRevoked))

	_, err = f.session.Revoke(contracts.RevokeRequest{})
	assert.ErrorIs(t, err, ErrWrongState, "revoke is not repeatable after halt")
}

// Unattended checkpoint drains to Paused; TTL expiry in Paused is the only
// way back to Inactive without an operator.
func TestSilenceThenTTLExpiryEndsSession(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	f.clock.Advance(31 * time.Second)
	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)

	// Still silent: the checkpoint drains to Paused.
	require.NoError(t, f.session.Poll(f.clock.Now()))
	assert.Equal(t, contracts.StatePaused, f.session.State())
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindSilencePause))

	// Before the TTL elapses, polling holds in Paused.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.session.Poll(f.clock.Now()))
	assert.Equal(t, contracts.StatePaused, f.session.State())

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.session.Poll(f.clock.Now()))
	assert.Equal(t, contracts.StateInactive, f.session.State())
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindTTLExpired))
}

func TestAnomalyForcesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	f.session.RaiseAnomaly("output confidence degraded")

	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)

	res := f.confirmChallenge(t, resp.Challenge)
	require.True(t, res.Valid)

	// Confirmation cleared the anomaly.
	resp = f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	assert.Equal(t, contracts.OutcomeExecuted, resp.Outcome)
}

func TestCompleteAndCleanup(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	require.NoError(t, f.session.Complete(""))
	assert.Equal(t, contracts.StateCompleted, f.session.State())

	require.NoError(t, f.session.Cleanup(""))
	assert.Equal(t, contracts.StateInactive, f.session.State())

	ok, err := f.chain.VerifyChain()
	require.NoError(t, err)
	assert.True(t, ok, "the full session history verifies")
}

func TestDecline(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.Decline("operator declined"))
	assert.Equal(t, contracts.StateInactive, f.session.State())
}

func TestOnOperatorAbsentHook(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	require.NoError(t, f.session.OnOperatorAbsent())
	assert.Equal(t, contracts.StateCheckpointPending, f.session.State())

	// Outside Executing the hook is a no-op.
	require.NoError(t, f.session.OnOperatorAbsent())
	assert.Equal(t, contracts.StateCheckpointPending, f.session.State())
}

func TestOnContextLostHook(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	require.NoError(t, f.session.OnContextLost("window closed"))

	assert.Equal(t, contracts.StateHalted, f.session.State())
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindContextLost))
	assert.NotEmpty(t, f.chain.EntriesByKind(audit.KindAuthorityRevoked))
}

func TestOnContextLostBeforeConsent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.session.OnContextLost("window closed"))
	assert.Equal(t, contracts.StateInactive, f.session.State())
}

func TestOnExternalTerminationHook(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	require.NoError(t, f.session.OnExternalTermination("host shutdown"))
	assert.Equal(t, contracts.StateHalted, f.session.State())

	// Idempotent once terminal.
	require.NoError(t, f.session.OnExternalTermination("host shutdown"))
	assert.Equal(t, contracts.StateHalted, f.session.State())
}

// Consent expiry: once the authority TTL has elapsed, the first step halts
// instead of executing, and the session never passes through Executing.
func TestExpiredAuthorityHaltsFirstStep(t *testing.T) {
	f := newFixture(t)
	f.consent(t)

	f.clock.Advance(31 * time.Minute)

	resp, err := f.session.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		Operation: "adjust_level", Parameters: map[string]interface{}{"db": -3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeHalted, resp.Outcome)
	assert.Equal(t, contracts.StateHalted, f.session.State())

	for _, e := range f.chain.EntriesByKind(audit.KindStateTransition) {
		assert.NotEqual(t, contracts.StateExecuting, e.NewState,
			"dead authority must not enter Executing")
	}
}

// A correct confirmation response after the authority TTL has elapsed halts
// the session instead of resuming execution.
func TestConfirmWithDeadAuthorityHalts(t *testing.T) {
	clock := newTestClock()
	chain := audit.NewChain(audit.WithClock(clock))
	auth := authority.NewManager(chain).WithClock(clock)
	confirm := confirmation.NewManager(chain, 5*time.Minute, 400*time.Millisecond).WithClock(clock)
	exec := &recordingExecutor{}

	sess, err := New(Config{
		Context:        testContext(),
		Capabilities:   testCapabilities(),
		TTL:            time.Minute,
		SilenceTimeout: 30 * time.Second,
		Chain:          chain,
		Authority:      auth,
		Confirmations:  confirm,
		Executor:       exec,
		Clock:          clock,
	})
	require.NoError(t, err)
	f := &fixture{clock: clock, chain: chain, auth: auth, confirm: confirm, exec: exec, session: sess}
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})

	// Silence drives the next request into a checkpoint.
	f.clock.Advance(31 * time.Second)
	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)
	require.NotNil(t, resp.Challenge)

	// The authority dies while the checkpoint waits. The response is
	// correct, but correctness cannot resurrect dead authority.
	f.clock.Advance(30 * time.Second)
	res := f.confirmChallenge(t, resp.Challenge)
	assert.True(t, res.Valid)
	assert.Equal(t, contracts.StateHalted, res.NextState)
	assert.Equal(t, contracts.StateHalted, f.session.State())

	_, err = f.session.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		Operation: "adjust_level", Parameters: map[string]interface{}{"db": -1.0},
	})
	assert.ErrorIs(t, err, ErrWrongState)

	for _, e := range f.chain.EntriesByKind(audit.KindStateTransition) {
		if e.NewState == contracts.StateExecuting {
			require.NotNil(t, e.AuthorityValid)
			assert.True(t, *e.AuthorityValid, "every entry into Executing carries live authority")
		}
	}
}

type blockingExecutor struct {
	started   chan struct{}
	release   chan struct{}
	cancelled bool
}

func (b *blockingExecutor) Execute(ctx context.Context, operation string, _ map[string]interface{}) (map[string]interface{}, error) {
	close(b.started)
	select {
	case <-ctx.Done():
		b.cancelled = true
		return nil, ctx.Err()
	case <-b.release:
		return map[string]interface{}{"operation": operation}, nil
	}
}

// Revocation is not eligible for "finish this step first": it cancels the
// in-flight step context and returns without waiting for the executor.
func TestRevokeCancelsInFlightStep(t *testing.T) {
	clock := newTestClock()
	chain := audit.NewChain(audit.WithClock(clock))
	auth := authority.NewManager(chain).WithClock(clock)
	confirm := confirmation.NewManager(chain, 5*time.Minute, 400*time.Millisecond).WithClock(clock)
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}

	sess, err := New(Config{
		Context:        testContext(),
		Capabilities:   testCapabilities(),
		TTL:            30 * time.Minute,
		SilenceTimeout: 30 * time.Second,
		Chain:          chain,
		Authority:      auth,
		Confirmations:  confirm,
		Executor:       exec,
		Clock:          clock,
	})
	require.NoError(t, err)
	_, err = sess.GrantConsent()
	require.NoError(t, err)

	type stepResult struct {
		resp *contracts.ExecuteStepResponse
		err  error
	}
	done := make(chan stepResult, 1)
	go func() {
		resp, err := sess.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
			Operation: "adjust_level", Parameters: map[string]interface{}{"db": -3.0},
		})
		done <- stepResult{resp, err}
	}()

	<-exec.started

	// A second step while one is running is refused, not queued.
	_, err = sess.ExecuteStep(context.Background(), contracts.ExecuteStepRequest{
		Operation: "adjust_level", Parameters: map[string]interface{}{"db": -1.0},
	})
	assert.ErrorIs(t, err, ErrStepInFlight)

	halted, err := sess.Revoke(contracts.RevokeRequest{SessionID: sess.ID(), Reason: "operator said stop"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateHalted, halted.State)

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, contracts.OutcomeHalted, result.resp.Outcome)
	assert.True(t, exec.cancelled, "the step context must be cancelled by revocation")
	assert.Equal(t, contracts.StateHalted, sess.State())
}

// The poll loop drops a silent Executing session to a checkpoint on its own;
// it does not wait for a step request that may never arrive.
func TestPollForcesCheckpointWhileExecuting(t *testing.T) {
	f := newFixture(t)
	f.consent(t)
	f.step(t, "adjust_level", map[string]interface{}{"db": -3.0})
	require.Equal(t, contracts.StateExecuting, f.session.State())

	// Not yet silent: nothing moves.
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.session.Poll(f.clock.Now()))
	assert.Equal(t, contracts.StateExecuting, f.session.State())

	f.clock.Advance(21 * time.Second)
	require.NoError(t, f.session.Poll(f.clock.Now()))
	assert.Equal(t, contracts.StateCheckpointPending, f.session.State())

	// The next step request issues a challenge from the checkpoint.
	resp := f.step(t, "adjust_level", map[string]interface{}{"db": -1.0})
	require.Equal(t, contracts.OutcomeCheckpoint, resp.Outcome)
	require.NotNil(t, resp.Challenge)
}
