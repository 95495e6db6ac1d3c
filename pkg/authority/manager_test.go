package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aural-labs/selfsession/pkg/audit"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestManager(clock *fakeClock) (*Manager, *audit.Chain) {
	chain := audit.NewChain(audit.WithClock(clock))
	return NewManager(chain).WithClock(clock), chain
}

func TestIssueAndValidate(t *testing.T) {
	clock := newTestClock()
	mgr, chain := newTestManager(clock)

	token, err := mgr.Issue("s1", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token.TokenID)
	assert.Equal(t, clock.Now().Add(10*time.Minute), token.ExpiresAt)

	assert.True(t, mgr.Validate(token.TokenID, clock.Now()))
	assert.Len(t, chain.EntriesByKind(audit.KindAuthorityIssued), 1)
	assert.Len(t, chain.EntriesByKind(audit.KindAuthorityCheck), 1)
}

func TestIssueRejectsSecondLiveToken(t *testing.T) {
	clock := newTestClock()
	mgr, _ := newTestManager(clock)

	_, err := mgr.Issue("s1", 10*time.Minute)
	require.NoError(t, err)
	_, err = mgr.Issue("s1", 10*time.Minute)
	assert.ErrorIs(t, err, ErrTokenExists)
}

func TestIssueAllowedAfterExpiry(t *testing.T) {
	clock := newTestClock()
	mgr, _ := newTestManager(clock)

	_, err := mgr.Issue("s1", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = mgr.Issue("s1", time.Minute)
	assert.NoError(t, err)
}

func TestValidateAbsoluteTTL(t *testing.T) {
	clock := newTestClock()
	mgr, _ := newTestManager(clock)

	token, err := mgr.Issue("s1", time.Minute)
	require.NoError(t, err)

	assert.True(t, mgr.Validate(token.TokenID, clock.Now().Add(59*time.Second)))
	// TTL is absolute: exactly at expiry the token is no longer valid.
	assert.False(t, mgr.Validate(token.TokenID, clock.Now().Add(time.Minute)))
	assert.False(t, mgr.Validate(token.TokenID, clock.Now().Add(2*time.Minute)))
}

func TestRevokeIsMonotonic(t *testing.T) {
	clock := newTestClock()
	mgr, chain := newTestManager(clock)

	token, err := mgr.Issue("s1", 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(token.TokenID))
	assert.False(t, mgr.Validate(token.TokenID, clock.Now()))

	// Idempotent: revoking again is not an error and the token stays dead.
	require.NoError(t, mgr.Revoke(token.TokenID))
	assert.False(t, mgr.Validate(token.TokenID, clock.Now()))
	assert.True(t, mgr.Token(token.TokenID).Revoked)
	assert.NotEmpty(t, chain.EntriesByKind(audit.KindAuthorityRevoked))
}

func TestRevokeUnknownToken(t *testing.T) {
	mgr, _ := newTestManager(newTestClock())
	assert.ErrorIs(t, mgr.Revoke("nope"), ErrUnknownToken)
}

func TestValidateUnknownTokenAudited(t *testing.T) {
	clock := newTestClock()
	mgr, chain := newTestManager(clock)
	assert.False(t, mgr.Validate("nope", clock.Now()))
	checks := chain.EntriesByKind(audit.KindAuthorityCheck)
	require.Len(t, checks, 1)
	require.NotNil(t, checks[0].AuthorityValid)
	assert.False(t, *checks[0].AuthorityValid)
}

func TestRevokeSessionRevokesAll(t *testing.T) {
	clock := newTestClock()
	mgr, _ := newTestManager(clock)

	first, err := mgr.Issue("s1", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute) // first expires, a second can be issued
	second, err := mgr.Issue("s1", time.Minute)
	require.NoError(t, err)

	mgr.RevokeSession("s1")
	assert.True(t, mgr.Token(first.TokenID).Revoked)
	assert.True(t, mgr.Token(second.TokenID).Revoked)
	assert.Len(t, mgr.SessionTokens("s1"), 2)
}

func TestTokenReturnsCopy(t *testing.T) {
	clock := newTestClock()
	mgr, _ := newTestManager(clock)

	token, err := mgr.Issue("s1", time.Minute)
	require.NoError(t, err)

	got := mgr.Token(token.TokenID)
	got.Revoked = true
	assert.True(t, mgr.Validate(token.TokenID, clock.Now()))
}
