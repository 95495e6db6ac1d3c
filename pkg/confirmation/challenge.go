// Package confirmation issues and validates single-use challenge tokens.
// Four challenge kinds exist specifically to defeat reflexive confirmation:
// a freshly generated typed code, a spoken phrase from a rotating pool, a
// deliberate gesture with a minimum hold time, and a comprehension check
// that verifies the operator can restate the consequence of the next step.
//
// The comprehension kind validates understanding of consequence only. It
// never scores agreement, confidence, or justification.
package confirmation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/aural-labs/selfsession/pkg/canonicalize"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

const (
	codeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ" // no I or O, they read like digits
	codeDigits  = "23456789"                 // no 0 or 1 for the same reason
)

// phrasePool is the rotating set of spoken phrases. Phrases state presence
// and intent to continue, never agreement with a particular outcome.
var phrasePool = []string{
	"i am still here",
	"i want to continue",
	"continue the session",
	"proceed with the next step",
	"i understand the next step",
	"keep going one step",
}

// gesturePool is the set of deliberate gesture identifiers. The presenting
// client maps each identifier to a physical interaction.
var gesturePool = []string{
	"double_tap_center",
	"swipe_up_then_down",
	"long_press_hold",
	"pinch_expand",
	"tap_top_left_then_bottom_right",
}

func pick(pool []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return "", fmt.Errorf("confirmation: random pick: %w", err)
	}
	return pool[n.Int64()], nil
}

// generateTypedCode returns a fresh code in the letter/letter/digit pattern
// (for example "KX4MW7") and the prompt shown to the operator. The pattern
// resists memorization across issuances.
func generateTypedCode() (prompt, expected string, err error) {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		pool := codeLetters
		if i == 2 || i == 5 {
			pool = codeDigits
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
		if err != nil {
			return "", "", fmt.Errorf("confirmation: generate code: %w", err)
		}
		b.WriteByte(pool[n.Int64()])
	}
	code := b.String()
	return "Type this code to continue: " + code, code, nil
}

func generateSpokenPhrase() (prompt, expected string, err error) {
	phrase, err := pick(phrasePool)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Say this to continue: %q", phrase), phrase, nil
}

func generateGesture() (prompt, expected string, err error) {
	gesture, err := pick(gesturePool)
	if err != nil {
		return "", "", err
	}
	return "Gesture: " + gesture, gesture, nil
}

// generateComprehension builds a challenge whose answer is the consequence
// statement itself. The statement is shown in the prompt; the operator must
// read it and type it back, which cannot be done without looking at it.
func generateComprehension(consequence string) (prompt, expected string, err error) {
	if strings.TrimSpace(consequence) == "" {
		return "", "", fmt.Errorf("confirmation: comprehension challenge needs the consequence of the next step")
	}
	prompt = fmt.Sprintf("The next step will: %q. Type that statement back to confirm you have read it.", consequence)
	return prompt, consequence, nil
}

// normalizeResponse canonicalizes an operator response before
// fingerprinting: Unicode NFKC, case folding, collapsed whitespace. Spoken
// and comprehension responses should not fail on casing or spacing.
func normalizeResponse(kind contracts.ChallengeKind, response string) string {
	switch kind {
	case contracts.ChallengeTypedCode:
		// Codes are compared exactly, modulo case and surrounding space.
		return strings.ToUpper(strings.TrimSpace(response))
	case contracts.ChallengeGesture:
		return strings.TrimSpace(response)
	default:
		folded := strings.ToLower(norm.NFKC.String(response))
		return strings.Join(strings.Fields(folded), " ")
	}
}

// fingerprint derives the one-way stored form of an expected response. The
// token id salts the digest so identical phrases fingerprint differently
// across tokens.
func fingerprint(tokenID string, kind contracts.ChallengeKind, response string) string {
	payload := fmt.Sprintf("%s|%s|%s", tokenID, kind, normalizeResponse(kind, response))
	return canonicalize.HashBytes([]byte(payload))
}
