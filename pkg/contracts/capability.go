package contracts

// ReversibilityClass classifies how cleanly a step can be undone. Partially
// and non-reversible steps require a validated confirmation token before
// they may execute.
type ReversibilityClass string

const (
	FullyReversible     ReversibilityClass = "FULLY_REVERSIBLE"
	PartiallyReversible ReversibilityClass = "PARTIALLY_REVERSIBLE"
	NonReversible       ReversibilityClass = "NON_REVERSIBLE"
)

// RequiresConfirmation reports whether a step of this class needs a
// pre-validated confirmation token.
func (r ReversibilityClass) RequiresConfirmation() bool {
	return r == PartiallyReversible || r == NonReversible
}

// Known reports whether r is one of the three declared classes.
func (r ReversibilityClass) Known() bool {
	switch r {
	case FullyReversible, PartiallyReversible, NonReversible:
		return true
	}
	return false
}

// ParamRange is an inclusive numeric bound for a single operation parameter.
type ParamRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v falls inside the range.
func (r ParamRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Capability is one permitted operation: an exact identifier, per-parameter
// numeric bounds, an optional CEL bound expression evaluated against the
// parameters, and a reversibility class. Lookups are by exact identifier,
// never by similarity or inference.
type Capability struct {
	ID            string                `json:"id"`
	Params        map[string]ParamRange `json:"params,omitempty"`
	Bound         string                `json:"bound,omitempty"`
	Reversibility ReversibilityClass    `json:"reversibility"`
}

// ChallengeKind is the class of confirmation challenge. The variety exists
// to defeat reflexive ("muscle-memory") confirmation.
type ChallengeKind string

const (
	ChallengeTypedCode     ChallengeKind = "TYPED_CODE"
	ChallengeSpokenPhrase  ChallengeKind = "SPOKEN_PHRASE"
	ChallengeGesture       ChallengeKind = "DELIBERATE_GESTURE"
	ChallengeComprehension ChallengeKind = "COMPREHENSION_QUESTION"
)

// AllChallengeKinds enumerates the closed set of challenge kinds.
func AllChallengeKinds() []ChallengeKind {
	return []ChallengeKind{
		ChallengeTypedCode,
		ChallengeSpokenPhrase,
		ChallengeGesture,
		ChallengeComprehension,
	}
}
