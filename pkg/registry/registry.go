// Package registry implements the locked capability registry: the immutable
// mapping of permitted operation identifier → parameter bounds →
// reversibility class, fixed at the moment consent is granted.
//
// Lookups are by exact identifier. There is no fuzzy matching and no
// similarity-based escalation: an operation is permitted by registry match
// or not at all. The registry exposes no mutation methods after
// construction, and its canonical fingerprint makes any later swap
// detectable.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/aural-labs/selfsession/pkg/canonicalize"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

// ViolationError describes why an operation fell outside the registry. It
// is always a halt, never a best-effort continuation.
type ViolationError struct {
	Operation string
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("capability violation: %s: %s", e.Operation, e.Reason)
}

// ErrNotLockable is returned when the capability list cannot form a valid
// registry.
var ErrNotLockable = errors.New("registry: capability list is not lockable")

// Registry is the locked capability set. Constructed once, read-only for
// the lifetime of its session.
type Registry struct {
	caps        map[string]contracts.Capability
	programs    map[string]cel.Program
	fingerprint string
}

// NewLocked validates, compiles, and locks a capability list. Called
// exactly once per session, at consent time.
func NewLocked(caps []contracts.Capability) (*Registry, error) {
	if len(caps) == 0 {
		return nil, fmt.Errorf("%w: empty capability list", ErrNotLockable)
	}

	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: create CEL env: %w", err)
	}

	r := &Registry{
		caps:     make(map[string]contracts.Capability, len(caps)),
		programs: make(map[string]cel.Program),
	}
	for _, c := range caps {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: capability with empty identifier", ErrNotLockable)
		}
		if _, dup := r.caps[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate capability %q", ErrNotLockable, c.ID)
		}
		if !c.Reversibility.Known() {
			return nil, fmt.Errorf("%w: capability %q has unknown reversibility %q", ErrNotLockable, c.ID, c.Reversibility)
		}
		for name, bounds := range c.Params {
			if bounds.Min > bounds.Max {
				return nil, fmt.Errorf("%w: capability %q parameter %q has min > max", ErrNotLockable, c.ID, name)
			}
		}
		if c.Bound != "" {
			ast, issues := env.Compile(c.Bound)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: capability %q bound: %v", ErrNotLockable, c.ID, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("registry: capability %q bound program: %w", c.ID, err)
			}
			r.programs[c.ID] = prg
		}
		r.caps[c.ID] = c
	}

	fp, err := fingerprintCaps(caps)
	if err != nil {
		return nil, err
	}
	r.fingerprint = fp
	return r, nil
}

// fingerprintCaps hashes the canonical form of the capability list,
// order-independent.
func fingerprintCaps(caps []contracts.Capability) (string, error) {
	sorted := append([]contracts.Capability(nil), caps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	fp, err := canonicalize.CanonicalHash(sorted)
	if err != nil {
		return "", fmt.Errorf("registry: fingerprint: %w", err)
	}
	return fp, nil
}

// Fingerprint returns the canonical hash computed at lock time.
func (r *Registry) Fingerprint() string { return r.fingerprint }

// Lookup returns a copy of a capability by exact identifier.
func (r *Registry) Lookup(id string) (contracts.Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns the sorted capability identifiers.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check verifies that an operation and its parameters fall inside the
// registry. The identifier must match exactly; every supplied parameter
// must be declared and inside its range; the optional CEL bound must hold.
// Any failure is a ViolationError.
func (r *Registry) Check(operation string, params map[string]interface{}) error {
	capability, ok := r.caps[operation]
	if !ok {
		return &ViolationError{Operation: operation, Reason: "operation not in registry"}
	}

	for name, raw := range params {
		bounds, declared := capability.Params[name]
		if !declared {
			return &ViolationError{Operation: operation, Reason: fmt.Sprintf("parameter %q not declared", name)}
		}
		value, numeric := toFloat(raw)
		if !numeric {
			return &ViolationError{Operation: operation, Reason: fmt.Sprintf("parameter %q is not numeric", name)}
		}
		if !bounds.Contains(value) {
			return &ViolationError{
				Operation: operation,
				Reason:    fmt.Sprintf("parameter %q=%v outside [%v, %v]", name, value, bounds.Min, bounds.Max),
			}
		}
	}

	if prg, has := r.programs[operation]; has {
		celParams := params
		if celParams == nil {
			celParams = map[string]interface{}{}
		}
		out, _, err := prg.Eval(map[string]interface{}{"params": celParams})
		if err != nil {
			return &ViolationError{Operation: operation, Reason: fmt.Sprintf("bound evaluation: %v", err)}
		}
		allowed, isBool := out.Value().(bool)
		if !isBool {
			return &ViolationError{Operation: operation, Reason: "bound expression did not yield a boolean"}
		}
		if !allowed {
			return &ViolationError{Operation: operation, Reason: "bound expression rejected parameters"}
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
