package policy

import (
	"fmt"
	"sync/atomic"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// Set is an immutable lookup table from legal-basis code to retention
// policy. Build a new Set and swap it into the evaluator on reload.
type Set struct {
	policies map[string]retention.RetentionPolicy
}

// NewSet builds a policy set. Duplicate legal-basis codes are rejected:
// every code referenced by any record must resolve to exactly one policy.
func NewSet(policies []retention.RetentionPolicy) (*Set, error) {
	m := make(map[string]retention.RetentionPolicy, len(policies))
	for _, p := range policies {
		if p.LegalBasisCode == "" {
			return nil, fmt.Errorf("policy with empty legal_basis_code")
		}
		if _, dup := m[p.LegalBasisCode]; dup {
			return nil, fmt.Errorf("duplicate policy for legal basis %q", p.LegalBasisCode)
		}
		if p.MinimumRetentionDays < 0 {
			return nil, fmt.Errorf("policy %q: negative minimum_retention_days", p.LegalBasisCode)
		}
		if !p.DefaultDisposalMethod.Valid() {
			return nil, fmt.Errorf("policy %q: unknown disposal method %q", p.LegalBasisCode, p.DefaultDisposalMethod)
		}
		m[p.LegalBasisCode] = p
	}
	return &Set{policies: m}, nil
}

// Lookup returns the policy for the legal-basis code.
func (s *Set) Lookup(legalBasisCode string) (retention.RetentionPolicy, bool) {
	p, ok := s.policies[legalBasisCode]
	return p, ok
}

// Codes returns the registered legal-basis codes.
func (s *Set) Codes() []string {
	codes := make([]string, 0, len(s.policies))
	for code := range s.policies {
		codes = append(codes, code)
	}
	return codes
}

// Policies returns the policies in the set.
func (s *Set) Policies() []retention.RetentionPolicy {
	out := make([]retention.RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

// Outcome classifies a record's evaluation result.
type Outcome string

const (
	// OutcomeDue means the retention period has elapsed and no hold blocks.
	OutcomeDue Outcome = "due"
	// OutcomeNotDue means the retention period has not yet elapsed.
	OutcomeNotDue Outcome = "not_due"
	// OutcomeHeld means a legal hold currently forbids disposal.
	OutcomeHeld Outcome = "held"
	// OutcomeAlreadyDisposed means the record has a completed disposal.
	OutcomeAlreadyDisposed Outcome = "already_disposed"
	// OutcomeUnevaluable means no policy is registered for the record's
	// legal basis. Never auto-disposed.
	OutcomeUnevaluable Outcome = "unevaluable"
)

// Decision is the result of evaluating one record against the active
// policy set.
type Decision struct {
	Outcome Outcome

	// Policy is the matched policy; zero for unevaluable records.
	Policy retention.RetentionPolicy

	// Method is the resolved disposal method for due records.
	Method retention.DisposalMethod

	// DueDate is when the record became (or becomes) disposable.
	DueDate time.Time
}

// Evaluator computes due-ness and disposal method for records against an
// atomically swappable policy set, so a config reload never tears a run's
// view of the policies.
type Evaluator struct {
	set atomic.Pointer[Set]
}

// NewEvaluator creates an evaluator over the given policy set.
func NewEvaluator(set *Set) *Evaluator {
	e := &Evaluator{}
	e.set.Store(set)
	return e
}

// Reload swaps in a new policy set. In-flight evaluations finish against
// the set they started with.
func (e *Evaluator) Reload(set *Set) {
	e.set.Store(set)
}

// Set returns the active policy set.
func (e *Evaluator) Set() *Set {
	return e.set.Load()
}

// Evaluate classifies the record as of now. A record is due iff its
// retention period has elapsed and no legal hold is in effect. Records
// whose legal basis has no registered policy are unevaluable and are never
// defaulted to any policy.
func (e *Evaluator) Evaluate(record *retention.DisposableRecord, now time.Time) Decision {
	set := e.set.Load()

	pol, ok := set.Lookup(record.LegalBasisCode)
	if !ok {
		return Decision{Outcome: OutcomeUnevaluable}
	}

	dueDate := pol.DueDate(record.SourceTimestamp)
	decision := Decision{
		Policy:  pol,
		DueDate: dueDate,
		Method:  ResolveMethod(record, pol),
	}

	switch {
	case record.DisposalState.Disposed:
		decision.Outcome = OutcomeAlreadyDisposed
	case now.Before(dueDate):
		decision.Outcome = OutcomeNotDue
	case record.LegalHold.InEffect(now):
		decision.Outcome = OutcomeHeld
	default:
		decision.Outcome = OutcomeDue
	}
	return decision
}

// ResolveMethod returns the disposal method for a record under a policy.
// Confidential records always resolve to irreversible destruction,
// overriding the policy default.
func ResolveMethod(record *retention.DisposableRecord, pol retention.RetentionPolicy) retention.DisposalMethod {
	if record.Confidential {
		return retention.MethodPermanentDelete
	}
	return pol.DefaultDisposalMethod
}
