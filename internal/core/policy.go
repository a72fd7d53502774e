package core

import (
	"fmt"

	"iqracore/pkg/domain"
)

// Subject classifies which actors a policy rule applies to.
type Subject string

// Policy rule subjects.
const (
	// SubjectAnonymous matches unauthenticated actors only.
	SubjectAnonymous Subject = "anonymous"
	// SubjectAuthenticated matches any authenticated actor.
	SubjectAuthenticated Subject = "authenticated"
	// SubjectAny matches every actor.
	SubjectAny Subject = "*"
)

// RowPredicate optionally narrows a rule to individual records. A nil
// predicate applies table-wide. Row-scoped rules (e.g. owner-only) hook in
// here without changing authorize call sites.
type RowPredicate func(actor Actor, record any) bool

// PolicyRule grants or denies a set of operations on a table to a subject.
type PolicyRule struct {
	Table   Table
	Subject Subject
	Rights  Rights
	Deny    bool
	Row     RowPredicate
}

func (r PolicyRule) matches(actor Actor, table Table, op Operation) bool {
	if r.Table != TableAny && r.Table != table {
		return false
	}
	if !r.Rights.Has(domain.RightFor(op)) {
		return false
	}
	switch r.Subject {
	case SubjectAnonymous:
		return !actor.Authenticated
	case SubjectAuthenticated:
		return actor.Authenticated
	case SubjectAny:
		return true
	default:
		return false
	}
}

// PolicyEngine evaluates ordered rules, first match wins, default deny.
// Rules are immutable after construction, so concurrent evaluation needs no
// locking.
type PolicyEngine struct {
	rules []PolicyRule
}

// NewPolicyEngine constructs an engine from an ordered rule list.
func NewPolicyEngine(rules ...PolicyRule) *PolicyEngine {
	return &PolicyEngine{rules: rules}
}

// NewDefaultPolicyEngine builds the built-in policy matrix: authenticated
// admins get full access, anonymous actors nothing, and activity logs are
// append-only for everyone.
func NewDefaultPolicyEngine() *PolicyEngine {
	return NewPolicyEngine(
		// Audit rows are immutable once written.
		PolicyRule{Table: domain.TableActivityLogs, Subject: SubjectAny, Rights: domain.RightUpdate, Deny: true},
		PolicyRule{Table: TableAny, Subject: SubjectAuthenticated, Rights: domain.RightAll},
	)
}

// Authorize decides whether actor may perform op on table. A denial carries
// the specific reason for internal diagnosis; the transport boundary is
// responsible for presenting it indistinguishably from "not found".
func (p *PolicyEngine) Authorize(actor Actor, table Table, op Operation) error {
	for _, rule := range p.rules {
		if !rule.matches(actor, table, op) {
			continue
		}
		if rule.Row != nil {
			// Row-scoped rules cannot decide at the table level; fall
			// through to the next rule.
			continue
		}
		if rule.Deny {
			return &domain.AuthorizationDeniedError{
				Table:     table,
				Operation: op,
				Reason:    fmt.Sprintf("denied by policy rule for subject %q", rule.Subject),
			}
		}
		return nil
	}
	return &domain.AuthorizationDeniedError{
		Table:     table,
		Operation: op,
		Reason:    fmt.Sprintf("no policy rule grants %s to role %q (default deny)", op, actor.Role),
	}
}

// AuthorizeRow decides access to a single record, consulting row predicates
// before table-wide rules.
func (p *PolicyEngine) AuthorizeRow(actor Actor, table Table, op Operation, record any) error {
	for _, rule := range p.rules {
		if !rule.matches(actor, table, op) {
			continue
		}
		if rule.Row != nil && !rule.Row(actor, record) {
			continue
		}
		if rule.Deny {
			return &domain.AuthorizationDeniedError{
				Table:     table,
				Operation: op,
				Reason:    fmt.Sprintf("denied by policy rule for subject %q", rule.Subject),
			}
		}
		return nil
	}
	return &domain.AuthorizationDeniedError{
		Table:     table,
		Operation: op,
		Reason:    fmt.Sprintf("no policy rule grants %s to role %q (default deny)", op, actor.Role),
	}
}
