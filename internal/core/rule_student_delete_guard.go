package core

import (
	"context"
	"fmt"

	"iqracore/pkg/domain"
)

// NewStudentDeleteGuardRule returns the in-transaction rule refusing hard
// deletion of a student while subscriptions still reference it. Cascades are
// never silent: callers must cancel the subscriptions first or soft-delete
// the student instead.
func NewStudentDeleteGuardRule() Rule {
	return studentDeleteGuardRule{}
}

type studentDeleteGuardRule struct{}

func (studentDeleteGuardRule) Name() string { return "student_delete_guard" }

func (studentDeleteGuardRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != EntityStudent || change.Action != ActionDelete || change.Before == nil {
			continue
		}
		st, ok := change.Before.(Student)
		if !ok {
			continue
		}
		remaining := 0
		for _, sub := range view.ListSubscriptions() {
			if sub.StudentID == st.ID {
				remaining++
			}
		}
		if remaining > 0 {
			res.Violations = append(res.Violations, Violation{
				Rule:     "student_delete_guard",
				Severity: SeverityBlock,
				Kind:     domain.KindDanglingReference,
				Message:  fmt.Sprintf("student %s still has %d subscription(s); cancel them or soft-delete instead", st.ID, remaining),
				Entity:   EntityStudent,
				EntityID: st.ID,
			})
		}
	}
	return res, nil
}

// NewDefaultRulesEngine builds a rules engine with the built-in integrity
// rule set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewEmailUniquenessRule())
	engine.Register(NewSubscriptionReferenceRule())
	engine.Register(NewStudentDeleteGuardRule())
	return engine
}
