package core

import (
	"context"
	"fmt"

	"iqracore/pkg/domain"
)

// NewSubscriptionReferenceRule returns the in-transaction rule enforcing
// that every subscription references a student that exists and is not
// soft-deleted at write time.
func NewSubscriptionReferenceRule() Rule {
	return subscriptionReferenceRule{}
}

type subscriptionReferenceRule struct{}

func (subscriptionReferenceRule) Name() string { return "subscription_reference" }

func (subscriptionReferenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != EntitySubscription || change.After == nil {
			continue
		}
		sub, ok := change.After.(Subscription)
		if !ok {
			continue
		}
		student, found := view.FindStudent(sub.StudentID)
		if !found {
			res.Violations = append(res.Violations, danglingReference(sub,
				fmt.Sprintf("subscription %s references missing student %s", sub.ID, sub.StudentID)))
			continue
		}
		if student.IsDeleted {
			res.Violations = append(res.Violations, danglingReference(sub,
				fmt.Sprintf("subscription %s references deleted student %s", sub.ID, sub.StudentID)))
		}
	}
	return res, nil
}

func danglingReference(sub Subscription, message string) Violation {
	return Violation{
		Rule:     "subscription_reference",
		Severity: SeverityBlock,
		Kind:     domain.KindDanglingReference,
		Message:  message,
		Entity:   EntitySubscription,
		EntityID: sub.ID,
	}
}
