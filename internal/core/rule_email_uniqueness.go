package core

import (
	"context"
	"fmt"
	"strings"

	"iqracore/pkg/domain"
)

// NewEmailUniquenessRule returns the in-transaction rule enforcing that no
// two non-deleted students share an email address. Soft-deleted students do
// not occupy their email, so a removed patron's address may be reused.
func NewEmailUniquenessRule() Rule {
	return emailUniquenessRule{}
}

type emailUniquenessRule struct{}

func (emailUniquenessRule) Name() string { return "email_uniqueness" }

func (emailUniquenessRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	changed := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != EntityStudent || change.After == nil {
			continue
		}
		if st, ok := change.After.(Student); ok {
			changed[st.ID] = struct{}{}
		}
	}

	byEmail := make(map[string][]Student)
	for _, st := range view.ListStudents() {
		if st.IsDeleted {
			continue
		}
		email := strings.ToLower(strings.TrimSpace(st.Email))
		if email == "" {
			continue
		}
		byEmail[email] = append(byEmail[email], st)
	}

	res := Result{}
	for _, owners := range byEmail {
		if len(owners) < 2 {
			continue
		}
		// Blame the student written in this transaction; the resident row
		// keeps its claim on the address.
		for _, st := range owners {
			_, wasWritten := changed[st.ID]
			if !wasWritten && len(changed) > 0 {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     "email_uniqueness",
				Severity: SeverityBlock,
				Kind:     domain.KindDuplicate,
				Message:  fmt.Sprintf("email %s is already in use by another active student", st.Email),
				Entity:   EntityStudent,
				EntityID: st.ID,
			})
		}
	}
	return res, nil
}
