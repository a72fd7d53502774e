package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"iqracore/pkg/domain"
)

func TestExecuteStudentLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Execute(ctx, admin, Request{
		Table:     TableStudents,
		Operation: OpCreate,
		Payload:   json.RawMessage(`{"first_name":"Amina","last_name":"Khan","email":"amina@example.org","date_of_birth":"2001-03-14"}`),
	})
	if err != nil {
		t.Fatalf("execute create: %v", err)
	}
	created, ok := resp.Record.(Student)
	if !ok {
		t.Fatalf("expected Student record, got %T", resp.Record)
	}
	if created.DateOfBirth.Year() != 2001 {
		t.Fatalf("date not parsed: %v", created.DateOfBirth)
	}

	resp, err = svc.Execute(ctx, admin, Request{
		Table:     TableStudents,
		Operation: OpUpdate,
		ID:        created.ID,
		Payload:   json.RawMessage(`{"first_name":"Aminah"}`),
	})
	if err != nil {
		t.Fatalf("execute update: %v", err)
	}
	updated := resp.Record.(Student)
	if updated.FirstName != "Aminah" {
		t.Fatalf("partial update not applied: %+v", updated)
	}
	if updated.Email != created.Email {
		t.Fatalf("unset fields must stay untouched, got %q", updated.Email)
	}

	// The generic delete verb is the soft one.
	resp, err = svc.Execute(ctx, admin, Request{Table: TableStudents, Operation: OpDelete, ID: created.ID})
	if err != nil {
		t.Fatalf("execute delete: %v", err)
	}
	if !resp.Record.(Student).IsDeleted {
		t.Fatalf("generic delete must soft-delete")
	}

	resp, err = svc.Execute(ctx, admin, Request{Table: TableStudents, Operation: OpRead})
	if err != nil {
		t.Fatalf("execute list: %v", err)
	}
	if students := resp.Records.([]Student); len(students) != 0 {
		t.Fatalf("default listing must hide the soft-deleted row, got %d", len(students))
	}
}

func TestExecuteCreateHonorsCallerID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.Execute(ctx, admin, Request{
		Table:     TableStudents,
		Operation: OpCreate,
		ID:        "s1",
		Payload:   json.RawMessage(`{"first_name":"Ahmed","last_name":"Hassan","email":"a@x.com","date_of_birth":"1995-03-15"}`),
	})
	if err != nil {
		t.Fatalf("execute create: %v", err)
	}
	if got := resp.Record.(Student).ID; got != "s1" {
		t.Fatalf("caller-supplied id must be kept, got %q", got)
	}
	if _, err := svc.GetStudent(ctx, admin, "s1"); err != nil {
		t.Fatalf("direct lookup by supplied id: %v", err)
	}

	resp, err = svc.Execute(ctx, admin, Request{
		Table:     TableSubscription,
		Operation: OpCreate,
		ID:        "sub-1",
		Payload:   json.RawMessage(`{"student_id":"s1","plan_name":"monthly","start_date":"2026-01-01","end_date":"2026-02-01","amount":500}`),
	})
	if err != nil {
		t.Fatalf("execute create subscription: %v", err)
	}
	if got := resp.Record.(Subscription).ID; got != "sub-1" {
		t.Fatalf("caller-supplied subscription id must be kept, got %q", got)
	}
}

func TestExecuteRejectsMalformedPayloads(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
		field   string
		reason  string
	}{
		{"unknown field", `{"first_name":"A","nickname":"x"}`, "payload", domain.ReasonPayload},
		{"not json", `{{`, "payload", domain.ReasonPayload},
		{"bad date", `{"first_name":"A","last_name":"B","email":"a@b.org","date_of_birth":"14/03/2001"}`, "date_of_birth", domain.ReasonInvalidDate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, admin, Request{
				Table:     TableStudents,
				Operation: OpCreate,
				Payload:   json.RawMessage(tc.payload),
			})
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Violations) != 1 || verr.Violations[0].Field != tc.field || verr.Violations[0].Reason != tc.reason {
				t.Fatalf("unexpected violations %v", verr.Violations)
			}
		})
	}
}

func TestExecuteSubscriptionDefaultsToActive(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	st, _, err := svc.CreateStudent(ctx, admin, validStudent())
	if err != nil {
		t.Fatalf("create student: %v", err)
	}

	resp, err := svc.Execute(ctx, admin, Request{
		Table:     TableSubscription,
		Operation: OpCreate,
		Payload: json.RawMessage(`{"student_id":"` + st.ID +
			`","plan_name":"monthly","start_date":"2026-01-01","end_date":"2026-02-01","amount":500}`),
	})
	if err != nil {
		t.Fatalf("execute create subscription: %v", err)
	}
	if resp.Record.(Subscription).Status != domain.SubscriptionActive {
		t.Fatalf("omitted status must default to active")
	}
}

func TestExecuteActivityLogsAreAppendOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Execute(ctx, admin, Request{
		Table:     TableActivityLogs,
		Operation: OpUpdate,
		ID:        "some-log",
		Payload:   json.RawMessage(`{"action":"tampered"}`),
	})
	var denied *domain.AuthorizationDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestExecuteListPredicates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	names := []struct{ first, email string }{
		{"Amina", "amina@example.org"},
		{"Bilal", "bilal@example.org"},
		{"Aminah", "aminah@example.org"},
	}
	for _, n := range names {
		st := validStudent()
		st.FirstName = n.first
		st.Email = n.email
		if _, _, err := svc.CreateStudent(ctx, admin, st); err != nil {
			t.Fatalf("create %s: %v", n.first, err)
		}
	}

	resp, err := svc.Execute(ctx, admin, Request{
		Table:     TableStudents,
		Operation: OpRead,
		Predicate: Predicate{Search: "amin"},
	})
	if err != nil {
		t.Fatalf("execute search: %v", err)
	}
	if got := resp.Records.([]Student); len(got) != 2 {
		t.Fatalf("expected 2 matches for 'amin', got %d", len(got))
	}

	resp, err = svc.Execute(ctx, admin, Request{
		Table:     TableStudents,
		Operation: OpRead,
		Predicate: Predicate{Limit: 1},
	})
	if err != nil {
		t.Fatalf("execute limited: %v", err)
	}
	if got := resp.Records.([]Student); len(got) != 1 {
		t.Fatalf("limit not applied, got %d", len(got))
	}
}

func TestExecuteUnknownTable(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Execute(context.Background(), admin, Request{Table: Table("invoices"), Operation: OpRead})
	var denied *domain.AuthorizationDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial for unknown table, got %v", err)
	}
}
