package core

import (
	"context"
	"errors"
	"testing"

	"iqracore/internal/infra/persistence/memory"
	"iqracore/pkg/domain"
)

func ruleTestStore() *memory.Store {
	return memory.NewStore(NewDefaultRulesEngine())
}

func mustCreateStudent(t *testing.T, store *memory.Store, st Student) Student {
	t.Helper()
	var created Student
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateStudent(st)
		return err
	})
	if err != nil {
		t.Fatalf("create student: %v", err)
	}
	return created
}

func mustCreateSubscription(t *testing.T, store *memory.Store, sub Subscription) Subscription {
	t.Helper()
	var created Subscription
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateSubscription(sub)
		return err
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return created
}

func blockingKind(t *testing.T, err error) domain.IntegrityKind {
	t.Helper()
	var ruleErr RuleViolationError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	v, ok := ruleErr.Result.FirstBlocking()
	if !ok {
		t.Fatalf("expected a blocking violation in %v", ruleErr.Result)
	}
	return v.Kind
}

func TestEmailUniquenessBlocksDuplicate(t *testing.T) {
	store := ruleTestStore()
	mustCreateStudent(t, store, validStudent())

	dup := validStudent()
	dup.FirstName = "Bilal"
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateStudent(dup)
		return err
	})
	if kind := blockingKind(t, err); kind != domain.KindDuplicate {
		t.Fatalf("expected duplicate kind, got %s", kind)
	}
}

func TestEmailUniquenessIsCaseInsensitive(t *testing.T) {
	store := ruleTestStore()
	mustCreateStudent(t, store, validStudent())

	dup := validStudent()
	dup.Email = "AMINA@Example.org"
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateStudent(dup)
		return err
	})
	if err == nil {
		t.Fatalf("case-folded duplicate email must be blocked")
	}
}

func TestEmailUniquenessBlamesTheNewWriter(t *testing.T) {
	store := ruleTestStore()
	resident := mustCreateStudent(t, store, validStudent())

	dup := validStudent()
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateStudent(dup)
		return err
	})
	var ruleErr RuleViolationError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	for _, v := range ruleErr.Result.Violations {
		if v.EntityID == resident.ID {
			t.Fatalf("resident student %s must keep its claim on the address", resident.ID)
		}
	}
}

func TestSoftDeletedEmailIsReusable(t *testing.T) {
	store := ruleTestStore()
	first := mustCreateStudent(t, store, validStudent())

	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.SoftDeleteStudent(first.ID)
		return err
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	replacement := validStudent()
	replacement.FirstName = "Sara"
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateStudent(replacement)
		return err
	}); err != nil {
		t.Fatalf("email of a soft-deleted student should be reusable: %v", err)
	}
}

func TestSubscriptionRequiresExistingStudent(t *testing.T) {
	store := ruleTestStore()

	sub := validSubscription()
	sub.StudentID = "no-such-student"
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateSubscription(sub)
		return err
	})
	if kind := blockingKind(t, err); kind != domain.KindDanglingReference {
		t.Fatalf("expected dangling-reference kind, got %s", kind)
	}
}

func TestSubscriptionRejectsSoftDeletedStudent(t *testing.T) {
	store := ruleTestStore()
	st := mustCreateStudent(t, store, validStudent())
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.SoftDeleteStudent(st.ID)
		return err
	}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	sub := validSubscription()
	sub.StudentID = st.ID
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateSubscription(sub)
		return err
	})
	if kind := blockingKind(t, err); kind != domain.KindDanglingReference {
		t.Fatalf("expected dangling-reference kind, got %s", kind)
	}
}

func TestHardDeleteGuardedBySubscriptions(t *testing.T) {
	store := ruleTestStore()
	st := mustCreateStudent(t, store, validStudent())
	sub := validSubscription()
	sub.StudentID = st.ID
	created := mustCreateSubscription(t, store, sub)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.HardDeleteStudent(st.ID)
	})
	if kind := blockingKind(t, err); kind != domain.KindDanglingReference {
		t.Fatalf("expected dangling-reference kind, got %s", kind)
	}

	// The blocked transaction must leave the student untouched.
	if _, ok := store.GetStudent(st.ID); !ok {
		t.Fatalf("student must survive the refused delete")
	}

	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.DeleteSubscription(created.ID)
	}); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		return tx.HardDeleteStudent(st.ID)
	}); err != nil {
		t.Fatalf("hard delete should pass once no subscription remains: %v", err)
	}
}

func TestDeleteSubscriptionAndStudentInOneTransaction(t *testing.T) {
	store := ruleTestStore()
	st := mustCreateStudent(t, store, validStudent())
	sub := validSubscription()
	sub.StudentID = st.ID
	created := mustCreateSubscription(t, store, sub)

	// Rules run against the post-mutation snapshot, so removing both rows
	// together satisfies the guard.
	if _, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if err := tx.DeleteSubscription(created.ID); err != nil {
			return err
		}
		return tx.HardDeleteStudent(st.ID)
	}); err != nil {
		t.Fatalf("combined delete should pass: %v", err)
	}
}
