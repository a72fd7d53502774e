package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iqracore/internal/archive"
	"iqracore/internal/infra/persistence/memory"
	"iqracore/pkg/domain"
)

// flakyAuditStore lets a test fail activity log appends while every other
// mutation keeps working, to exercise the degraded audit path.
type flakyAuditStore struct {
	domain.PersistentStore
	failAppends bool
}

func (s *flakyAuditStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error) {
	if !s.failAppends {
		return s.PersistentStore.RunInTransaction(ctx, fn)
	}
	return s.PersistentStore.RunInTransaction(ctx, func(tx Transaction) error {
		return fn(&appendFailTx{Transaction: tx})
	})
}

type appendFailTx struct {
	domain.Transaction
}

func (t *appendFailTx) AppendActivityLog(ActivityLog) (ActivityLog, error) {
	return ActivityLog{}, errors.New("audit backend down")
}

type metricsStub struct {
	mu            sync.Mutex
	observed      map[string]int
	auditFailures map[string]int
}

func newMetricsStub() *metricsStub {
	return &metricsStub{observed: map[string]int{}, auditFailures: map[string]int{}}
}

func (m *metricsStub) Observe(_ context.Context, operation string, _ bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[operation]++
}

func (m *metricsStub) ObserveAuditFailure(_ context.Context, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditFailures[operation]++
}

func TestAuditDegradationDoesNotFailTheMutation(t *testing.T) {
	inner := memory.NewStore(NewDefaultRulesEngine())
	store := &flakyAuditStore{PersistentStore: inner}
	metrics := newMetricsStub()
	recorder := &auditRecorderStub{}
	svc := NewService(store,
		WithMetricsRecorder(metrics),
		WithAuditRecorder(recorder),
	)
	ctx := context.Background()

	// First mutation commits normally so the flaky phase only hits the
	// audit append of the second one.
	if _, _, err := svc.CreateStudent(ctx, admin, validStudent()); err != nil {
		t.Fatalf("baseline create: %v", err)
	}

	store.failAppends = true
	second := validStudent()
	second.Email = "second@example.org"
	created, res, err := svc.CreateStudent(ctx, admin, second)
	if err != nil {
		t.Fatalf("audit failure must not fail the mutation: %v", err)
	}

	if _, ok := inner.GetStudent(created.ID); !ok {
		t.Fatalf("mutation must stay committed despite the failed append")
	}
	warned := false
	for _, v := range res.Violations {
		if v.Severity == SeverityWarn && v.Rule == "audit_append" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning violation on the result, got %v", res.Violations)
	}
	if metrics.auditFailures["create_student"] != 1 {
		t.Fatalf("expected one audit failure observation, got %v", metrics.auditFailures)
	}
	last := recorder.entries[len(recorder.entries)-1]
	if last.Status != AuditStatusDegraded {
		t.Fatalf("expected degraded audit status, got %s", last.Status)
	}
}

func TestEveryMutationYieldsOneAuditRow(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	st, _, err := svc.CreateStudent(ctx, admin, validStudent())
	if err != nil {
		t.Fatalf("create student: %v", err)
	}
	sub := validSubscription()
	sub.StudentID = st.ID
	created, _, err := svc.CreateSubscription(ctx, admin, sub)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if _, _, err := svc.CancelSubscription(ctx, admin, created.ID); err != nil {
		t.Fatalf("cancel subscription: %v", err)
	}
	if _, _, err := svc.SoftDeleteStudent(ctx, admin, st.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	logs := store.ListActivityLogs(domain.ActivityLogQuery{})
	if len(logs) != 4 {
		t.Fatalf("expected 4 audit rows for 4 mutations, got %d", len(logs))
	}
	actions := map[string]bool{}
	for _, log := range logs {
		actions[log.Action] = true
	}
	for _, want := range []string{"create_student", "create_subscription", "cancel_subscription", "soft_delete_student"} {
		if !actions[want] {
			t.Fatalf("missing audit action %q in %v", want, actions)
		}
	}
}

func TestAuditTimestampsNeverRegress(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	// Drive the store clock backwards between writes; appended rows must
	// still come out in non-decreasing order.
	base := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Minute), base.Add(-time.Hour)}
	idx := 0
	store.SetNowFunc(func() time.Time {
		t := times[idx%len(times)]
		idx++
		return t
	})

	for i, email := range []string{"a@example.org", "b@example.org", "c@example.org"} {
		st := validStudent()
		st.Email = email
		if _, _, err := svc.CreateStudent(ctx, admin, st); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	logs := store.ListActivityLogs(domain.ActivityLogQuery{})
	for i := 1; i < len(logs); i++ {
		// Listing is newest first.
		if logs[i].Timestamp.After(logs[i-1].Timestamp) {
			t.Fatalf("timestamps regressed: %v before %v", logs[i-1].Timestamp, logs[i].Timestamp)
		}
	}
}

func TestActivityLogFilters(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	st, _, err := svc.CreateStudent(ctx, admin, validStudent())
	if err != nil {
		t.Fatalf("create student: %v", err)
	}
	sub := validSubscription()
	sub.StudentID = st.ID
	if _, _, err := svc.CreateSubscription(ctx, admin, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	studentLogs, err := svc.ListActivityLogs(ctx, admin, domain.ActivityLogQuery{EntityType: EntityStudent})
	if err != nil {
		t.Fatalf("list student logs: %v", err)
	}
	// Subscription creation also rewrites the student's denormalized
	// fields, but only one row carries the student entity type.
	if len(studentLogs) != 1 || studentLogs[0].Action != "create_student" {
		t.Fatalf("unexpected student logs: %v", studentLogs)
	}

	byEntity, err := svc.ListActivityLogs(ctx, admin, domain.ActivityLogQuery{EntityID: st.ID})
	if err != nil {
		t.Fatalf("list by entity id: %v", err)
	}
	if len(byEntity) != 1 {
		t.Fatalf("expected one row referencing the student id, got %d", len(byEntity))
	}

	limited, err := svc.ListActivityLogs(ctx, admin, domain.ActivityLogQuery{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d rows", len(limited))
	}
}

func TestManualActivityLogAppend(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	appended, _, err := svc.AppendActivityLog(ctx, admin, ActivityLog{
		Action:     "import_completed",
		EntityType: EntitySystem,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if appended.UserID == nil || *appended.UserID != admin.ID {
		t.Fatalf("append must stamp the acting user")
	}
	if appended.Timestamp.IsZero() {
		t.Fatalf("timestamps are server-assigned")
	}

	// Unknown referent kinds are rejected, not silently accepted.
	_, _, err = svc.AppendActivityLog(ctx, admin, ActivityLog{
		Action:     "import_completed",
		EntityType: EntityType("invoice"),
	})
	var ierr *domain.IntegrityError
	if !errors.As(err, &ierr) || ierr.Kind != domain.KindInvalidEnum {
		t.Fatalf("expected invalid-enum integrity error, got %v", err)
	}
}

func TestArchiveActivityLogs(t *testing.T) {
	archiveStore := archive.NewMemory()
	svc, store := newTestService(WithArchive(archiveStore))
	ctx := context.Background()

	old := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()
	store.SetNowFunc(func() time.Time { return old })
	if _, _, err := svc.AppendActivityLog(ctx, admin, ActivityLog{Action: "old_event", EntityType: EntitySystem}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	store.SetNowFunc(func() time.Time { return recent })
	if _, _, err := svc.AppendActivityLog(ctx, admin, ActivityLog{Action: "recent_event", EntityType: EntitySystem}); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	n, err := svc.ArchiveActivityLogs(ctx, admin, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 archived row, got %d", n)
	}
	docs, err := archiveStore.List(ctx, "activity_logs/")
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one exported document, got %v", docs)
	}

	remaining := store.ListActivityLogs(domain.ActivityLogQuery{})
	if len(remaining) != 1 || remaining[0].Action != "recent_event" {
		t.Fatalf("only the recent row should remain, got %v", remaining)
	}
}

func TestArchiveWithoutStoreFails(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.ArchiveActivityLogs(context.Background(), admin, time.Now()); err == nil {
		t.Fatalf("archiving without a configured store must fail")
	}
}
