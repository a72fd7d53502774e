package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain mutations a persistence implementation must
// support within an atomic scope. A returned error discards the whole
// transaction; the committed state is never partially written.
type Transaction interface {
	Snapshot() TransactionView
	CreateStudent(Student) (Student, error)
	UpdateStudent(id string, mutator func(*Student) error) (Student, error)
	SoftDeleteStudent(id string) (Student, error)
	HardDeleteStudent(id string) error
	CreateSubscription(Subscription) (Subscription, error)
	UpdateSubscription(id string, mutator func(*Subscription) error) (Subscription, error)
	DeleteSubscription(id string) error
	AppendActivityLog(ActivityLog) (ActivityLog, error)
	DeleteActivityLog(id string) error
	PutAppSetting(AppSetting) (AppSetting, error)
	TouchSyncMetadata(userID string) (SyncMetadata, error)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView = RuleView

// StudentQuery narrows a student listing. The default read path excludes
// soft-deleted rows; IncludeDeleted is the privileged administrative mode.
type StudentQuery struct {
	IncludeDeleted bool
	// Search matches a case-insensitive substring of first or last name.
	Search string
	Offset int
	Limit  int
}

// SubscriptionQuery narrows a subscription listing.
type SubscriptionQuery struct {
	StudentID string
	Status    SubscriptionStatus
	Offset    int
	Limit     int
}

// ActivityLogQuery narrows an activity log listing. Results are ordered by
// timestamp, newest first.
type ActivityLogQuery struct {
	EntityType EntityType
	EntityID   string
	Since      time.Time
	Limit      int
}

// PersistentStore is a minimal abstraction over durable backends. Reads on
// committed state apply soft-delete filtering per query; direct id lookup
// always resolves, deleted or not, for audit continuity.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetStudent(id string) (Student, bool)
	ListStudents(q StudentQuery) []Student
	GetSubscription(id string) (Subscription, bool)
	ListSubscriptions(q SubscriptionQuery) []Subscription
	GetActivityLog(id string) (ActivityLog, bool)
	ListActivityLogs(q ActivityLogQuery) []ActivityLog
	GetAppSetting(userID, key string) (AppSetting, bool)
	GetSyncMetadata(userID string) (SyncMetadata, bool)
}
