package core

import (
	"context"
	"errors"
	"time"

	"iqracore/internal/archive"
	"iqracore/pkg/domain"
)

// Service exposes the authorized, validated, audited operations over the
// library roster. Every mutation follows the same pipeline: authorize the
// actor, validate the payload, apply the change transactionally with rule
// evaluation, then append the audit row and report the outcome to the
// configured observers.
type Service struct {
	store    domain.PersistentStore
	policy   *PolicyEngine
	validate *Validator
	audit    AuditRecorder
	metrics  MetricsRecorder
	tracer   Tracer
	logger   Logger
	clock    Clock
	archive  archive.Store

	// maskDenied presents read denials as NotFound so unauthorized callers
	// cannot probe for record existence.
	maskDenied bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPolicyEngine overrides the default policy matrix.
func WithPolicyEngine(engine *PolicyEngine) ServiceOption {
	return func(s *Service) {
		if engine != nil {
			s.policy = engine
		}
	}
}

// WithValidator overrides the default payload validator.
func WithValidator(v *Validator) ServiceOption {
	return func(s *Service) {
		if v != nil {
			s.validate = v
		}
	}
}

// WithAuditRecorder registers an in-process observer for operation outcomes.
func WithAuditRecorder(rec AuditRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithMetricsRecorder registers a metrics sink for operation outcomes.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer registers a tracer that spans every service operation.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLogger registers a structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the service time source. Tests use this to pin
// timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithArchive attaches a blob store used by the activity log retention path.
func WithArchive(store archive.Store) ServiceOption {
	return func(s *Service) {
		if store != nil {
			s.archive = store
		}
	}
}

// WithTransportErrors makes read denials indistinguishable from missing
// records at the service boundary. The specific denial reason remains
// available in logs and audit entries.
func WithTransportErrors() ServiceOption {
	return func(s *Service) { s.maskDenied = true }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		policy:   NewDefaultPolicyEngine(),
		validate: NewValidator(),
		audit:    noopAuditRecorder{},
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		logger:   noopLogger{},
		clock:    ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Operation names reported to metrics, traces and audit observers.
const (
	opCreateStudent      = "create_student"
	opUpdateStudent      = "update_student"
	opGetStudent         = "get_student"
	opListStudents       = "list_students"
	opSoftDeleteStudent  = "soft_delete_student"
	opHardDeleteStudent  = "hard_delete_student"
	opCreateSubscription = "create_subscription"
	opUpdateSubscription = "update_subscription"
	opCancelSubscription = "cancel_subscription"
	opDeleteSubscription = "delete_subscription"
	opGetSubscription    = "get_subscription"
	opListSubscriptions  = "list_subscriptions"
	opAppendActivityLog  = "append_activity_log"
	opListActivityLogs   = "list_activity_logs"
	opPutAppSetting      = "put_app_setting"
	opGetAppSetting      = "get_app_setting"
	opTouchSyncMetadata  = "touch_sync_metadata"
	opGetSyncMetadata    = "get_sync_metadata"
	opArchiveLogs        = "archive_activity_logs"
)

// finish closes out an operation: metrics, audit entry, span, log line. It
// returns err unchanged so call sites can tail-call it.
func (s *Service) finish(ctx context.Context, span TraceSpan, started time.Time, entry AuditEntry, err error) error {
	duration := s.clock.Now().Sub(started)
	entry.Duration = duration
	entry.Timestamp = started
	if entry.Status == "" {
		if err != nil {
			entry.Status = AuditStatusError
		} else {
			entry.Status = AuditStatusSuccess
		}
	}
	entry.Err = err
	s.metrics.Observe(ctx, entry.Operation, err == nil, duration)
	s.audit.Record(ctx, entry)
	span.End(err)
	if err != nil {
		s.logger.Warn("operation failed",
			"operation", entry.Operation,
			"actor", entry.ActorID,
			"entity_id", entry.EntityID,
			"error", err)
	} else {
		s.logger.Debug("operation completed",
			"operation", entry.Operation,
			"actor", entry.ActorID,
			"entity_id", entry.EntityID,
			"duration", duration)
	}
	return err
}

// mapRuleError converts a blocking rule violation into the precise integrity
// error class it represents. Violations without a kind pass through as-is.
func mapRuleError(err error) error {
	var ruleErr domain.RuleViolationError
	if !errors.As(err, &ruleErr) {
		return err
	}
	v, ok := ruleErr.Result.FirstBlocking()
	if !ok || v.Kind == "" {
		return err
	}
	return &domain.IntegrityError{
		Kind:     v.Kind,
		Entity:   v.Entity,
		EntityID: v.EntityID,
		Message:  v.Message,
	}
}

// checkRecord runs structural validation and classifies the outcome: enum
// violations surface as integrity errors, everything else as a validation
// error carrying every offending field.
func (s *Service) checkRecord(kind EntityType, record any) error {
	violations := s.validate.Validate(kind, record)
	if len(violations) == 0 {
		return nil
	}
	if v, ok := HasEnumViolation(violations); ok {
		return &domain.IntegrityError{
			Kind:    domain.KindInvalidEnum,
			Entity:  kind,
			Message: "field " + v.Field + " holds a value outside its enumeration",
		}
	}
	return &domain.ValidationError{Entity: kind, Violations: violations}
}

// deniedOrMasked applies the transport error mode to a read denial.
func (s *Service) deniedOrMasked(err error, entity EntityType, id string) error {
	if !s.maskDenied {
		return err
	}
	var denied *domain.AuthorizationDeniedError
	if errors.As(err, &denied) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// CreateStudent validates and persists a new student record.
func (s *Service) CreateStudent(ctx context.Context, actor Actor, st Student) (Student, Result, error) {
	ctx, span := s.tracer.Start(ctx, opCreateStudent)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opCreateStudent, Entity: EntityStudent, Action: ActionCreate, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpCreate); err != nil {
		return Student{}, Result{}, s.finish(ctx, span, started, entry, err)
	}
	if err := s.checkRecord(EntityStudent, st); err != nil {
		return Student{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var created Student
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateStudent(st)
		return err
	})
	if err != nil {
		return Student{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	entry.EntityID = created.ID
	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opCreateStudent,
		EntityType: EntityStudent,
		EntityID:   created.ID,
		Details:    map[string]any{"email": created.Email},
	})
	return created, res, s.finish(ctx, span, started, entry, nil)
}

// UpdateStudent applies a mutator to an existing student. The mutated record
// is re-validated inside the transaction so a bad edit never commits.
func (s *Service) UpdateStudent(ctx context.Context, actor Actor, id string, mutator func(*Student) error) (Student, Result, error) {
	ctx, span := s.tracer.Start(ctx, opUpdateStudent)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opUpdateStudent, Entity: EntityStudent, Action: ActionUpdate, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpUpdate); err != nil {
		return Student{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var updated Student
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateStudent(id, func(st *Student) error {
			if err := mutator(st); err != nil {
				return err
			}
			return s.checkRecord(EntityStudent, *st)
		})
		return err
	})
	if err != nil {
		return Student{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opUpdateStudent,
		EntityType: EntityStudent,
		EntityID:   updated.ID,
		Details:    map[string]any{"email": updated.Email},
	})
	return updated, res, s.finish(ctx, span, started, entry, nil)
}

// GetStudent fetches a student by id. Direct lookup resolves soft-deleted
// rows too; list reads are where the deletion filter applies.
func (s *Service) GetStudent(ctx context.Context, actor Actor, id string) (Student, error) {
	ctx, span := s.tracer.Start(ctx, opGetStudent)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opGetStudent, Entity: EntityStudent, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpRead); err != nil {
		return Student{}, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, EntityStudent, id))
	}
	st, ok := s.store.GetStudent(id)
	if !ok {
		return Student{}, s.finish(ctx, span, started, entry, &domain.NotFoundError{Entity: EntityStudent, ID: id})
	}
	return st, s.finish(ctx, span, started, entry, nil)
}

// ListStudents returns students matching the query. Soft-deleted rows are
// excluded unless the query opts into the privileged IncludeDeleted mode.
func (s *Service) ListStudents(ctx context.Context, actor Actor, q domain.StudentQuery) ([]Student, error) {
	ctx, span := s.tracer.Start(ctx, opListStudents)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opListStudents, Entity: EntityStudent, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpRead); err != nil {
		return nil, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, EntityStudent, ""))
	}
	return s.store.ListStudents(q), s.finish(ctx, span, started, entry, nil)
}

// SoftDeleteStudent marks a student removed without destroying history. The
// row keeps resolving by id and its email becomes reusable.
func (s *Service) SoftDeleteStudent(ctx context.Context, actor Actor, id string) (Student, Result, error) {
	ctx, span := s.tracer.Start(ctx, opSoftDeleteStudent)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opSoftDeleteStudent, Entity: EntityStudent, Action: ActionSoftDelete, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpDelete); err != nil {
		return Student{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var deleted Student
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		deleted, err = tx.SoftDeleteStudent(id)
		return err
	})
	if err != nil {
		return Student{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opSoftDeleteStudent,
		EntityType: EntityStudent,
		EntityID:   deleted.ID,
	})
	return deleted, res, s.finish(ctx, span, started, entry, nil)
}

// HardDeleteStudent physically removes a student. The delete-guard rule
// blocks it while subscriptions still reference the row.
func (s *Service) HardDeleteStudent(ctx context.Context, actor Actor, id string) (Result, error) {
	ctx, span := s.tracer.Start(ctx, opHardDeleteStudent)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opHardDeleteStudent, Entity: EntityStudent, Action: ActionDelete, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableStudents, OpDelete); err != nil {
		return Result{}, s.finish(ctx, span, started, entry, err)
	}

	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.HardDeleteStudent(id)
	})
	if err != nil {
		return res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opHardDeleteStudent,
		EntityType: EntityStudent,
		EntityID:   id,
	})
	return res, s.finish(ctx, span, started, entry, nil)
}

// CreateSubscription persists a subscription for an existing, non-deleted
// student and refreshes the student's denormalized subscription fields in the
// same transaction.
func (s *Service) CreateSubscription(ctx context.Context, actor Actor, sub Subscription) (Subscription, Result, error) {
	ctx, span := s.tracer.Start(ctx, opCreateSubscription)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opCreateSubscription, Entity: EntitySubscription, Action: ActionCreate, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpCreate); err != nil {
		return Subscription{}, Result{}, s.finish(ctx, span, started, entry, err)
	}
	if err := s.checkRecord(EntitySubscription, sub); err != nil {
		return Subscription{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var created Subscription
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateSubscription(sub)
		if err != nil {
			return err
		}
		return syncStudentSubscription(tx, created)
	})
	if err != nil {
		return Subscription{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	entry.EntityID = created.ID
	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opCreateSubscription,
		EntityType: EntitySubscription,
		EntityID:   created.ID,
		Details:    map[string]any{"student_id": created.StudentID, "plan_name": created.PlanName},
	})
	return created, res, s.finish(ctx, span, started, entry, nil)
}

// UpdateSubscription applies a mutator to an existing subscription and keeps
// the owning student's denormalized fields in step.
func (s *Service) UpdateSubscription(ctx context.Context, actor Actor, id string, mutator func(*Subscription) error) (Subscription, Result, error) {
	ctx, span := s.tracer.Start(ctx, opUpdateSubscription)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opUpdateSubscription, Entity: EntitySubscription, Action: ActionUpdate, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpUpdate); err != nil {
		return Subscription{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var updated Subscription
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateSubscription(id, func(sub *Subscription) error {
			if err := mutator(sub); err != nil {
				return err
			}
			return s.checkRecord(EntitySubscription, *sub)
		})
		if err != nil {
			return err
		}
		return syncStudentSubscription(tx, updated)
	})
	if err != nil {
		return Subscription{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opUpdateSubscription,
		EntityType: EntitySubscription,
		EntityID:   updated.ID,
		Details:    map[string]any{"student_id": updated.StudentID, "status": string(updated.Status)},
	})
	return updated, res, s.finish(ctx, span, started, entry, nil)
}

// CancelSubscription transitions a subscription to cancelled.
func (s *Service) CancelSubscription(ctx context.Context, actor Actor, id string) (Subscription, Result, error) {
	ctx, span := s.tracer.Start(ctx, opCancelSubscription)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opCancelSubscription, Entity: EntitySubscription, Action: ActionUpdate, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpUpdate); err != nil {
		return Subscription{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var cancelled Subscription
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		cancelled, err = tx.UpdateSubscription(id, func(sub *Subscription) error {
			sub.Status = domain.SubscriptionCancelled
			return nil
		})
		if err != nil {
			return err
		}
		return syncStudentSubscription(tx, cancelled)
	})
	if err != nil {
		return Subscription{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opCancelSubscription,
		EntityType: EntitySubscription,
		EntityID:   cancelled.ID,
		Details:    map[string]any{"student_id": cancelled.StudentID},
	})
	return cancelled, res, s.finish(ctx, span, started, entry, nil)
}

// DeleteSubscription physically removes a subscription and recomputes the
// owning student's denormalized fields from whatever subscription remains.
func (s *Service) DeleteSubscription(ctx context.Context, actor Actor, id string) (Result, error) {
	ctx, span := s.tracer.Start(ctx, opDeleteSubscription)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opDeleteSubscription, Entity: EntitySubscription, Action: ActionDelete, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpDelete); err != nil {
		return Result{}, s.finish(ctx, span, started, entry, err)
	}

	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		sub, ok := tx.Snapshot().FindSubscription(id)
		if !ok {
			return &domain.NotFoundError{Entity: EntitySubscription, ID: id}
		}
		if err := tx.DeleteSubscription(id); err != nil {
			return err
		}
		return resyncStudentSubscription(tx, sub.StudentID)
	})
	if err != nil {
		return res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	s.recordActivity(ctx, actor, &res, &entry, activityEvent{
		Action:     opDeleteSubscription,
		EntityType: EntitySubscription,
		EntityID:   id,
	})
	return res, s.finish(ctx, span, started, entry, nil)
}

// GetSubscription fetches a subscription by id.
func (s *Service) GetSubscription(ctx context.Context, actor Actor, id string) (Subscription, error) {
	ctx, span := s.tracer.Start(ctx, opGetSubscription)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opGetSubscription, Entity: EntitySubscription, EntityID: id, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpRead); err != nil {
		return Subscription{}, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, EntitySubscription, id))
	}
	sub, ok := s.store.GetSubscription(id)
	if !ok {
		return Subscription{}, s.finish(ctx, span, started, entry, &domain.NotFoundError{Entity: EntitySubscription, ID: id})
	}
	return sub, s.finish(ctx, span, started, entry, nil)
}

// ListSubscriptions returns subscriptions matching the query.
func (s *Service) ListSubscriptions(ctx context.Context, actor Actor, q domain.SubscriptionQuery) ([]Subscription, error) {
	ctx, span := s.tracer.Start(ctx, opListSubscriptions)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opListSubscriptions, Entity: EntitySubscription, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSubscription, OpRead); err != nil {
		return nil, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, EntitySubscription, ""))
	}
	return s.store.ListSubscriptions(q), s.finish(ctx, span, started, entry, nil)
}

// AppendActivityLog records a caller-supplied audit event, typically a
// system-level marker such as a completed import. Rows written by mutation
// operations do not pass through here.
func (s *Service) AppendActivityLog(ctx context.Context, actor Actor, log ActivityLog) (ActivityLog, Result, error) {
	ctx, span := s.tracer.Start(ctx, opAppendActivityLog)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opAppendActivityLog, Entity: EntitySystem, Action: ActionCreate, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableActivityLogs, OpCreate); err != nil {
		return ActivityLog{}, Result{}, s.finish(ctx, span, started, entry, err)
	}
	if err := s.checkRecord(EntitySystem, log); err != nil {
		return ActivityLog{}, Result{}, s.finish(ctx, span, started, entry, err)
	}
	if log.UserID == nil && actor.ID != "" {
		id := actor.ID
		log.UserID = &id
	}

	var appended ActivityLog
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		appended, err = tx.AppendActivityLog(log)
		return err
	})
	if err != nil {
		return ActivityLog{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}

	entry.EntityID = appended.ID
	return appended, res, s.finish(ctx, span, started, entry, nil)
}

// ListActivityLogs returns audit rows matching the query, newest first.
func (s *Service) ListActivityLogs(ctx context.Context, actor Actor, q domain.ActivityLogQuery) ([]ActivityLog, error) {
	ctx, span := s.tracer.Start(ctx, opListActivityLogs)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opListActivityLogs, Entity: EntitySystem, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableActivityLogs, OpRead); err != nil {
		return nil, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, EntitySystem, ""))
	}
	return s.store.ListActivityLogs(q), s.finish(ctx, span, started, entry, nil)
}

// PutAppSetting upserts a per-user setting. Settings are preference data,
// not patron data; no activity log row is appended for them.
func (s *Service) PutAppSetting(ctx context.Context, actor Actor, setting AppSetting) (AppSetting, Result, error) {
	ctx, span := s.tracer.Start(ctx, opPutAppSetting)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opPutAppSetting, Entity: domain.EntityAppSetting, Action: ActionUpdate, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableAppSettings, OpUpdate); err != nil {
		return AppSetting{}, Result{}, s.finish(ctx, span, started, entry, err)
	}
	if err := s.checkRecord(domain.EntityAppSetting, setting); err != nil {
		return AppSetting{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var stored AppSetting
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		stored, err = tx.PutAppSetting(setting)
		return err
	})
	if err != nil {
		return AppSetting{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}
	entry.EntityID = stored.UserID + "/" + stored.Key
	return stored, res, s.finish(ctx, span, started, entry, nil)
}

// GetAppSetting fetches one per-user setting.
func (s *Service) GetAppSetting(ctx context.Context, actor Actor, userID, key string) (AppSetting, error) {
	ctx, span := s.tracer.Start(ctx, opGetAppSetting)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opGetAppSetting, Entity: domain.EntityAppSetting, EntityID: userID + "/" + key, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableAppSettings, OpRead); err != nil {
		return AppSetting{}, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, domain.EntityAppSetting, key))
	}
	setting, ok := s.store.GetAppSetting(userID, key)
	if !ok {
		return AppSetting{}, s.finish(ctx, span, started, entry, &domain.NotFoundError{Entity: domain.EntityAppSetting, ID: key})
	}
	return setting, s.finish(ctx, span, started, entry, nil)
}

// TouchSyncMetadata stamps the user's sync watermark with the current time.
// Like settings, watermark touches do not append an activity log row.
func (s *Service) TouchSyncMetadata(ctx context.Context, actor Actor, userID string) (SyncMetadata, Result, error) {
	ctx, span := s.tracer.Start(ctx, opTouchSyncMetadata)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opTouchSyncMetadata, Entity: domain.EntitySyncMetadata, Action: ActionUpdate, EntityID: userID, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSyncMetadata, OpUpdate); err != nil {
		return SyncMetadata{}, Result{}, s.finish(ctx, span, started, entry, err)
	}

	var meta SyncMetadata
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		meta, err = tx.TouchSyncMetadata(userID)
		return err
	})
	if err != nil {
		return SyncMetadata{}, res, s.finish(ctx, span, started, entry, mapRuleError(err))
	}
	return meta, res, s.finish(ctx, span, started, entry, nil)
}

// GetSyncMetadata fetches the user's sync watermark.
func (s *Service) GetSyncMetadata(ctx context.Context, actor Actor, userID string) (SyncMetadata, error) {
	ctx, span := s.tracer.Start(ctx, opGetSyncMetadata)
	started := s.clock.Now()
	entry := AuditEntry{Operation: opGetSyncMetadata, Entity: domain.EntitySyncMetadata, EntityID: userID, ActorID: actor.ID}

	if err := s.policy.Authorize(actor, TableSyncMetadata, OpRead); err != nil {
		return SyncMetadata{}, s.finish(ctx, span, started, entry, s.deniedOrMasked(err, domain.EntitySyncMetadata, userID))
	}
	meta, ok := s.store.GetSyncMetadata(userID)
	if !ok {
		return SyncMetadata{}, s.finish(ctx, span, started, entry, &domain.NotFoundError{Entity: domain.EntitySyncMetadata, ID: userID})
	}
	return meta, s.finish(ctx, span, started, entry, nil)
}

// syncStudentSubscription copies a subscription's fields onto its student's
// denormalized columns inside the same transaction.
func syncStudentSubscription(tx Transaction, sub Subscription) error {
	_, err := tx.UpdateStudent(sub.StudentID, func(st *Student) error {
		plan := sub.PlanName
		start := sub.StartDate
		end := sub.EndDate
		amount := sub.Amount
		status := sub.Status
		st.SubscriptionPlan = &plan
		st.SubscriptionStartDate = &start
		st.SubscriptionEndDate = &end
		st.SubscriptionAmount = &amount
		st.SubscriptionStatus = &status
		return nil
	})
	return err
}

// resyncStudentSubscription recomputes a student's denormalized fields from
// the newest remaining subscription, clearing them when none is left.
func resyncStudentSubscription(tx Transaction, studentID string) error {
	if _, ok := tx.Snapshot().FindStudent(studentID); !ok {
		return nil
	}
	var latest *Subscription
	for _, sub := range tx.Snapshot().ListSubscriptions() {
		if sub.StudentID != studentID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			copied := sub
			latest = &copied
		}
	}
	if latest != nil {
		return syncStudentSubscription(tx, *latest)
	}
	_, err := tx.UpdateStudent(studentID, func(st *Student) error {
		st.SubscriptionPlan = nil
		st.SubscriptionStartDate = nil
		st.SubscriptionEndDate = nil
		st.SubscriptionAmount = nil
		st.SubscriptionStatus = nil
		return nil
	})
	return err
}
