// Package memory provides the in-memory transactional engine used directly
// for tests and ephemeral environments, and embedded by the durable sqlite
// and postgres stores.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iqracore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Student aliases domain.Student for in-memory persistence operations.
	Student = domain.Student
	// Subscription aliases domain.Subscription.
	Subscription = domain.Subscription
	// ActivityLog aliases domain.ActivityLog.
	ActivityLog = domain.ActivityLog
	// AppSetting aliases domain.AppSetting.
	AppSetting = domain.AppSetting
	// SyncMetadata aliases domain.SyncMetadata.
	SyncMetadata = domain.SyncMetadata
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	students      map[string]Student
	subscriptions map[string]Subscription
	activityLogs  map[string]ActivityLog
	appSettings   map[string]AppSetting
	syncMetadata  map[string]SyncMetadata
}

// Snapshot captures a point-in-time clone of the store state. The durable
// backends persist and hydrate exactly this shape.
type Snapshot struct {
	Students      map[string]Student      `json:"students"`
	Subscriptions map[string]Subscription `json:"subscriptions"`
	ActivityLogs  map[string]ActivityLog  `json:"activity_logs"`
	AppSettings   map[string]AppSetting   `json:"app_settings"`
	SyncMetadata  map[string]SyncMetadata `json:"sync_metadata"`
}

func newMemoryState() memoryState {
	return memoryState{
		students:      make(map[string]Student),
		subscriptions: make(map[string]Subscription),
		activityLogs:  make(map[string]ActivityLog),
		appSettings:   make(map[string]AppSetting),
		syncMetadata:  make(map[string]SyncMetadata),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Students:      make(map[string]Student, len(state.students)),
		Subscriptions: make(map[string]Subscription, len(state.subscriptions)),
		ActivityLogs:  make(map[string]ActivityLog, len(state.activityLogs)),
		AppSettings:   make(map[string]AppSetting, len(state.appSettings)),
		SyncMetadata:  make(map[string]SyncMetadata, len(state.syncMetadata)),
	}
	for k, v := range state.students {
		s.Students[k] = cloneStudent(v)
	}
	for k, v := range state.subscriptions {
		s.Subscriptions[k] = cloneSubscription(v)
	}
	for k, v := range state.activityLogs {
		s.ActivityLogs[k] = cloneActivityLog(v)
	}
	for k, v := range state.appSettings {
		s.AppSettings[k] = v
	}
	for k, v := range state.syncMetadata {
		s.SyncMetadata[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Students {
		state.students[k] = cloneStudent(v)
	}
	for k, v := range s.Subscriptions {
		state.subscriptions[k] = cloneSubscription(v)
	}
	for k, v := range s.ActivityLogs {
		state.activityLogs[k] = cloneActivityLog(v)
	}
	for k, v := range s.AppSettings {
		state.appSettings[k] = v
	}
	for k, v := range s.SyncMetadata {
		state.syncMetadata[k] = v
	}
	return state
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.students {
		cloned.students[k] = cloneStudent(v)
	}
	for k, v := range s.subscriptions {
		cloned.subscriptions[k] = cloneSubscription(v)
	}
	for k, v := range s.activityLogs {
		cloned.activityLogs[k] = cloneActivityLog(v)
	}
	for k, v := range s.appSettings {
		cloned.appSettings[k] = v
	}
	for k, v := range s.syncMetadata {
		cloned.syncMetadata[k] = v
	}
	return cloned
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func cloneStudent(s Student) Student {
	cp := s
	cp.Phone = clonePtr(s.Phone)
	cp.Address = clonePtr(s.Address)
	cp.SeatNumber = clonePtr(s.SeatNumber)
	cp.SubscriptionPlan = clonePtr(s.SubscriptionPlan)
	cp.SubscriptionStartDate = clonePtr(s.SubscriptionStartDate)
	cp.SubscriptionEndDate = clonePtr(s.SubscriptionEndDate)
	cp.SubscriptionAmount = clonePtr(s.SubscriptionAmount)
	cp.SubscriptionStatus = clonePtr(s.SubscriptionStatus)
	return cp
}

// Subscription holds no reference fields today; the clone keeps the call
// sites uniform should any be added.
func cloneSubscription(s Subscription) Subscription { return s }

func cloneActivityLog(l ActivityLog) ActivityLog {
	cp := l
	cp.EntityID = clonePtr(l.EntityID)
	cp.UserID = clonePtr(l.UserID)
	if l.Details != nil {
		cp.Details = append([]byte(nil), l.Details...)
	}
	return cp
}

func settingKey(userID, key string) string { return userID + "\x00" + key }

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu          sync.RWMutex
	state       memoryState
	engine      *RulesEngine
	nowFn       func() time.Time
	lastLogTime time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string { return uuid.NewString() }

// ExportState returns a deep copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the committed state with the supplied snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
	for _, log := range s.state.activityLogs {
		if log.Timestamp.After(s.lastLogTime) {
			s.lastLogTime = log.Timestamp
		}
	}
}

// RulesEngine exposes the engine evaluated on every transaction commit.
func (s *Store) RulesEngine() *RulesEngine { return s.engine }

// SetNowFunc overrides the clock used for server-assigned timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListStudents returns every student in the snapshot, soft-deleted included.
func (v transactionView) ListStudents() []Student {
	out := make([]Student, 0, len(v.state.students))
	for _, st := range v.state.students {
		out = append(out, cloneStudent(st))
	}
	return out
}

func (v transactionView) FindStudent(id string) (Student, bool) {
	st, ok := v.state.students[id]
	if !ok {
		return Student{}, false
	}
	return cloneStudent(st), true
}

func (v transactionView) ListSubscriptions() []Subscription {
	out := make([]Subscription, 0, len(v.state.subscriptions))
	for _, sub := range v.state.subscriptions {
		out = append(out, cloneSubscription(sub))
	}
	return out
}

func (v transactionView) FindSubscription(id string) (Subscription, bool) {
	sub, ok := v.state.subscriptions[id]
	if !ok {
		return Subscription{}, false
	}
	return cloneSubscription(sub), true
}

func (v transactionView) ListActivityLogs() []ActivityLog {
	out := make([]ActivityLog, 0, len(v.state.activityLogs))
	for _, log := range v.state.activityLogs {
		out = append(out, cloneActivityLog(log))
	}
	return out
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Rules are evaluated against the post-mutation snapshot; a blocking
// violation discards the transaction, leaving committed state untouched.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &domain.StoreUnavailableError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	for _, log := range tx.state.activityLogs {
		if log.Timestamp.After(s.lastLogTime) {
			s.lastLogTime = log.Timestamp
		}
	}
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return &domain.StoreUnavailableError{Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateStudent stores a new student within the transaction.
func (tx *transaction) CreateStudent(st Student) (Student, error) {
	if st.ID == "" {
		st.ID = tx.store.newID()
	}
	if _, exists := tx.state.students[st.ID]; exists {
		return Student{}, &domain.IntegrityError{
			Kind:     domain.KindDuplicate,
			Entity:   domain.EntityStudent,
			EntityID: st.ID,
			Message:  "student " + st.ID + " already exists",
		}
	}
	st.CreatedAt = tx.now
	st.UpdatedAt = tx.now
	tx.state.students[st.ID] = cloneStudent(st)
	tx.recordChange(Change{Entity: domain.EntityStudent, Action: domain.ActionCreate, After: cloneStudent(st)})
	return cloneStudent(st), nil
}

// UpdateStudent mutates a student using the provided mutator function.
func (tx *transaction) UpdateStudent(id string, mutator func(*Student) error) (Student, error) {
	current, ok := tx.state.students[id]
	if !ok {
		return Student{}, &domain.NotFoundError{Entity: domain.EntityStudent, ID: id}
	}
	before := cloneStudent(current)
	if err := mutator(&current); err != nil {
		return Student{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.students[id] = cloneStudent(current)
	tx.recordChange(Change{Entity: domain.EntityStudent, Action: domain.ActionUpdate, Before: before, After: cloneStudent(current)})
	return cloneStudent(current), nil
}

// SoftDeleteStudent marks a student logically removed. The row stays
// addressable by id; its email frees up for reuse.
func (tx *transaction) SoftDeleteStudent(id string) (Student, error) {
	current, ok := tx.state.students[id]
	if !ok {
		return Student{}, &domain.NotFoundError{Entity: domain.EntityStudent, ID: id}
	}
	before := cloneStudent(current)
	current.IsDeleted = true
	current.UpdatedAt = tx.now
	tx.state.students[id] = cloneStudent(current)
	tx.recordChange(Change{Entity: domain.EntityStudent, Action: domain.ActionSoftDelete, Before: before, After: cloneStudent(current)})
	return cloneStudent(current), nil
}

// HardDeleteStudent physically removes a student. Reserved for cleanup
// paths; the delete-guard rule refuses it while subscriptions exist.
func (tx *transaction) HardDeleteStudent(id string) error {
	current, ok := tx.state.students[id]
	if !ok {
		return &domain.NotFoundError{Entity: domain.EntityStudent, ID: id}
	}
	delete(tx.state.students, id)
	tx.recordChange(Change{Entity: domain.EntityStudent, Action: domain.ActionDelete, Before: cloneStudent(current)})
	return nil
}

// CreateSubscription stores a new subscription.
func (tx *transaction) CreateSubscription(sub Subscription) (Subscription, error) {
	if sub.ID == "" {
		sub.ID = tx.store.newID()
	}
	if _, exists := tx.state.subscriptions[sub.ID]; exists {
		return Subscription{}, &domain.IntegrityError{
			Kind:     domain.KindDuplicate,
			Entity:   domain.EntitySubscription,
			EntityID: sub.ID,
			Message:  "subscription " + sub.ID + " already exists",
		}
	}
	sub.CreatedAt = tx.now
	sub.UpdatedAt = tx.now
	tx.state.subscriptions[sub.ID] = cloneSubscription(sub)
	tx.recordChange(Change{Entity: domain.EntitySubscription, Action: domain.ActionCreate, After: cloneSubscription(sub)})
	return cloneSubscription(sub), nil
}

// UpdateSubscription mutates an existing subscription.
func (tx *transaction) UpdateSubscription(id string, mutator func(*Subscription) error) (Subscription, error) {
	current, ok := tx.state.subscriptions[id]
	if !ok {
		return Subscription{}, &domain.NotFoundError{Entity: domain.EntitySubscription, ID: id}
	}
	before := cloneSubscription(current)
	if err := mutator(&current); err != nil {
		return Subscription{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.subscriptions[id] = cloneSubscription(current)
	tx.recordChange(Change{Entity: domain.EntitySubscription, Action: domain.ActionUpdate, Before: before, After: cloneSubscription(current)})
	return cloneSubscription(current), nil
}

// DeleteSubscription physically removes a subscription.
func (tx *transaction) DeleteSubscription(id string) error {
	current, ok := tx.state.subscriptions[id]
	if !ok {
		return &domain.NotFoundError{Entity: domain.EntitySubscription, ID: id}
	}
	delete(tx.state.subscriptions, id)
	tx.recordChange(Change{Entity: domain.EntitySubscription, Action: domain.ActionDelete, Before: cloneSubscription(current)})
	return nil
}

// AppendActivityLog stores an immutable audit row. Timestamps are
// server-assigned and monotonically non-decreasing per store.
func (tx *transaction) AppendActivityLog(log ActivityLog) (ActivityLog, error) {
	if log.ID == "" {
		log.ID = tx.store.newID()
	}
	if _, exists := tx.state.activityLogs[log.ID]; exists {
		return ActivityLog{}, &domain.IntegrityError{
			Kind:     domain.KindDuplicate,
			Entity:   domain.EntitySystem,
			EntityID: log.ID,
			Message:  "activity log " + log.ID + " already exists",
		}
	}
	log.Timestamp = tx.now
	if !tx.store.lastLogTime.Before(log.Timestamp) {
		log.Timestamp = tx.store.lastLogTime
	}
	tx.state.activityLogs[log.ID] = cloneActivityLog(log)
	return cloneActivityLog(log), nil
}

// DeleteActivityLog removes an audit row. Only the retention/archive path
// calls this; request handling never does.
func (tx *transaction) DeleteActivityLog(id string) error {
	if _, ok := tx.state.activityLogs[id]; !ok {
		return &domain.NotFoundError{Entity: domain.EntitySystem, ID: id}
	}
	delete(tx.state.activityLogs, id)
	return nil
}

// PutAppSetting upserts a per-user key/value record.
func (tx *transaction) PutAppSetting(setting AppSetting) (AppSetting, error) {
	setting.UpdatedAt = tx.now
	tx.state.appSettings[settingKey(setting.UserID, setting.Key)] = setting
	return setting, nil
}

// TouchSyncMetadata records the current time as the user's sync watermark.
func (tx *transaction) TouchSyncMetadata(userID string) (SyncMetadata, error) {
	meta := SyncMetadata{UserID: userID, LastSyncedAt: tx.now}
	tx.state.syncMetadata[userID] = meta
	return meta, nil
}

// Read helpers ---------------------------------------------------------------

// GetStudent retrieves a student by ID from committed state. Soft-deleted
// rows resolve here for audit continuity.
func (s *Store) GetStudent(id string) (Student, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state.students[id]
	if !ok {
		return Student{}, false
	}
	return cloneStudent(st), true
}

// ListStudents returns students from committed state ordered by creation
// time, newest first. Soft-deleted rows are excluded unless the query asks
// for them.
func (s *Store) ListStudents(q domain.StudentQuery) []Student {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Student, 0, len(s.state.students))
	search := strings.ToLower(q.Search)
	for _, st := range s.state.students {
		if st.IsDeleted && !q.IncludeDeleted {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(st.FirstName), search) &&
			!strings.Contains(strings.ToLower(st.LastName), search) {
			continue
		}
		out = append(out, cloneStudent(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q.Offset, q.Limit)
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(id string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.state.subscriptions[id]
	if !ok {
		return Subscription{}, false
	}
	return cloneSubscription(sub), true
}

// ListSubscriptions returns subscriptions ordered by creation time, newest first.
func (s *Store) ListSubscriptions(q domain.SubscriptionQuery) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.state.subscriptions))
	for _, sub := range s.state.subscriptions {
		if q.StudentID != "" && sub.StudentID != q.StudentID {
			continue
		}
		if q.Status != "" && sub.Status != q.Status {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q.Offset, q.Limit)
}

// GetActivityLog retrieves an audit row by ID.
func (s *Store) GetActivityLog(id string) (ActivityLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.state.activityLogs[id]
	if !ok {
		return ActivityLog{}, false
	}
	return cloneActivityLog(log), true
}

// ListActivityLogs returns audit rows ordered by timestamp, newest first.
func (s *Store) ListActivityLogs(q domain.ActivityLogQuery) []ActivityLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActivityLog, 0, len(s.state.activityLogs))
	for _, log := range s.state.activityLogs {
		if q.EntityType != "" && log.EntityType != q.EntityType {
			continue
		}
		if q.EntityID != "" && (log.EntityID == nil || *log.EntityID != q.EntityID) {
			continue
		}
		if !q.Since.IsZero() && log.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, cloneActivityLog(log))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, 0, q.Limit)
}

// GetAppSetting retrieves a per-user setting.
func (s *Store) GetAppSetting(userID, key string) (AppSetting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.state.appSettings[settingKey(userID, key)]
	return setting, ok
}

// GetSyncMetadata retrieves a user's sync watermark.
func (s *Store) GetSyncMetadata(userID string) (SyncMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.state.syncMetadata[userID]
	return meta, ok
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
