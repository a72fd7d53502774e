package core

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"iqracore/pkg/domain"
)

// Predicate narrows generic reads. Fields that do not apply to the addressed
// table are ignored.
type Predicate struct {
	IncludeDeleted bool
	Search         string
	StudentID      string
	Status         string
	EntityType     string
	EntityID       string
	Since          time.Time
	Offset         int
	Limit          int
}

// Request is the wire-shaped form of an operation: a table, a verb, an
// optional record id and a raw JSON payload. Transports that do not want the
// typed API decode client input straight into one of these.
type Request struct {
	Table     Table
	Operation Operation
	ID        string
	Payload   json.RawMessage
	Predicate Predicate
}

// Response carries the generic operation outcome. Record holds the affected
// or fetched record for single-record operations, Records the listing for
// reads without an id.
type Response struct {
	Record  any
	Records any
	Result  Result
}

// Execute dispatches a generic request through the same
// authorize/validate/commit/audit pipeline as the typed API. Deletes are
// soft for students; the destructive paths stay behind the typed API only.
func (s *Service) Execute(ctx context.Context, actor Actor, req Request) (Response, error) {
	switch req.Table {
	case TableStudents:
		return s.executeStudents(ctx, actor, req)
	case TableSubscription:
		return s.executeSubscriptions(ctx, actor, req)
	case TableActivityLogs:
		return s.executeActivityLogs(ctx, actor, req)
	case TableAppSettings:
		return s.executeAppSettings(ctx, actor, req)
	case TableSyncMetadata:
		return s.executeSyncMetadata(ctx, actor, req)
	default:
		return Response{}, &domain.AuthorizationDeniedError{
			Table:     req.Table,
			Operation: req.Operation,
			Reason:    "unknown table",
		}
	}
}

type studentPayload struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Address     *string `json:"address"`
	DateOfBirth *string `json:"date_of_birth"`
	SeatNumber  *string `json:"seat_number"`
}

type subscriptionPayload struct {
	StudentID *string  `json:"student_id"`
	PlanName  *string  `json:"plan_name"`
	StartDate *string  `json:"start_date"`
	EndDate   *string  `json:"end_date"`
	Amount    *float64 `json:"amount"`
	Status    *string  `json:"status"`
}

type activityLogPayload struct {
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   *string         `json:"entity_id"`
	Details    json.RawMessage `json:"details"`
}

type appSettingPayload struct {
	UserID string `json:"user_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// parseDate accepts the two timestamp shapes clients send: a plain calendar
// date or full RFC 3339.
func parseDate(value string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func payloadError(entity EntityType) error {
	return &domain.ValidationError{
		Entity:     entity,
		Violations: []FieldViolation{{Field: "payload", Reason: domain.ReasonPayload}},
	}
}

func dateError(entity EntityType, field string) error {
	return &domain.ValidationError{
		Entity:     entity,
		Violations: []FieldViolation{{Field: field, Reason: domain.ReasonInvalidDate}},
	}
}

// applyStudentPayload copies set payload fields onto the student, parsing
// date strings. Unset fields leave the target untouched.
func applyStudentPayload(st *Student, p studentPayload) error {
	if p.FirstName != nil {
		st.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		st.LastName = *p.LastName
	}
	if p.Email != nil {
		st.Email = *p.Email
	}
	if p.Phone != nil {
		st.Phone = p.Phone
	}
	if p.Address != nil {
		st.Address = p.Address
	}
	if p.SeatNumber != nil {
		st.SeatNumber = p.SeatNumber
	}
	if p.DateOfBirth != nil {
		t, ok := parseDate(*p.DateOfBirth)
		if !ok {
			return dateError(EntityStudent, "date_of_birth")
		}
		st.DateOfBirth = t
	}
	return nil
}

func applySubscriptionPayload(sub *Subscription, p subscriptionPayload) error {
	if p.StudentID != nil {
		sub.StudentID = *p.StudentID
	}
	if p.PlanName != nil {
		sub.PlanName = *p.PlanName
	}
	if p.Amount != nil {
		sub.Amount = *p.Amount
	}
	if p.Status != nil {
		sub.Status = SubscriptionStatus(*p.Status)
	}
	if p.StartDate != nil {
		t, ok := parseDate(*p.StartDate)
		if !ok {
			return dateError(EntitySubscription, "start_date")
		}
		sub.StartDate = t
	}
	if p.EndDate != nil {
		t, ok := parseDate(*p.EndDate)
		if !ok {
			return dateError(EntitySubscription, "end_date")
		}
		sub.EndDate = t
	}
	return nil
}

func (s *Service) executeStudents(ctx context.Context, actor Actor, req Request) (Response, error) {
	switch req.Operation {
	case OpCreate:
		var p studentPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(EntityStudent)
		}
		// A caller-supplied id is honored; the store assigns one otherwise.
		st := Student{Base: domain.Base{ID: req.ID}}
		if err := applyStudentPayload(&st, p); err != nil {
			return Response{}, err
		}
		created, res, err := s.CreateStudent(ctx, actor, st)
		return Response{Record: created, Result: res}, err
	case OpUpdate:
		var p studentPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(EntityStudent)
		}
		updated, res, err := s.UpdateStudent(ctx, actor, req.ID, func(st *Student) error {
			return applyStudentPayload(st, p)
		})
		return Response{Record: updated, Result: res}, err
	case OpDelete:
		deleted, res, err := s.SoftDeleteStudent(ctx, actor, req.ID)
		return Response{Record: deleted, Result: res}, err
	case OpRead:
		if req.ID != "" {
			st, err := s.GetStudent(ctx, actor, req.ID)
			return Response{Record: st}, err
		}
		students, err := s.ListStudents(ctx, actor, domain.StudentQuery{
			IncludeDeleted: req.Predicate.IncludeDeleted,
			Search:         req.Predicate.Search,
			Offset:         req.Predicate.Offset,
			Limit:          req.Predicate.Limit,
		})
		return Response{Records: students}, err
	default:
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "unknown operation"}
	}
}

func (s *Service) executeSubscriptions(ctx context.Context, actor Actor, req Request) (Response, error) {
	switch req.Operation {
	case OpCreate:
		var p subscriptionPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(EntitySubscription)
		}
		sub := Subscription{Base: domain.Base{ID: req.ID}}
		if err := applySubscriptionPayload(&sub, p); err != nil {
			return Response{}, err
		}
		if sub.Status == "" {
			sub.Status = domain.SubscriptionActive
		}
		created, res, err := s.CreateSubscription(ctx, actor, sub)
		return Response{Record: created, Result: res}, err
	case OpUpdate:
		var p subscriptionPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(EntitySubscription)
		}
		updated, res, err := s.UpdateSubscription(ctx, actor, req.ID, func(sub *Subscription) error {
			return applySubscriptionPayload(sub, p)
		})
		return Response{Record: updated, Result: res}, err
	case OpDelete:
		res, err := s.DeleteSubscription(ctx, actor, req.ID)
		return Response{Result: res}, err
	case OpRead:
		if req.ID != "" {
			sub, err := s.GetSubscription(ctx, actor, req.ID)
			return Response{Record: sub}, err
		}
		subs, err := s.ListSubscriptions(ctx, actor, domain.SubscriptionQuery{
			StudentID: req.Predicate.StudentID,
			Status:    SubscriptionStatus(req.Predicate.Status),
			Offset:    req.Predicate.Offset,
			Limit:     req.Predicate.Limit,
		})
		return Response{Records: subs}, err
	default:
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "unknown operation"}
	}
}

func (s *Service) executeActivityLogs(ctx context.Context, actor Actor, req Request) (Response, error) {
	switch req.Operation {
	case OpCreate:
		var p activityLogPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(EntitySystem)
		}
		log := ActivityLog{
			Action:     p.Action,
			EntityType: EntityType(p.EntityType),
			EntityID:   p.EntityID,
			Details:    p.Details,
		}
		appended, res, err := s.AppendActivityLog(ctx, actor, log)
		return Response{Record: appended, Result: res}, err
	case OpRead:
		logs, err := s.ListActivityLogs(ctx, actor, domain.ActivityLogQuery{
			EntityType: EntityType(req.Predicate.EntityType),
			EntityID:   req.Predicate.EntityID,
			Since:      req.Predicate.Since,
			Limit:      req.Predicate.Limit,
		})
		return Response{Records: logs}, err
	case OpUpdate, OpDelete:
		// Audit rows are immutable through the generic surface; let the
		// policy engine produce the canonical denial.
		if err := s.policy.Authorize(actor, TableActivityLogs, req.Operation); err != nil {
			return Response{}, err
		}
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "activity logs are append-only"}
	default:
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "unknown operation"}
	}
}

func (s *Service) executeAppSettings(ctx context.Context, actor Actor, req Request) (Response, error) {
	switch req.Operation {
	case OpCreate, OpUpdate:
		var p appSettingPayload
		if err := strictDecode(req.Payload, &p); err != nil {
			return Response{}, payloadError(domain.EntityAppSetting)
		}
		if p.UserID == "" {
			p.UserID = actor.ID
		}
		stored, res, err := s.PutAppSetting(ctx, actor, AppSetting{UserID: p.UserID, Key: p.Key, Value: p.Value})
		return Response{Record: stored, Result: res}, err
	case OpRead:
		userID := req.Predicate.EntityID
		if userID == "" {
			userID = actor.ID
		}
		setting, err := s.GetAppSetting(ctx, actor, userID, req.ID)
		return Response{Record: setting}, err
	default:
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "unknown operation"}
	}
}

func (s *Service) executeSyncMetadata(ctx context.Context, actor Actor, req Request) (Response, error) {
	userID := req.ID
	if userID == "" {
		userID = actor.ID
	}
	switch req.Operation {
	case OpCreate, OpUpdate:
		meta, res, err := s.TouchSyncMetadata(ctx, actor, userID)
		return Response{Record: meta, Result: res}, err
	case OpRead:
		meta, err := s.GetSyncMetadata(ctx, actor, userID)
		return Response{Record: meta}, err
	default:
		return Response{}, &domain.AuthorizationDeniedError{Table: req.Table, Operation: req.Operation, Reason: "unknown operation"}
	}
}

// strictDecode rejects unknown fields so typos in client payloads fail loudly
// instead of silently dropping data.
func strictDecode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
