// Package domain defines the persistent entities, actor and policy
// primitives, error taxonomy, and rule evaluation contracts used by iqracore.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of record referenced by changes and audit entries.
type EntityType string

// Supported entity type identifiers used in Change records, audit rows and
// persistence buckets.
const (
	// EntityStudent identifies a library patron record.
	EntityStudent EntityType = "student"
	// EntitySubscription identifies a paid subscription record.
	EntitySubscription EntityType = "subscription"
	// EntitySystem identifies system-initiated events with no entity referent.
	EntitySystem EntityType = "system"
	// EntityAppSetting identifies a per-user settings record.
	EntityAppSetting EntityType = "app_setting"
	// EntitySyncMetadata identifies a per-user sync watermark record.
	EntitySyncMetadata EntityType = "sync_metadata"
)

// KnownLogEntityTypes enumerates the referents an activity log row may name.
// Unknown kinds are rejected, not silently accepted.
var KnownLogEntityTypes = []EntityType{EntityStudent, EntitySubscription, EntitySystem}

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

// Canonical subscription statuses.
const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionRenewed   SubscriptionStatus = "renewed"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// KnownSubscriptionStatuses enumerates the accepted status values.
var KnownSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionActive,
	SubscriptionRenewed,
	SubscriptionExpired,
	SubscriptionCancelled,
}

// Base contains common fields for all mutable domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Student represents a library patron. Email uniqueness is scoped to
// non-deleted rows; deletion is logical via IsDeleted except for the explicit
// hard-delete cleanup path.
type Student struct {
	Base
	FirstName   string    `json:"first_name" validate:"required,max=100"`
	LastName    string    `json:"last_name" validate:"required,max=100"`
	Email       string    `json:"email" validate:"required,email,max=255"`
	Phone       *string   `json:"phone,omitempty" validate:"omitempty,max=20,phone"`
	Address     *string   `json:"address,omitempty" validate:"omitempty,max=500"`
	DateOfBirth time.Time `json:"date_of_birth" validate:"required"`
	SeatNumber  *string   `json:"seat_number,omitempty" validate:"omitempty,max=20"`

	// Denormalized convenience fields kept in sync with the latest
	// subscription mutation.
	SubscriptionPlan      *string             `json:"subscription_plan,omitempty" validate:"omitempty,max=100"`
	SubscriptionStartDate *time.Time          `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate   *time.Time          `json:"subscription_end_date,omitempty"`
	SubscriptionAmount    *float64            `json:"subscription_amount,omitempty" validate:"omitempty,gte=0"`
	SubscriptionStatus    *SubscriptionStatus `json:"subscription_status,omitempty" validate:"omitempty,oneof=active renewed expired cancelled"`

	IsDeleted bool `json:"is_deleted"`
}

// Subscription represents a paid plan bound to an existing, non-deleted student.
type Subscription struct {
	Base
	StudentID string             `json:"student_id" validate:"required"`
	PlanName  string             `json:"plan_name" validate:"required,max=100"`
	StartDate time.Time          `json:"start_date" validate:"required"`
	EndDate   time.Time          `json:"end_date" validate:"required"`
	Amount    float64            `json:"amount" validate:"gte=0"`
	Status    SubscriptionStatus `json:"status" validate:"required,oneof=active renewed expired cancelled"`
}

// ActivityLog is an append-only audit row recorded for every accepted
// mutating operation. Rows are immutable once written.
type ActivityLog struct {
	ID         string          `json:"id"`
	Action     string          `json:"action" validate:"required,max=100"`
	EntityType EntityType      `json:"entity_type" validate:"required,oneof=student subscription system"`
	EntityID   *string         `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty" validate:"omitempty,max=2000"`
	UserID     *string         `json:"user_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AppSetting is a per-user key/value record.
type AppSetting struct {
	UserID    string    `json:"user_id" validate:"required,max=100"`
	Key       string    `json:"key" validate:"required,max=100"`
	Value     string    `json:"value" validate:"max=2000"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncMetadata records a user's last successful sync watermark.
type SyncMetadata struct {
	UserID       string    `json:"user_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the mutation kinds captured for rule evaluation
// and the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionSoftDelete indicates an entity was logically removed.
	ActionSoftDelete Action = "soft_delete"
	ActionDelete     Action = "delete"
)
