package core

import "iqracore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Table              = domain.Table
	Operation          = domain.Operation
	Rights             = domain.Rights
	Role               = domain.Role
	Actor              = domain.Actor
	Student            = domain.Student
	Subscription       = domain.Subscription
	ActivityLog        = domain.ActivityLog
	AppSetting         = domain.AppSetting
	SyncMetadata       = domain.SyncMetadata
	SubscriptionStatus = domain.SubscriptionStatus
	Change             = domain.Change
	Action             = domain.Action
	Severity           = domain.Severity
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	PersistentStore    = domain.PersistentStore
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	FieldViolation     = domain.FieldViolation
)

const (
	EntityStudent      = domain.EntityStudent
	EntitySubscription = domain.EntitySubscription
	EntitySystem       = domain.EntitySystem

	TableStudents     = domain.TableStudents
	TableSubscription = domain.TableSubscription
	TableActivityLogs = domain.TableActivityLogs
	TableAppSettings  = domain.TableAppSettings
	TableSyncMetadata = domain.TableSyncMetadata
	TableAny          = domain.TableAny

	OpCreate = domain.OpCreate
	OpRead   = domain.OpRead
	OpUpdate = domain.OpUpdate
	OpDelete = domain.OpDelete

	RoleAnonymous = domain.RoleAnonymous
	RoleAdmin     = domain.RoleAdmin

	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn

	ActionCreate     = domain.ActionCreate
	ActionUpdate     = domain.ActionUpdate
	ActionSoftDelete = domain.ActionSoftDelete
	ActionDelete     = domain.ActionDelete
)
