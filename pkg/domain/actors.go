package domain

// Table names the logical stores the façade exposes.
type Table string

// Tables addressable through the data access façade.
const (
	TableStudents     Table = "students"
	TableSubscription Table = "subscriptions"
	TableActivityLogs Table = "activity_logs"
	TableAppSettings  Table = "app_settings"
	TableSyncMetadata Table = "sync_metadata"
	// TableAny matches every table in policy rules.
	TableAny Table = "*"
)

// EntityFor maps a façade table to the entity type recorded in audit rows.
func EntityFor(table Table) EntityType {
	switch table {
	case TableStudents:
		return EntityStudent
	case TableSubscription:
		return EntitySubscription
	case TableAppSettings:
		return EntityAppSetting
	case TableSyncMetadata:
		return EntitySyncMetadata
	default:
		return EntitySystem
	}
}

// Operation names a CRUD verb evaluated by the policy engine.
type Operation string

// Operations evaluated by the policy engine.
const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Rights is a bit set of operations granted or denied by a policy rule.
type Rights uint8

// Operation bit flags combinable in policy rules.
const (
	RightCreate Rights = 1 << iota
	RightRead
	RightUpdate
	RightDelete
	// RightAll combines every operation.
	RightAll = RightCreate | RightRead | RightUpdate | RightDelete
)

// Has reports whether r includes all bits of want.
func (r Rights) Has(want Rights) bool { return r&want == want }

// RightFor translates an operation into its policy bit.
func RightFor(op Operation) Rights {
	switch op {
	case OpCreate:
		return RightCreate
	case OpRead:
		return RightRead
	case OpUpdate:
		return RightUpdate
	case OpDelete:
		return RightDelete
	default:
		return 0
	}
}

// Role classifies an actor for policy evaluation.
type Role string

// Actor roles recognised by the built-in policy matrix.
const (
	RoleAnonymous Role = "anonymous"
	RoleAdmin     Role = "admin"
)

// Actor is the identity consumed by the core. The identity provider resolves
// a bearer credential to one of these; the core never sees credentials.
type Actor struct {
	ID            string
	Role          Role
	Authenticated bool
}

// Anonymous returns the unauthenticated actor.
func Anonymous() Actor {
	return Actor{Role: RoleAnonymous}
}

// Admin returns an authenticated administrator actor with the given subject id.
func Admin(id string) Actor {
	return Actor{ID: id, Role: RoleAdmin, Authenticated: true}
}
