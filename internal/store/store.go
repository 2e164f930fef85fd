package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable, versioned)
	StoreDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, name string, version int) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Steps
	ListSteps(ctx context.Context, instanceID string) ([]*Step, error)
	QuerySteps(ctx context.Context, filter StepFilter) ([]*Step, error)

	// Action log (append-only)
	ListActions(ctx context.Context, instanceID string, since int64) ([]*ActionRecord, error)

	// Commit writes an instance mutation atomically.
	Commit(ctx context.Context, cs *Changeset) error

	// Users
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	TouchUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*User, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
