// Package identity is the user directory: who can be assigned steps and
// which roles they hold.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// UserStore is the subset of store.Store the directory needs.
type UserStore interface {
	UpsertUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id string) (*store.User, error)
	TouchUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*store.User, error)
}

// Directory resolves user IDs to actors and registers users on first sight.
type Directory struct {
	store  UserStore
	policy *authz.Policy
	now    func() time.Time
}

// NewDirectory creates a Directory. Roles are checked against policy; a nil
// policy accepts any role name.
func NewDirectory(s UserStore, policy *authz.Policy) *Directory {
	return &Directory{
		store:  s,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateUser checks required fields and role names.
func (d *Directory) ValidateUser(u *store.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "user id is required")
	}
	if u.ID == schema.System.ID {
		return schema.NewErrorf(schema.ErrCodeValidation, "user id %q is reserved", u.ID)
	}
	if u.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "user name is required")
	}
	if d.policy == nil {
		return nil
	}
	for _, r := range u.Roles {
		if !d.policy.KnownRole(r) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown role %q: must be one of %s", r, strings.Join(d.policy.Roles(), ", "))
		}
	}
	return nil
}

// Register creates or replaces a user record.
func (d *Directory) Register(ctx context.Context, u *store.User) (*store.User, error) {
	if u.Name == "" && u.ID != "" {
		existing, err := d.store.GetUser(ctx, u.ID)
		switch {
		case err == nil:
			u.Name = existing.Name
		case !errors.Is(err, schema.ErrNotFound):
			return nil, err
		}
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	if err := d.ValidateUser(u); err != nil {
		return nil, err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.now()
	}
	if err := d.store.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return d.store.GetUser(ctx, u.ID)
}

// EnsureRegistered retrieves an existing user or registers a new one without
// roles. An existing user's last_seen_at is updated.
func (d *Directory) EnsureRegistered(ctx context.Context, id string) (*store.User, error) {
	existing, err := d.store.GetUser(ctx, id)
	if err == nil {
		_ = d.store.TouchUser(ctx, id)
		return existing, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return nil, err
	}
	return d.Register(ctx, &store.User{ID: id, Name: id})
}

// Actor returns the actor for id with its stored roles, registering unknown
// users on the way.
func (d *Directory) Actor(ctx context.Context, id string) (schema.Actor, error) {
	u, err := d.EnsureRegistered(ctx, id)
	if err != nil {
		return schema.Actor{}, err
	}
	return schema.Actor{ID: u.ID, Roles: u.Roles}, nil
}

// List returns every registered user ordered by ID.
func (d *Directory) List(ctx context.Context) ([]*store.User, error) {
	return d.store.ListUsers(ctx)
}
