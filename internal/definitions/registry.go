// Package definitions keeps the versioned catalogue of workflow definitions.
// Registering a name again stores a new version; stored versions never change.
package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// DefinitionStore is the subset of store.Store the registry needs.
type DefinitionStore interface {
	StoreDefinition(ctx context.Context, def *store.Definition) error
	GetDefinition(ctx context.Context, name string, version int) (*store.Definition, error)
	ListDefinitions(ctx context.Context) ([]*store.Definition, error)
}

// DefinitionValidator checks a definition before it is stored.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Registry validates and versions workflow definitions.
type Registry struct {
	store     DefinitionStore
	validator DefinitionValidator
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes version assignment.
	mu sync.Mutex
}

// NewRegistry creates a Registry. validator may be nil to store definitions unchecked.
func NewRegistry(s DefinitionStore, validator DefinitionValidator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:     s,
		validator: validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register validates def and stores it as the next version of its name.
func (r *Registry) Register(ctx context.Context, def schema.WorkflowDefinition, createdBy string) (*store.Definition, error) {
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(&def); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	version := 1
	latest, err := r.store.GetDefinition(ctx, def.Name, 0)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, schema.ErrNotFound):
		return nil, schema.NewError(schema.ErrCodeStore, "lookup latest definition").WithCause(err)
	}

	def.Version = version
	stored := &store.Definition{
		Name:        def.Name,
		Version:     version,
		Description: def.Description,
		Definition:  def,
		CreatedBy:   createdBy,
		CreatedAt:   r.now(),
	}
	if err := r.store.StoreDefinition(ctx, stored); err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeStore, "store definition").WithCause(err)
	}

	r.logger.Info("definition registered", "name", def.Name, "version", version, "created_by", createdBy)
	return stored, nil
}

// RegisterIfChanged registers def unless it is identical to the latest stored
// version of its name. It reports whether a new version was stored.
func (r *Registry) RegisterIfChanged(ctx context.Context, def schema.WorkflowDefinition, createdBy string) (*store.Definition, bool, error) {
	latest, err := r.store.GetDefinition(ctx, def.Name, 0)
	if err == nil && sameDefinition(latest.Definition, def) {
		return latest, false, nil
	}
	stored, err := r.Register(ctx, def, createdBy)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Latest returns the highest version of name.
func (r *Registry) Latest(ctx context.Context, name string) (*store.Definition, error) {
	return r.store.GetDefinition(ctx, name, 0)
}

// Get returns a specific version, or the latest when version is 0.
func (r *Registry) Get(ctx context.Context, name string, version int) (*store.Definition, error) {
	return r.store.GetDefinition(ctx, name, version)
}

// List returns every stored version, ordered by name then version descending.
func (r *Registry) List(ctx context.Context) ([]*store.Definition, error) {
	return r.store.ListDefinitions(ctx)
}

// sameDefinition compares two definitions ignoring their version.
func sameDefinition(a, b schema.WorkflowDefinition) bool {
	a.Version, b.Version = 0, 0
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
