// Package authz holds the role to capability table consulted before any
// step or instance transition is applied.
package authz

import (
	"fmt"
	"slices"
	"sort"

	"github.com/rendis/hrflow/pkg/schema"
)

// Capability is a permission granted to a role.
type Capability string

const (
	// CapReview allows approving, rejecting, completing or requesting changes
	// on steps assigned to someone else.
	CapReview Capability = "review"
	// CapDelegateAny allows delegating a step on behalf of its assignee.
	CapDelegateAny Capability = "delegate_any"
	CapComment     Capability = "comment"
	CapCancel      Capability = "cancel"
	// CapOverride implies every other capability.
	CapOverride Capability = "override"
)

var knownCapabilities = map[Capability]bool{
	CapReview: true, CapDelegateAny: true, CapComment: true, CapCancel: true, CapOverride: true,
}

// Policy maps roles to capabilities. It is built once at start-up and is
// read-only afterwards, so it is safe for concurrent use.
type Policy struct {
	roles map[string]map[Capability]bool
}

// NewPolicy builds a policy from a role -> capability names table.
func NewPolicy(table map[string][]string) (*Policy, error) {
	p := &Policy{roles: make(map[string]map[Capability]bool, len(table))}
	for role, caps := range table {
		set := make(map[Capability]bool, len(caps))
		for _, c := range caps {
			capability := Capability(c)
			if !knownCapabilities[capability] {
				return nil, fmt.Errorf("role %q: unknown capability %q", role, c)
			}
			set[capability] = true
		}
		p.roles[role] = set
	}
	return p, nil
}

// DefaultPolicy grants hr_admin everything and hr review and comment rights.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(map[string][]string{
		"hr_admin": {string(CapOverride)},
		"hr":       {string(CapReview), string(CapComment)},
	})
	return p
}

// KnownRole reports whether the policy defines role.
func (p *Policy) KnownRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// Roles returns the defined role names in sorted order.
func (p *Policy) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Has reports whether any of the actor's roles grants c.
func (p *Policy) Has(actor schema.Actor, c Capability) bool {
	if p == nil {
		return false
	}
	for _, r := range actor.Roles {
		caps := p.roles[r]
		if caps[c] || caps[CapOverride] {
			return true
		}
	}
	return false
}

// Capabilities lists the actor's effective capabilities, sorted.
func (p *Policy) Capabilities(actor schema.Actor) []Capability {
	seen := make(map[Capability]bool)
	for c := range knownCapabilities {
		if p.Has(actor, c) {
			seen[c] = true
		}
	}
	out := make([]Capability, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subject describes who is involved with the step being acted on.
type Subject struct {
	StepID        string
	Assignee      string
	PastAssignees []string
	Initiator     string
}

func (s Subject) participant(id string) bool {
	return id == s.Assignee || id == s.Initiator || slices.Contains(s.PastAssignees, id)
}

// AuthorizeStep checks whether actor may perform action on the subject step.
func (p *Policy) AuthorizeStep(actor schema.Actor, action schema.Action, sub Subject) error {
	isAssignee := sub.Assignee != "" && actor.ID == sub.Assignee

	var allowed bool
	switch action {
	case schema.ActionApprove, schema.ActionReject, schema.ActionComplete, schema.ActionRequestChanges:
		allowed = isAssignee || p.Has(actor, CapReview)
	case schema.ActionDelegate:
		allowed = isAssignee || p.Has(actor, CapDelegateAny)
	case schema.ActionComment:
		allowed = sub.participant(actor.ID) || p.Has(actor, CapComment)
	case schema.ActionCancel:
		allowed = actor.ID == sub.Initiator || p.Has(actor, CapCancel)
	}
	if allowed {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotAuthorized,
		"user %q may not %s this step", actor.ID, action).
		WithStep(sub.StepID).
		WithDetails(map[string]any{"assignee": sub.Assignee, "action": string(action)})
}

// AuthorizeInstance checks instance-level operations: start and cancel are
// open to the initiator or holders of the matching capability.
func (p *Policy) AuthorizeInstance(actor schema.Actor, action schema.Action, initiator string) error {
	if actor.ID == initiator {
		return nil
	}
	needed := CapOverride
	if action == schema.ActionCancel {
		needed = CapCancel
	}
	if p.Has(actor, needed) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotAuthorized,
		"user %q may not %s this workflow", actor.ID, action).
		WithDetails(map[string]any{"initiator": initiator})
}
