// Package access implements the per-view access-control policies and the
// traversal visitor that evaluates them over a view tree, including
// root-scoped pre-checks whose results cascade to descendants.
package access

import (
	"github.com/recordview/go-recordview/view"
)

// TestFunc is one boolean predicate over a node. The changes argument is
// nil for visibility checks.
type TestFunc func(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) bool

// Check is a predicate plus the human-readable reason reported when it
// causes a denial.
type Check struct {
	Name   string
	Reason string
	Test   TestFunc
}

// CheckSet composes checks with short-circuit semantics: any passing Deny
// refuses; otherwise a single passing Permit grants; otherwise the If and
// Unless predicates combine as (any_if AND no_unless). An empty set
// permits.
type CheckSet struct {
	Permit []Check
	Deny   []Check
	If     []Check
	Unless []Check
}

// Empty reports whether the set holds no checks at all.
func (s CheckSet) Empty() bool {
	return len(s.Permit) == 0 && len(s.Deny) == 0 && len(s.If) == 0 && len(s.Unless) == 0
}

// Eval runs the set against one node.
func (s CheckSet) Eval(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) Result {
	for _, c := range s.Deny {
		if c.Test(ctx, vm, ch) {
			return Denied(c.Name, c.Reason)
		}
	}
	for _, c := range s.Permit {
		if c.Test(ctx, vm, ch) {
			return Permitted()
		}
	}
	if len(s.Permit) > 0 && len(s.If) == 0 && len(s.Unless) == 0 {
		// Permit checks were declared and none granted.
		return Denied(s.Permit[0].Name, s.Permit[0].Reason)
	}
	if len(s.If) > 0 {
		granted := false
		for _, c := range s.If {
			if c.Test(ctx, vm, ch) {
				granted = true
				break
			}
		}
		if !granted {
			return Denied(s.If[0].Name, s.If[0].Reason)
		}
	}
	for _, c := range s.Unless {
		if c.Test(ctx, vm, ch) {
			return Denied(c.Name, c.Reason)
		}
	}
	return Permitted()
}

// merge appends the checks of another set.
func (s *CheckSet) merge(o CheckSet) {
	s.Permit = append(s.Permit, o.Permit...)
	s.Deny = append(s.Deny, o.Deny...)
	s.If = append(s.If, o.If...)
	s.Unless = append(s.Unless, o.Unless...)
}

// Result is the outcome of evaluating one or more check sets.
type Result struct {
	Permit bool
	// Check names the check behind a denial.
	Check string
	// Reason is the human-readable denial reason.
	Reason string
}

// Permitted is the granting result.
func Permitted() Result { return Result{Permit: true} }

// Denied is a refusing result blamed on one check.
func Denied(check, reason string) Result {
	return Result{Check: check, Reason: reason}
}

// Merge combines two results: a denial on either side wins, earliest
// first.
func (r Result) Merge(o Result) Result {
	if !r.Permit {
		return r
	}
	return o
}

// Policy is the declarative access policy of one view type. The zero value
// permits everything.
type Policy struct {
	VisibleChecks   CheckSet
	EditableChecks  CheckSet
	ValidEditChecks CheckSet

	// RootScoped policies additionally declare checks evaluated once per
	// root and cascaded to every descendant in the subtree.
	RootScoped           bool
	RootChildrenVisible  CheckSet
	RootChildrenEditable CheckSet
}

var _ view.AccessPolicy = (*Policy)(nil)

// Include copies another policy's checks into this one, mirroring policy
// inheritance by composition.
func (p *Policy) Include(o *Policy) *Policy {
	p.VisibleChecks.merge(o.VisibleChecks)
	p.EditableChecks.merge(o.EditableChecks)
	p.ValidEditChecks.merge(o.ValidEditChecks)
	if o.RootScoped {
		p.RootScoped = true
		p.RootChildrenVisible.merge(o.RootChildrenVisible)
		p.RootChildrenEditable.merge(o.RootChildrenEditable)
	}
	return p
}

// Visible implements view.AccessPolicy with the local checks only; the
// Traversal layers root-scoped results on top.
func (p *Policy) Visible(ctx *view.Context, vm *view.ViewModel) error {
	return visibilityError(vm, p.VisibleChecks.Eval(ctx, vm, nil))
}

// Editable implements view.AccessPolicy with the local checks only.
func (p *Policy) Editable(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return editabilityError(vm, p.EditableChecks.Eval(ctx, vm, ch))
}

// ValidEdit implements view.AccessPolicy.
func (p *Policy) ValidEdit(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return editabilityError(vm, p.ValidEditChecks.Eval(ctx, vm, ch))
}

func visibilityError(vm *view.ViewModel, res Result) error {
	if res.Permit {
		return nil
	}
	ref := vm.Ref()
	return view.ErrVisibility.New(ref.View, ref.ID, res.Reason)
}

func editabilityError(vm *view.ViewModel, res Result) error {
	if res.Permit {
		return nil
	}
	ref := vm.Ref()
	return view.ErrEditability.New(ref.View, ref.ID, res.Reason)
}
