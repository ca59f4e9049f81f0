package access

import (
	"github.com/recordview/go-recordview/view"
)

// CallbackKind partitions registered callbacks. Mutating callbacks run
// before observing ones at every hook.
type CallbackKind uint8

const (
	// Mutating callbacks may change the viewmodel under visit.
	Mutating CallbackKind = iota
	// Observing callbacks must not.
	Observing
)

// Visitor receives the traversal hooks for every visited node, in visit
// order. Embed Hooks to implement only a subset.
type Visitor interface {
	PreVisit(ctx *view.Context, vm *view.ViewModel) error
	BeforeDeserialize(ctx *view.Context, vm *view.ViewModel) error
	BeforeValidate(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error
	OnChange(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error
	AfterDeserialize(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error
	AfterVisit(ctx *view.Context, vm *view.ViewModel) error
}

// Hooks is a no-op Visitor for embedding.
type Hooks struct{}

var _ Visitor = Hooks{}

func (Hooks) PreVisit(*view.Context, *view.ViewModel) error                        { return nil }
func (Hooks) BeforeDeserialize(*view.Context, *view.ViewModel) error               { return nil }
func (Hooks) BeforeValidate(*view.Context, *view.ViewModel, *view.Changes) error   { return nil }
func (Hooks) OnChange(*view.Context, *view.ViewModel, *view.Changes) error         { return nil }
func (Hooks) AfterDeserialize(*view.Context, *view.ViewModel, *view.Changes) error { return nil }
func (Hooks) AfterVisit(*view.Context, *view.ViewModel) error                      { return nil }

type registered struct {
	visitor Visitor
	kind    CallbackKind
}

// rootFrame caches the root-scoped check results for one root subtree. The
// frame lives from the root's PreVisit to its AfterVisit.
type rootFrame struct {
	vm       *view.ViewModel
	visible  Result
	editable Result
}

// Traversal drives access control over one request. It is request-scoped
// and not safe for concurrent use.
type Traversal struct {
	callbacks []registered
	roots     []*rootFrame
}

// NewTraversal returns an empty traversal.
func NewTraversal() *Traversal { return &Traversal{} }

// Register adds a callback. Declaration order is preserved within each
// kind.
func (t *Traversal) Register(v Visitor, kind CallbackKind) {
	t.callbacks = append(t.callbacks, registered{visitor: v, kind: kind})
}

// each runs fn over the callbacks, mutating first, then observing, each in
// declaration order.
func (t *Traversal) each(fn func(v Visitor) error) error {
	for _, kind := range []CallbackKind{Mutating, Observing} {
		for _, r := range t.callbacks {
			if r.kind != kind {
				continue
			}
			if err := fn(r.visitor); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Traversal) frame() *rootFrame {
	if len(t.roots) == 0 {
		return nil
	}
	return t.roots[len(t.roots)-1]
}

// PreVisit opens a node. For a root node with a root-scoped policy, the
// root-children checks are evaluated here, once, and cached for the
// subtree. A root-scoped policy visited with no root context is a
// structural error.
func (t *Traversal) PreVisit(ctx *view.Context, vm *view.ViewModel) error {
	policy, _ := vm.Descriptor.Policy().(*Policy)
	if vm.Descriptor.Root() {
		frame := &rootFrame{vm: vm, visible: Permitted(), editable: Permitted()}
		if policy != nil && policy.RootScoped {
			frame.visible = policy.RootChildrenVisible.Eval(ctx, vm, nil)
			frame.editable = policy.RootChildrenEditable.Eval(ctx, vm, nil)
		}
		t.roots = append(t.roots, frame)
	} else if policy != nil && policy.RootScoped && t.frame() == nil {
		return view.ErrInvalidStructure.New(
			"root-scoped policy for " + string(vm.Descriptor.Name()) + " visited outside a root context")
	}
	return t.each(func(v Visitor) error { return v.PreVisit(ctx, vm) })
}

// AfterVisit closes a node, clearing the cached root results when the node
// is the root that produced them.
func (t *Traversal) AfterVisit(ctx *view.Context, vm *view.ViewModel) error {
	err := t.each(func(v Visitor) error { return v.AfterVisit(ctx, vm) })
	if f := t.frame(); f != nil && f.vm == vm {
		t.roots = t.roots[:len(t.roots)-1]
	}
	return err
}

// BeforeDeserialize runs the hook callbacks.
func (t *Traversal) BeforeDeserialize(ctx *view.Context, vm *view.ViewModel) error {
	return t.each(func(v Visitor) error { return v.BeforeDeserialize(ctx, vm) })
}

// BeforeValidate runs the hook callbacks.
func (t *Traversal) BeforeValidate(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return t.each(func(v Visitor) error { return v.BeforeValidate(ctx, vm, ch) })
}

// OnChange runs the hook callbacks.
func (t *Traversal) OnChange(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return t.each(func(v Visitor) error { return v.OnChange(ctx, vm, ch) })
}

// AfterDeserialize runs the hook callbacks.
func (t *Traversal) AfterDeserialize(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return t.each(func(v Visitor) error { return v.AfterDeserialize(ctx, vm, ch) })
}

// CheckVisible merges the cached root visibility with the node's own
// policy.
func (t *Traversal) CheckVisible(ctx *view.Context, vm *view.ViewModel) error {
	if f := t.frame(); f != nil && f.vm != vm {
		if err := visibilityError(vm, f.visible); err != nil {
			return err
		}
	}
	switch p := vm.Descriptor.Policy().(type) {
	case nil:
		return nil
	case *Policy:
		return visibilityError(vm, p.VisibleChecks.Eval(ctx, vm, nil))
	default:
		return p.Visible(ctx, vm)
	}
}

// CheckEditable merges the cached root editability with the node's own
// editable and valid-edit checks. The valid-edit checks see the change
// summary.
func (t *Traversal) CheckEditable(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	if f := t.frame(); f != nil && f.vm != vm {
		if err := editabilityError(vm, f.editable); err != nil {
			return err
		}
	}
	switch p := vm.Descriptor.Policy().(type) {
	case nil:
		return nil
	case *Policy:
		if err := editabilityError(vm, p.EditableChecks.Eval(ctx, vm, ch)); err != nil {
			return err
		}
		return editabilityError(vm, p.ValidEditChecks.Eval(ctx, vm, ch))
	default:
		if err := p.Editable(ctx, vm, ch); err != nil {
			return err
		}
		return p.ValidEdit(ctx, vm, ch)
	}
}
