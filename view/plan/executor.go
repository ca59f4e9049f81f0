package plan

import (
	"fmt"
	"reflect"

	"github.com/recordview/go-recordview/view"
	"github.com/recordview/go-recordview/view/access"
)

// Executor walks a Plan inside one transaction: local-pointer children
// save before their owner, remote-pointer children after, access checks
// and callbacks fire through the traversal, and unclaimed releases are
// swept by their dependent policies at the end.
type Executor struct {
	Traversal *access.Traversal
}

// NewExecutor returns an executor driving the given traversal. A nil
// traversal means no callbacks and permit-all on views without policies.
func NewExecutor(t *access.Traversal) *Executor {
	if t == nil {
		t = access.NewTraversal()
	}
	return &Executor{Traversal: t}
}

// Execute runs every root operation, then sweeps the release pool. It
// returns the root viewmodels in request order, each with its written
// associations cached for serialization.
func (e *Executor) Execute(ctx *view.Context, tx view.Tx, plan *Plan) ([]*view.ViewModel, error) {
	span, ctx := ctx.Span("plan.Execute")
	defer span.Finish()

	roots := make([]*view.ViewModel, len(plan.Ops))
	for i, op := range plan.Ops {
		if err := e.run(ctx, tx, op); err != nil {
			return nil, err
		}
		roots[i] = op.ViewModel
	}
	if err := e.sweep(ctx, tx, plan.Pool); err != nil {
		return nil, err
	}
	return roots, nil
}

func (e *Executor) run(ctx *view.Context, tx view.Tx, op *Operation) error {
	switch op.State {
	case Run:
		return nil
	case Running:
		ref := op.Ref()
		return view.ErrCycle.New(ref.View, ref.ID)
	}
	op.State = Running

	vm := op.ViewModel
	rec := vm.Record

	if err := e.Traversal.PreVisit(ctx, vm); err != nil {
		return err
	}
	if err := e.Traversal.CheckVisible(ctx, vm); err != nil {
		return err
	}
	if err := e.Traversal.BeforeDeserialize(ctx, vm); err != nil {
		return err
	}

	if err := e.writeAttributes(ctx, op); err != nil {
		return err
	}

	if op.Reparent != nil {
		link := op.Reparent
		rec.Set(link.Assoc.ForeignKey, link.Owner.ViewModel.Record.ID())
		if link.Assoc.Discriminator != "" && link.Assoc.Pointer != view.LocalPointer {
			rec.Set(link.Assoc.Discriminator, string(link.Owner.ViewModel.Descriptor.Name()))
		}
		if link.Assoc.Inverse != "" {
			vm.CacheAssociation(link.Assoc.Inverse, link.Owner.ViewModel)
		}
	}
	if op.Reposition != nil {
		if attr := vm.Descriptor.ListAttribute(); attr != "" {
			rec.Set(attr, op.Reposition)
		}
	}

	// Local-pointer children first; their saved ids land in this record's
	// foreign keys.
	for _, slot := range op.PointsTo {
		for _, child := range slot.Ops {
			if err := e.run(ctx, tx, child); err != nil {
				return err
			}
			rec.Set(slot.Assoc.ForeignKey, child.ViewModel.Record.ID())
		}
	}

	ch := e.changes(op)
	saved := false
	if rec.New() || len(rec.Dirty()) > 0 || op.AssociationChanged {
		if err := e.Traversal.CheckEditable(ctx, vm, ch); err != nil {
			return err
		}
		if err := e.Traversal.BeforeValidate(ctx, vm, ch); err != nil {
			return err
		}
		if err := e.save(ctx, tx, op); err != nil {
			return err
		}
		saved = true
	}

	for _, slot := range op.PointedTo {
		children := make([]*view.ViewModel, len(slot.Ops))
		for i, child := range slot.Ops {
			if err := e.run(ctx, tx, child); err != nil {
				return err
			}
			children[i] = child.ViewModel
			if childCh := e.changes(child); childCh.Changed() || childCh.ChangedChildren {
				ch.ChangedChildren = true
			}
		}
		// Through joins are not the association's members; the serializer
		// reloads those through the transaction.
		if slot.Assoc.Pointer == view.ThroughPointer {
			continue
		}
		if slot.Assoc.Cardinality == view.One {
			var single *view.ViewModel
			if len(children) > 0 {
				single = children[len(children)-1]
			}
			vm.CacheAssociation(slot.Assoc.Name, single)
		} else {
			vm.CacheAssociation(slot.Assoc.Name, children)
		}
	}

	if saved {
		if err := e.Traversal.OnChange(ctx, vm, ch); err != nil {
			return err
		}
	}
	if err := e.Traversal.AfterDeserialize(ctx, vm, ch); err != nil {
		return err
	}
	if err := e.Traversal.AfterVisit(ctx, vm); err != nil {
		return err
	}

	op.State = Run
	return nil
}

// writeAttributes stages the request's attribute values onto the record,
// enforcing the lock attribute and read-only rules.
func (e *Executor) writeAttributes(ctx *view.Context, op *Operation) error {
	vm := op.ViewModel
	rec := vm.Record
	desc := vm.Descriptor
	lockField := desc.LockAttribute()

	for _, attr := range desc.Attributes() {
		value, ok := op.Data.Attributes[attr.Name]
		if !ok {
			continue
		}
		field := attr.Field()

		// The lock attribute is compared, never written; the store bumps
		// it on save.
		if lockField != "" && field == lockField {
			if !rec.New() && !equalValue(rec.Get(field), value) {
				return view.ErrLockFailure.New(desc.Name(), rec.ID())
			}
			continue
		}

		if attr.Deserialize != nil {
			if err := attr.Deserialize(ctx, vm, value); err != nil {
				return err
			}
			continue
		}

		frozen := attr.ReadOnly || (attr.WriteOnce && !rec.New())
		if frozen {
			// Echoing the stored value back is fine; changing it is not.
			if !equalValue(rec.Get(field), value) {
				return view.ErrReadOnlyAttribute.New(attr.Name, desc.Name())
			}
			continue
		}
		rec.Set(field, value)
	}
	return nil
}

// changes summarizes the staged state of the operation, with dirty record
// fields mapped back to their wire attribute names.
func (e *Executor) changes(op *Operation) *view.Changes {
	desc := op.ViewModel.Descriptor
	byField := map[string]string{}
	for _, attr := range desc.Attributes() {
		byField[attr.Field()] = attr.Name
	}
	ch := &view.Changes{
		New:                 op.ViewModel.Record.New(),
		ChangedAssociations: op.changedAssocs,
	}
	for _, field := range op.ViewModel.Record.Dirty() {
		if name, ok := byField[field]; ok {
			ch.ChangedAttributes = append(ch.ChangedAttributes, name)
		}
	}
	return ch
}

// save persists the record, translating storage-level failures into their
// request-level kinds.
func (e *Executor) save(ctx *view.Context, tx view.Tx, op *Operation) error {
	vm := op.ViewModel
	err := tx.Save(ctx, vm.Record)
	if err == nil {
		return nil
	}
	name, id := vm.Descriptor.Name(), vm.Record.ID()
	switch {
	case view.ErrStaleRecord.Is(err):
		return view.ErrLockFailure.New(name, id)
	case view.ErrRecordExists.Is(err) && op.Data.New:
		return view.ErrDuplicateRoot.New(name, id)
	default:
		if _, ok := err.(*view.RecordInvalidError); ok {
			return err
		}
		we := view.AsWireError(err)
		if len(we.Nodes) == 0 {
			we.WithNode(name, id)
		}
		return we
	}
}

// sweep applies the dependent policies of the unclaimed releases. Records
// leaving the store announce themselves through the traversal with a
// Deleted change summary, so valid-edit checks and change callbacks see
// the destruction.
func (e *Executor) sweep(ctx *view.Context, tx view.Tx, pool *ReleasePool) error {
	for _, r := range pool.Pending() {
		vm := r.ViewModel
		rec := vm.Record
		switch r.Assoc.Dependent {
		case view.DependentDestroy, view.DependentDelete:
			ch := &view.Changes{Deleted: true}
			if err := e.Traversal.CheckEditable(ctx, vm, ch); err != nil {
				return err
			}
			remove := tx.Destroy
			if r.Assoc.Dependent == view.DependentDelete {
				remove = tx.Delete
			}
			if err := remove(ctx, rec); err != nil {
				return err
			}
			if err := e.Traversal.OnChange(ctx, vm, ch); err != nil {
				return err
			}
		case view.DependentDetach:
			if r.Assoc.Pointer != view.LocalPointer {
				rec.Set(r.Assoc.ForeignKey, nil)
				if r.Assoc.Discriminator != "" {
					rec.Set(r.Assoc.Discriminator, nil)
				}
				if err := tx.Save(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// equalValue compares a staged value against a stored one loosely enough
// to survive numeric widening across the store boundary.
func equalValue(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
