// Package plan builds and executes the per-record operation DAG of a write
// request: resolving incoming update trees against persisted records,
// tracking releases and claims, applying functional collection edits and
// list positions, and walking the result inside one store transaction.
package plan

import (
	"github.com/recordview/go-recordview/view"
)

// RunState tracks one operation through execution.
type RunState uint8

const (
	// Pending operations have not started.
	Pending RunState = iota
	// Running operations are on the execution stack; re-entering one means
	// the local-pointer graph is cyclic.
	Running
	// Run operations are complete and hold their saved record.
	Run
)

// ParentLink rewrites a child's inverse pointer once the parent's record is
// known.
type ParentLink struct {
	Owner *Operation
	Assoc *view.Association
}

// ChildSlot groups the child operations of one association, in final list
// order.
type ChildSlot struct {
	Assoc *view.Association
	Ops   []*Operation
}

// Operation is one node of the execution DAG: everything the executor
// needs to bring one record to its requested state.
type Operation struct {
	// ViewModel is the resolved target.
	ViewModel *view.ViewModel
	// Data is the parsed update for the node. Never nil; untouched
	// collection members carry a blank UpdateData.
	Data *view.UpdateData
	// Reparent, when set, assigns the inverse foreign key to the owner's
	// record before saving.
	Reparent *ParentLink
	// Reposition, when non-nil, assigns the list attribute before saving.
	Reposition interface{}
	// PointsTo holds local-pointer children, saved before this node; their
	// resulting ids are assigned into this record's foreign keys.
	PointsTo []ChildSlot
	// PointedTo holds remote-pointer children, saved after this node.
	PointedTo []ChildSlot
	// State is the execution state.
	State RunState
	// AssociationChanged reports that association membership or order
	// changed, which forces an editability check even without dirty
	// fields.
	AssociationChanged bool

	changedAssocs []string
}

// Ref returns the canonical address of the operation's target.
func (o *Operation) Ref() view.Reference {
	return o.ViewModel.Ref()
}

func (o *Operation) pointsTo(assoc *view.Association, ops ...*Operation) {
	for i := range o.PointsTo {
		if o.PointsTo[i].Assoc == assoc {
			o.PointsTo[i].Ops = append(o.PointsTo[i].Ops, ops...)
			return
		}
	}
	o.PointsTo = append(o.PointsTo, ChildSlot{Assoc: assoc, Ops: ops})
}

func (o *Operation) pointedTo(assoc *view.Association, ops ...*Operation) {
	for i := range o.PointedTo {
		if o.PointedTo[i].Assoc == assoc {
			o.PointedTo[i].Ops = append(o.PointedTo[i].Ops, ops...)
			return
		}
	}
	o.PointedTo = append(o.PointedTo, ChildSlot{Assoc: assoc, Ops: ops})
}

func (o *Operation) markAssociationChanged(name string) {
	o.AssociationChanged = true
	for _, n := range o.changedAssocs {
		if n == name {
			return
		}
	}
	o.changedAssocs = append(o.changedAssocs, name)
}

// Plan is a built, root-ordered operation list ready for execution.
type Plan struct {
	Ops  []*Operation
	Pool *ReleasePool
}
