package plan

import (
	"github.com/recordview/go-recordview/view"
)

// buildThrough plans a many-through association. The collection members
// are the target views; for each kept or added member a join-record
// operation is synthesized whose only writes are the two indirect foreign
// keys and, when the join view is ordered, the list position. Joins of
// removed members are released with delete semantics; the shared targets
// themselves are left alone.
func (b *builder) buildThrough(op *Operation, assoc *view.Association, ad *view.AssociationData) error {
	joinDesc, err := b.reg.Lookup(assoc.Through)
	if err != nil {
		return err
	}

	prevTargets, prevJoins, err := b.previousThrough(op, assoc, joinDesc)
	if err != nil {
		return err
	}

	var final []*view.UpdateData
	if ad.Functional != nil {
		final, err = applyFunctional(assoc, prevTargets, ad.Functional, b.refs)
		if err != nil {
			return err
		}
	} else {
		final = ad.Collection
	}

	targetOps, err := b.collectionOps(op, assoc, prevTargets, final)
	if err != nil {
		return err
	}

	// Pair each target with its join record, synthesizing joins for new
	// members.
	joinAssoc := b.joinAssociation(assoc)
	joinOps := make([]*Operation, len(targetOps))
	current := make([]*float64, len(targetOps))
	for i, targetOp := range targetOps {
		targetRef := targetOp.Ref()
		joinVM := prevJoins[targetRef]
		if joinVM == nil {
			rec, err := b.tx.New(b.ctx, joinDesc.Name(), nil)
			if err != nil {
				return err
			}
			joinVM = view.NewViewModel(joinDesc, rec)
			op.markAssociationChanged(assoc.Name)
		} else if attr := joinDesc.ListAttribute(); attr != "" {
			if raw := joinVM.Record.Get(attr); raw != nil {
				pos := toFloat(raw)
				current[i] = &pos
			}
		}
		joinData := &view.UpdateData{Descriptor: joinDesc, ID: joinVM.Record.ID()}
		joinOp, err := b.operation(joinData, joinVM)
		if err != nil {
			return err
		}
		joinOp.Reparent = &ParentLink{Owner: op, Assoc: assoc}
		joinOp.pointsTo(&joinAssoc.target, targetOp)
		if joinAssoc.target.Discriminator != "" {
			joinVM.Record.Set(joinAssoc.target.Discriminator, string(targetRef.View))
		}
		joinOps[i] = joinOp
	}

	// Release joins whose target fell out of the collection. The join is
	// deleted at sweep time unless the pair reappears and claims it, which
	// cannot happen within one request: claims are keyed by the join's own
	// identity.
	kept := map[view.Reference]bool{}
	for _, joinOp := range joinOps {
		kept[joinOp.Ref()] = true
	}
	for _, joinVM := range prevJoins {
		if !kept[joinVM.Ref()] {
			b.release(op, &joinAssoc.cleanup, joinVM)
			op.markAssociationChanged(assoc.Name)
		}
	}

	if attr := joinDesc.ListAttribute(); attr != "" {
		positions, changed := AssignPositions(current)
		for i, joinOp := range joinOps {
			if changed[i] {
				joinOp.Reposition = positions[i]
			}
		}
	}

	op.pointedTo(assoc, joinOps...)
	return nil
}

// joinAssociations are the synthesized descriptors wiring a join record to
// its target and governing the cleanup of dropped joins.
type joinAssociations struct {
	target  view.Association
	cleanup view.Association
}

func (b *builder) joinAssociation(assoc *view.Association) *joinAssociations {
	return &joinAssociations{
		target: view.Association{
			Name:          assoc.Name,
			Cardinality:   view.One,
			Pointer:       view.LocalPointer,
			ForeignKey:    assoc.TargetKey,
			Target:        assoc.Target,
			Polymorphic:   assoc.Polymorphic,
			Discriminator: assoc.Discriminator,
		},
		cleanup: view.Association{
			Name:        assoc.Name,
			Cardinality: view.Many,
			Pointer:     view.RemotePointer,
			ForeignKey:  assoc.ForeignKey,
			Target:      assoc.Through,
			Dependent:   view.DependentDelete,
		},
	}
}

// previousThrough loads the current joins and targets, joins keyed by
// target reference, targets in list order.
func (b *builder) previousThrough(op *Operation, assoc *view.Association, joinDesc *view.Descriptor) ([]*view.ViewModel, map[view.Reference]*view.ViewModel, error) {
	joins := map[view.Reference]*view.ViewModel{}
	if op.ViewModel.Record.New() {
		return nil, joins, nil
	}
	prevVal, err := view.LoadAssociation(b.ctx, b.tx, b.reg, op.ViewModel, assoc)
	if err != nil {
		return nil, nil, err
	}
	targets, _ := prevVal.([]*view.ViewModel)

	joinRecs, err := b.tx.FindBy(b.ctx, joinDesc.Name(), assoc.ForeignKey, op.ViewModel.Record.ID())
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range joinRecs {
		targetView := assoc.Target
		if len(assoc.Polymorphic) > 0 && assoc.Discriminator != "" {
			if s, ok := rec.Get(assoc.Discriminator).(string); ok && s != "" {
				targetView = view.ViewName(s)
			}
		}
		ref := view.Reference{View: targetView, ID: rec.Get(assoc.TargetKey)}
		joins[ref] = view.NewViewModel(joinDesc, rec)
	}
	return targets, joins, nil
}

// buildReferenced plans a shared (by-reference) association by
// materializing the side-table nodes and reusing the owned machinery; the
// reference operations themselves are memoized, so a node shared between
// parents is built and saved exactly once.
func (b *builder) buildReferenced(op *Operation, assoc *view.Association, rd *view.ReferenceData) error {
	if rd.Null {
		return b.buildSingle(op, assoc, nil, true)
	}
	if assoc.Cardinality == view.One {
		child, ok := b.refs[rd.Key]
		if !ok {
			return view.ErrUnresolvedReference.New(rd.Key)
		}
		return b.buildSingle(op, assoc, child, false)
	}
	children := make([]*view.UpdateData, len(rd.Keys))
	for i, key := range rd.Keys {
		child, ok := b.refs[key]
		if !ok {
			return view.ErrUnresolvedReference.New(key)
		}
		children[i] = child
	}
	ad := &view.AssociationData{Collection: children}
	if assoc.Pointer == view.ThroughPointer {
		return b.buildThrough(op, assoc, ad)
	}
	return b.buildCollection(op, assoc, ad)
}
