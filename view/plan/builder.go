package plan

import (
	"github.com/recordview/go-recordview/view"
)

// Build converts parsed update trees into an executable Plan. It resolves
// every node to a viewmodel (new record, existing child, release-pool
// claim, or a store load), wires parent links and save ordering by pointer
// direction, applies functional collection edits, assigns list positions
// and registers releases for discarded children.
func Build(ctx *view.Context, tx view.Tx, reg *view.Registry, roots []*view.UpdateData, refs map[string]*view.UpdateData) (*Plan, error) {
	span, ctx := ctx.Span("plan.Build")
	defer span.Finish()

	b := &builder{
		ctx:        ctx,
		tx:         tx,
		reg:        reg,
		refs:       refs,
		pool:       NewReleasePool(),
		ops:        map[*view.UpdateData]*Operation{},
		identities: map[view.Reference]*Operation{},
	}

	plan := &Plan{Pool: b.pool}
	for _, ud := range roots {
		op, err := b.rootOperation(ud)
		if err != nil {
			return nil, err
		}
		plan.Ops = append(plan.Ops, op)
	}
	return plan, nil
}

type builder struct {
	ctx  *view.Context
	tx   view.Tx
	reg  *view.Registry
	refs map[string]*view.UpdateData
	pool *ReleasePool

	// ops memoizes built operations by their parsed node, so a shared
	// reference builds exactly once.
	ops map[*view.UpdateData]*Operation
	// identities rejects two operations targeting one record.
	identities map[view.Reference]*Operation
}

func (b *builder) rootOperation(ud *view.UpdateData) (*Operation, error) {
	vm, err := b.resolveRoot(ud)
	if err != nil {
		return nil, err
	}
	return b.operation(ud, vm)
}

func (b *builder) resolveRoot(ud *view.UpdateData) (*view.ViewModel, error) {
	if ud.New {
		rec, err := b.tx.New(b.ctx, ud.Descriptor.Name(), ud.ID)
		if err != nil {
			return nil, err
		}
		return view.NewViewModel(ud.Descriptor, rec), nil
	}
	rec, err := b.tx.Find(b.ctx, ud.Descriptor.Name(), ud.ID)
	if err != nil {
		return nil, err
	}
	return view.NewViewModel(ud.Descriptor, rec), nil
}

// operation memoizes the operation for a parsed node and builds its child
// operations on first sight.
func (b *builder) operation(ud *view.UpdateData, vm *view.ViewModel) (*Operation, error) {
	if op, ok := b.ops[ud]; ok {
		return op, nil
	}
	op := &Operation{ViewModel: vm, Data: ud}
	b.ops[ud] = op

	ref := vm.Ref()
	if ref.Persisted() {
		if _, dup := b.identities[ref]; dup {
			if ud.Descriptor.Root() {
				return nil, view.ErrDuplicateRoot.New(ref.View, ref.ID)
			}
			return nil, view.ErrInvalidStructure.New("record " + ref.String() + " is updated more than once")
		}
		b.identities[ref] = op
	}

	if err := b.buildChildren(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (b *builder) buildChildren(op *Operation) error {
	desc := op.Data.Descriptor
	for _, assoc := range desc.Associations() {
		a := assoc
		if ad, ok := op.Data.Assocs[a.Name]; ok {
			if err := b.buildOwned(op, &a, ad); err != nil {
				return err
			}
		}
		if rd, ok := op.Data.Refs[a.Name]; ok {
			if err := b.buildReferenced(op, &a, rd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) buildOwned(op *Operation, assoc *view.Association, ad *view.AssociationData) error {
	if assoc.Cardinality == view.One {
		return b.buildSingle(op, assoc, ad.Single, ad.Null)
	}
	if assoc.Pointer == view.ThroughPointer {
		return b.buildThrough(op, assoc, ad)
	}
	return b.buildCollection(op, assoc, ad)
}

// previous loads the current children of the association, or nothing when
// the owner is new.
func (b *builder) previous(op *Operation, assoc *view.Association) (interface{}, error) {
	if op.ViewModel.Record.New() {
		if assoc.Cardinality == view.One {
			return (*view.ViewModel)(nil), nil
		}
		return []*view.ViewModel(nil), nil
	}
	return view.LoadAssociation(b.ctx, b.tx, b.reg, op.ViewModel, assoc)
}

func (b *builder) buildSingle(op *Operation, assoc *view.Association, child *view.UpdateData, null bool) error {
	prevVal, err := b.previous(op, assoc)
	if err != nil {
		return err
	}
	prev, _ := prevVal.(*view.ViewModel)

	if null || child == nil {
		if prev != nil {
			b.release(op, assoc, prev)
			op.markAssociationChanged(assoc.Name)
			if assoc.Pointer == view.LocalPointer {
				op.ViewModel.Record.Set(assoc.ForeignKey, nil)
				if assoc.Discriminator != "" {
					op.ViewModel.Record.Set(assoc.Discriminator, nil)
				}
			}
		}
		return nil
	}

	vm, claimed, err := b.resolveChild(assoc, prev, child)
	if err != nil {
		return err
	}
	childOp, err := b.operation(child, vm)
	if err != nil {
		return err
	}

	samePrev := prev != nil && prev.Ref() == vm.Ref() && !child.New
	if !samePrev {
		op.markAssociationChanged(assoc.Name)
		if prev != nil {
			b.release(op, assoc, prev)
		}
	}
	if claimed {
		op.markAssociationChanged(assoc.Name)
	}

	switch assoc.Pointer {
	case view.LocalPointer:
		op.pointsTo(assoc, childOp)
		if assoc.Discriminator != "" {
			op.ViewModel.Record.Set(assoc.Discriminator, string(vm.Descriptor.Name()))
		}
	default:
		if !samePrev || childOp.Reparent == nil {
			childOp.Reparent = &ParentLink{Owner: op, Assoc: assoc}
		}
		op.pointedTo(assoc, childOp)
	}
	return nil
}

func (b *builder) buildCollection(op *Operation, assoc *view.Association, ad *view.AssociationData) error {
	prevVal, err := b.previous(op, assoc)
	if err != nil {
		return err
	}
	prev, _ := prevVal.([]*view.ViewModel)

	var final []*view.UpdateData
	if ad.Functional != nil {
		final, err = applyFunctional(assoc, prev, ad.Functional, b.refs)
		if err != nil {
			return err
		}
	} else {
		final = ad.Collection
	}

	childOps, err := b.collectionOps(op, assoc, prev, final)
	if err != nil {
		return err
	}

	// Release previous members that are no longer present.
	inFinal := map[view.Reference]bool{}
	for _, childOp := range childOps {
		inFinal[childOp.Ref()] = true
	}
	for _, vm := range prev {
		if !inFinal[vm.Ref()] {
			b.release(op, assoc, vm)
			op.markAssociationChanged(assoc.Name)
		}
	}

	if changedOrder(prev, childOps) {
		op.markAssociationChanged(assoc.Name)
	}

	if err := b.assignPositions(childOps); err != nil {
		return err
	}

	for _, childOp := range childOps {
		if childOp.Reparent == nil {
			childOp.Reparent = &ParentLink{Owner: op, Assoc: assoc}
		}
	}
	op.pointedTo(assoc, childOps...)
	return nil
}

// collectionOps resolves and builds the operations for the final ordered
// members of a collection.
func (b *builder) collectionOps(op *Operation, assoc *view.Association, prev []*view.ViewModel, final []*view.UpdateData) ([]*Operation, error) {
	prevByRef := map[view.Reference]*view.ViewModel{}
	for _, vm := range prev {
		prevByRef[vm.Ref()] = vm
	}

	// First pass: satisfy from new records, previous members and the
	// release pool; collect the rest for a batched load.
	vms := make([]*view.ViewModel, len(final))
	var deferredIdx []int
	var deferredRefs []view.Reference
	for i, child := range final {
		switch {
		case child.New:
			rec, err := b.tx.New(b.ctx, child.Descriptor.Name(), child.ID)
			if err != nil {
				return nil, err
			}
			vms[i] = view.NewViewModel(child.Descriptor, rec)
		case prevByRef[child.Ref()] != nil:
			vms[i] = prevByRef[child.Ref()]
		default:
			if claimed := b.pool.TryClaim(child.Ref()); claimed != nil {
				vms[i] = claimed
				op.markAssociationChanged(assoc.Name)
				continue
			}
			if existing := b.identities[child.Ref()]; existing != nil {
				vms[i] = existing.ViewModel
				continue
			}
			deferredIdx = append(deferredIdx, i)
			deferredRefs = append(deferredRefs, child.Ref())
		}
	}

	if len(deferredRefs) > 0 {
		recs, err := b.load(assoc, deferredRefs)
		if err != nil {
			return nil, err
		}
		for j, i := range deferredIdx {
			vms[i] = view.NewViewModel(final[i].Descriptor, recs[j])
		}
	}

	ops := make([]*Operation, len(final))
	for i, child := range final {
		childOp, err := b.operation(child, vms[i])
		if err != nil {
			return nil, err
		}
		ops[i] = childOp
	}
	return ops, nil
}

// load fetches deferred references, through the association's custom
// resolver when one is declared.
func (b *builder) load(assoc *view.Association, refs []view.Reference) ([]view.Record, error) {
	if assoc.Resolver != nil {
		return assoc.Resolver(b.ctx, b.tx, refs)
	}
	// Group by view to keep FindAll batches homogeneous.
	byView := map[view.ViewName][]interface{}{}
	for _, ref := range refs {
		byView[ref.View] = append(byView[ref.View], ref.ID)
	}
	loaded := map[view.Reference]view.Record{}
	for name, ids := range byView {
		recs, err := b.tx.FindAll(b.ctx, name, ids)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			loaded[view.Reference{View: name, ID: rec.ID()}] = rec
		}
	}
	out := make([]view.Record, len(refs))
	for i, ref := range refs {
		rec, ok := loaded[ref]
		if !ok {
			return nil, view.ErrNotFound.New(ref.View, ref.ID)
		}
		out[i] = rec
	}
	return out, nil
}

// resolveChild resolves a single-association child: fresh record, reuse of
// the previous child, release-pool claim, or a store load.
func (b *builder) resolveChild(assoc *view.Association, prev *view.ViewModel, child *view.UpdateData) (vm *view.ViewModel, claimed bool, err error) {
	if child.New {
		rec, err := b.tx.New(b.ctx, child.Descriptor.Name(), child.ID)
		if err != nil {
			return nil, false, err
		}
		return view.NewViewModel(child.Descriptor, rec), false, nil
	}
	ref := child.Ref()
	if prev != nil && prev.Ref() == ref {
		return prev, false, nil
	}
	if vm := b.pool.TryClaim(ref); vm != nil {
		return vm, true, nil
	}
	if existing := b.identities[ref]; existing != nil {
		return existing.ViewModel, false, nil
	}
	recs, err := b.load(assoc, []view.Reference{ref})
	if err != nil {
		return nil, false, err
	}
	return view.NewViewModel(child.Descriptor, recs[0]), false, nil
}

// release parks a discarded child in the pool unless another operation in
// this request already owns it.
func (b *builder) release(op *Operation, assoc *view.Association, vm *view.ViewModel) {
	if _, taken := b.identities[vm.Ref()]; taken {
		// Claimed before it was released; the new owner already holds it.
		return
	}
	b.pool.Release(vm, op, assoc)
}

// assignPositions computes fresh list-attribute values for the members
// that are out of order, leaving compatible positions untouched.
func (b *builder) assignPositions(ops []*Operation) error {
	if len(ops) == 0 {
		return nil
	}
	current := make([]*float64, len(ops))
	listAttrs := make([]string, len(ops))
	ordered := false
	for i, childOp := range ops {
		attr := childOp.ViewModel.Descriptor.ListAttribute()
		listAttrs[i] = attr
		if attr == "" {
			continue
		}
		ordered = true
		if !childOp.ViewModel.Record.New() {
			if raw := childOp.ViewModel.Record.Get(attr); raw != nil {
				pos := toFloat(raw)
				current[i] = &pos
			}
		}
	}
	if !ordered {
		return nil
	}
	positions, changed := AssignPositions(current)
	for i, childOp := range ops {
		if listAttrs[i] != "" && changed[i] {
			childOp.Reposition = positions[i]
		}
	}
	return nil
}

func changedOrder(prev []*view.ViewModel, ops []*Operation) bool {
	if len(prev) != len(ops) {
		return true
	}
	for i := range prev {
		if prev[i].Ref() != ops[i].Ref() {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
