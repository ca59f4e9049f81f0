package view

import (
	"sort"

	"github.com/spf13/cast"
)

// LoadAssociation loads the current children of one association from the
// store. It returns a *ViewModel (possibly nil) for cardinality one and a
// []*ViewModel in list order for collections. The planner uses it to diff
// against incoming updates; the serializer uses it on the read path when
// the association cache is cold.
func LoadAssociation(ctx *Context, tx Tx, reg *Registry, vm *ViewModel, a *Association) (interface{}, error) {
	if a.Cardinality == One {
		return loadSingle(ctx, tx, reg, vm, a)
	}
	if a.Pointer == ThroughPointer {
		return loadThrough(ctx, tx, reg, vm, a)
	}
	return loadCollection(ctx, tx, reg, vm, a)
}

func loadSingle(ctx *Context, tx Tx, reg *Registry, vm *ViewModel, a *Association) (interface{}, error) {
	if a.Pointer == LocalPointer {
		id := vm.Record.Get(a.ForeignKey)
		if id == nil {
			return (*ViewModel)(nil), nil
		}
		target := a.Target
		if len(a.Polymorphic) > 0 {
			name, err := cast.ToStringE(vm.Record.Get(a.Discriminator))
			if err != nil || name == "" {
				return nil, ErrInvalidStructure.New("missing discriminator for " + a.Name)
			}
			target = ViewName(name)
			if !a.Accepts(target) {
				return nil, ErrTypeMismatch.New(a.Name, target)
			}
		}
		desc, err := reg.Lookup(target)
		if err != nil {
			return nil, err
		}
		rec, err := tx.Find(ctx, target, id)
		if err != nil {
			return nil, err
		}
		return NewViewModel(desc, rec), nil
	}

	children, err := loadCollection(ctx, tx, reg, vm, a)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return (*ViewModel)(nil), nil
	}
	return children[0], nil
}

func loadCollection(ctx *Context, tx Tx, reg *Registry, vm *ViewModel, a *Association) ([]*ViewModel, error) {
	ownerID := vm.Record.ID()
	if ownerID == nil {
		return nil, nil
	}
	var out []*ViewModel
	for _, target := range a.AcceptedViews() {
		desc, err := reg.Lookup(target)
		if err != nil {
			return nil, err
		}
		recs, err := tx.FindBy(ctx, target, a.ForeignKey, ownerID)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			out = append(out, NewViewModel(desc, rec))
		}
	}
	sortByListAttribute(out)
	return out, nil
}

func loadThrough(ctx *Context, tx Tx, reg *Registry, vm *ViewModel, a *Association) ([]*ViewModel, error) {
	ownerID := vm.Record.ID()
	if ownerID == nil {
		return nil, nil
	}
	joinDesc, err := reg.Lookup(a.Through)
	if err != nil {
		return nil, err
	}
	targetDesc, err := reg.Lookup(a.Target)
	if err != nil {
		return nil, err
	}
	joins, err := tx.FindBy(ctx, a.Through, a.ForeignKey, ownerID)
	if err != nil {
		return nil, err
	}
	joinVMs := make([]*ViewModel, len(joins))
	for i, j := range joins {
		joinVMs[i] = NewViewModel(joinDesc, j)
	}
	sortByListAttribute(joinVMs)

	ids := make([]interface{}, len(joinVMs))
	for i, j := range joinVMs {
		ids[i] = j.Record.Get(a.TargetKey)
	}
	recs, err := tx.FindAll(ctx, a.Target, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*ViewModel, len(recs))
	for i, rec := range recs {
		out[i] = NewViewModel(targetDesc, rec)
	}
	return out, nil
}

// sortByListAttribute orders viewmodels by their descriptor's list
// attribute. Unordered views keep store order.
func sortByListAttribute(vms []*ViewModel) {
	if len(vms) < 2 {
		return
	}
	attr := vms[0].Descriptor.ListAttribute()
	if attr == "" {
		return
	}
	sort.SliceStable(vms, func(i, j int) bool {
		return listPosition(vms[i], attr) < listPosition(vms[j], attr)
	})
}

func listPosition(vm *ViewModel, attr string) float64 {
	return cast.ToFloat64(vm.Record.Get(attr))
}
