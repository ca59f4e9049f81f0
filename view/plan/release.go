package plan

import (
	"github.com/recordview/go-recordview/view"
)

// Release is one record detached from its owner during the request,
// awaiting a claim by another owner or its association's dependent policy.
type Release struct {
	ViewModel *view.ViewModel
	Owner     *Operation
	Assoc     *view.Association

	claimed bool
}

// ReleasePool holds the releases of one request, keyed by record
// reference. Claiming is destructive, so a record can never be claimed
// twice, and a claimed record is never destroyed.
type ReleasePool struct {
	entries map[view.Reference]*Release
	order   []*Release
}

// NewReleasePool returns an empty pool.
func NewReleasePool() *ReleasePool {
	return &ReleasePool{entries: map[view.Reference]*Release{}}
}

// Release registers a detached record under its owner's association.
func (p *ReleasePool) Release(vm *view.ViewModel, owner *Operation, assoc *view.Association) {
	r := &Release{ViewModel: vm, Owner: owner, Assoc: assoc}
	p.entries[vm.Ref()] = r
	p.order = append(p.order, r)
}

// TryClaim transfers ownership of a released record. It returns nil when
// the reference was never released (or already claimed).
func (p *ReleasePool) TryClaim(ref view.Reference) *view.ViewModel {
	r, ok := p.entries[ref]
	if !ok {
		return nil
	}
	delete(p.entries, ref)
	r.claimed = true
	return r.ViewModel
}

// Pending returns the unclaimed releases in release order. The executor
// applies their dependent policies at the end of the transaction.
func (p *ReleasePool) Pending() []*Release {
	var out []*Release
	for _, r := range p.order {
		if !r.claimed {
			out = append(out, r)
		}
	}
	return out
}
