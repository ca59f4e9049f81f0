package plan

import (
	"github.com/recordview/go-recordview/view"
)

// element is one entry of the working list a functional update edits.
type element struct {
	ref  view.Reference
	data *view.UpdateData
	// blank elements were seeded from the current collection and carry no
	// edits of their own.
	blank bool
}

// applyFunctional edits the current collection with an ordered action
// sequence and returns the resulting ordered update list. Removed members
// fall out naturally: the caller diffs the result against the current
// collection.
//
// The working list is seeded from the current children, materialized as
// blank updates unless an update action touches them. A reference may
// appear at most once across all actions; removes and updates must hit
// elements present in the working list; append anchors must resolve after
// the moves induced by the same append.
func applyFunctional(assoc *view.Association, prev []*view.ViewModel, fu *view.FunctionalUpdate, refs map[string]*view.UpdateData) ([]*view.UpdateData, error) {
	working := make([]*element, 0, len(prev))
	for _, vm := range prev {
		working = append(working, &element{
			ref:   vm.Ref(),
			data:  &view.UpdateData{Descriptor: vm.Descriptor, ID: vm.Record.ID()},
			blank: true,
		})
	}

	used := map[view.Reference]bool{}
	touch := func(ref view.Reference) error {
		if ref.Persisted() && used[ref] {
			return view.ErrDuplicateReference.New(ref.String())
		}
		used[ref] = true
		return nil
	}

	find := func(ref view.Reference) int {
		for i, el := range working {
			if el.ref == ref {
				return i
			}
		}
		return -1
	}

	for _, action := range fu.Actions {
		switch a := action.(type) {
		case view.AppendAction:
			// Values already in the list move: remove them first so the
			// anchor is located in the post-move list.
			inserted := make([]*element, 0, len(a.Values))
			for _, val := range a.Values {
				ref := val.Ref()
				if err := touch(ref); err != nil {
					return nil, err
				}
				if !val.New && ref.Persisted() {
					if at := find(ref); at >= 0 {
						working = append(working[:at], working[at+1:]...)
					}
				}
				inserted = append(inserted, &element{ref: ref, data: val})
			}
			at := len(working)
			if a.Before != "" || a.After != "" {
				key := a.Before
				if key == "" {
					key = a.After
				}
				anchorData, ok := refs[key]
				if !ok {
					return nil, view.ErrUnresolvedReference.New(key)
				}
				anchorRef := anchorData.Ref()
				idx := find(anchorRef)
				if idx < 0 {
					return nil, missingElement(anchorRef)
				}
				if a.Before != "" {
					at = idx
				} else {
					at = idx + 1
				}
			}
			rest := append([]*element{}, working[at:]...)
			working = append(working[:at], append(inserted, rest...)...)

		case view.RemoveAction:
			for _, key := range a.Keys {
				data, ok := refs[key]
				if !ok {
					return nil, view.ErrUnresolvedReference.New(key)
				}
				ref := data.Ref()
				if err := touch(ref); err != nil {
					return nil, err
				}
				at := find(ref)
				if at < 0 {
					return nil, missingElement(ref)
				}
				working = append(working[:at], working[at+1:]...)
			}

		case view.UpdateAction:
			for _, val := range a.Values {
				ref := val.Ref()
				if err := touch(ref); err != nil {
					return nil, err
				}
				at := find(ref)
				if at < 0 {
					// Stale update: the element is no longer (or never
					// was) part of the collection.
					return nil, missingElement(ref)
				}
				working[at] = &element{ref: ref, data: val}
			}
		}
	}

	out := make([]*view.UpdateData, len(working))
	for i, el := range working {
		out[i] = el.data
	}
	return out, nil
}

// missingElement blames the stale or absent collection element in the
// error envelope meta.
func missingElement(ref view.Reference) error {
	return view.AsWireError(view.ErrNotFound.New(ref.View, ref.ID)).
		WithMeta("viewmodel", string(ref.View)).
		WithMeta("id", ref.ID).
		WithNode(ref.View, ref.ID)
}
