package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recordview/go-recordview/memory"
	"github.com/recordview/go-recordview/view"
	"github.com/recordview/go-recordview/view/access"
	"github.com/recordview/go-recordview/view/parse"
)

func planRegistry(t *testing.T) *view.Registry {
	t.Helper()
	reg := view.NewRegistry()

	reg.MustRegister(view.NewBuilder("Parent", 1).
		Root().
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		Association(view.Association{
			Name:       "child",
			Pointer:    view.RemotePointer,
			ForeignKey: "parent_id",
			Target:     "Child",
			Inverse:    "parent",
			Dependent:  view.DependentDestroy,
		}).
		Association(view.Association{
			Name:        "items",
			Cardinality: view.Many,
			Pointer:     view.RemotePointer,
			ForeignKey:  "parent_id",
			Target:      "Item",
			Dependent:   view.DependentDestroy,
		}).
		Association(view.Association{
			Name:       "profile",
			Pointer:    view.LocalPointer,
			ForeignKey: "profile_id",
			Target:     "Profile",
		}).
		Association(view.Association{
			Name:        "tags",
			Cardinality: view.Many,
			Pointer:     view.ThroughPointer,
			ForeignKey:  "parent_id",
			Target:      "Tag",
			Through:     "Tagging",
			TargetKey:   "tag_id",
		}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Child", 1).
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Item", 1).
		List("position").
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		Attribute(view.Attribute{Name: "position", Codec: view.Float}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Profile", 1).
		Attribute(view.Attribute{Name: "bio", Codec: view.String}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Tag", 1).
		Attribute(view.Attribute{Name: "label", Codec: view.String}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Tagging", 1).
		List("position").
		Attribute(view.Attribute{Name: "position", Codec: view.Float}).
		MustBuild())

	return reg
}

// runRequest parses and executes one payload against the store.
func runRequest(t *testing.T, reg *view.Registry, store *memory.Store, data interface{}, refs map[string]interface{}) ([]*view.ViewModel, error) {
	t.Helper()
	ctx := view.NewEmptyContext()
	parsed, err := parse.Request(ctx, reg, data, refs)
	if err != nil {
		return nil, err
	}
	var roots []*view.ViewModel
	err = store.Transact(ctx, func(tx view.Tx) error {
		p, err := Build(ctx, tx, reg, parsed.Roots, parsed.Refs)
		if err != nil {
			return err
		}
		roots, err = NewExecutor(nil).Execute(ctx, tx, p)
		return err
	})
	return roots, err
}

func seed(t *testing.T, store *memory.Store, name view.ViewName, id interface{}, fields map[string]interface{}) {
	t.Helper()
	ctx := view.NewEmptyContext()
	err := store.Transact(ctx, func(tx view.Tx) error {
		rec, err := tx.New(ctx, name, id)
		if err != nil {
			return err
		}
		for k, v := range fields {
			rec.Set(k, v)
		}
		return tx.Save(ctx, rec)
	})
	require.NoError(t, err)
}

func find(t *testing.T, store *memory.Store, name view.ViewName, id interface{}) view.Record {
	t.Helper()
	ctx := view.NewEmptyContext()
	var rec view.Record
	err := store.Transact(ctx, func(tx view.Tx) error {
		var err error
		rec, err = tx.Find(ctx, name, id)
		return err
	})
	require.NoError(t, err)
	return rec
}

func findBy(t *testing.T, store *memory.Store, name view.ViewName, field string, value interface{}) []view.Record {
	t.Helper()
	ctx := view.NewEmptyContext()
	var recs []view.Record
	err := store.Transact(ctx, func(tx view.Tx) error {
		var err error
		recs, err = tx.FindBy(ctx, name, field, value)
		return err
	})
	require.NoError(t, err)
	return recs
}

func TestExecuteCreateWithChild(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	roots, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent",
		"name":  "p",
		"child": map[string]interface{}{"name": "c"},
	}, nil)
	require.NoError(err)
	require.Len(roots, 1)

	parent := roots[0]
	require.NotNil(parent.Record.ID())
	require.Equal("p", parent.Record.Get("name"))

	children := findBy(t, store, "Child", "parent_id", parent.Record.ID())
	require.Len(children, 1)
	require.Equal("c", children[0].Get("name"))

	cached, ok := parent.CachedAssociation("child")
	require.True(ok)
	childVM := cached.(*view.ViewModel)
	require.Equal(children[0].ID(), childVM.Record.ID())

	// Reparenting caches the owner under the declared inverse.
	inverse, ok := childVM.CachedAssociation("parent")
	require.True(ok)
	require.Same(parent, inverse.(*view.ViewModel))
}

func TestExecuteLocalPointerSavesChildFirst(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	roots, err := runRequest(t, reg, store, map[string]interface{}{
		"_type":   "Parent",
		"name":    "p",
		"profile": map[string]interface{}{"bio": "hello"},
	}, nil)
	require.NoError(err)

	parent := roots[0]
	profileID := parent.Record.Get("profile_id")
	require.NotNil(profileID)
	require.Equal("hello", find(t, store, "Profile", profileID).Get("bio"))
}

func TestExecuteReparentByMove(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), map[string]interface{}{"name": "A"})
	seed(t, store, "Parent", int64(2), map[string]interface{}{"name": "B"})
	seed(t, store, "Child", int64(7), map[string]interface{}{"name": "X", "parent_id": int64(1)})

	_, err := runRequest(t, reg, store, []interface{}{
		map[string]interface{}{"_type": "Parent", "id": float64(1), "child": nil},
		map[string]interface{}{
			"_type": "Parent", "id": float64(2),
			"child": map[string]interface{}{"_type": "Child", "id": float64(7), "name": "X"},
		},
	}, nil)
	require.NoError(err)

	// The child moved: same record, new owner, not destroyed.
	moved := find(t, store, "Child", int64(7))
	require.Equal(int64(2), moved.Get("parent_id"))
	require.Equal("X", moved.Get("name"))
}

func TestExecuteReleaseWithoutClaimDestroys(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), nil)
	seed(t, store, "Child", int64(7), map[string]interface{}{"parent_id": int64(1)})

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent", "id": float64(1), "child": nil,
	}, nil)
	require.NoError(err)

	ctx := view.NewEmptyContext()
	err = store.Transact(ctx, func(tx view.Tx) error {
		_, err := tx.Find(ctx, "Child", int64(7))
		return err
	})
	require.Error(err)
	require.True(view.ErrNotFound.Is(err))
}

type changeRecorder struct {
	access.Hooks
	deleted []view.Reference
}

func (v *changeRecorder) OnChange(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	if ch.Deleted {
		v.deleted = append(v.deleted, vm.Ref())
	}
	return nil
}

func TestExecuteSweepReportsDeletions(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), nil)
	seed(t, store, "Child", int64(7), map[string]interface{}{"parent_id": int64(1)})

	recorder := &changeRecorder{}
	tr := access.NewTraversal()
	tr.Register(recorder, access.Observing)

	ctx := view.NewEmptyContext()
	parsed, err := parse.Request(ctx, reg, map[string]interface{}{
		"_type": "Parent", "id": float64(1), "child": nil,
	}, nil)
	require.NoError(err)
	err = store.Transact(ctx, func(tx view.Tx) error {
		p, err := Build(ctx, tx, reg, parsed.Roots, parsed.Refs)
		if err != nil {
			return err
		}
		_, err = NewExecutor(tr).Execute(ctx, tx, p)
		return err
	})
	require.NoError(err)

	// The swept release reaches the change callbacks as a deletion.
	require.Equal([]view.Reference{{View: "Child", ID: int64(7)}}, recorder.deleted)
}

func TestExecuteCollectionReplaceAssignsPositions(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	roots, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent",
		"items": []interface{}{
			map[string]interface{}{"name": "a"},
			map[string]interface{}{"name": "b"},
			map[string]interface{}{"name": "c"},
		},
	}, nil)
	require.NoError(err)

	items := findBy(t, store, "Item", "parent_id", roots[0].Record.ID())
	require.Len(items, 3)
	positions := map[string]float64{}
	for _, rec := range items {
		positions[rec.Get("name").(string)] = rec.Get("position").(float64)
	}
	require.Less(positions["a"], positions["b"])
	require.Less(positions["b"], positions["c"])
}

func TestExecuteFunctionalAppendWithAnchor(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), nil)
	seed(t, store, "Item", int64(11), map[string]interface{}{"name": "c1", "parent_id": int64(1), "position": 1.0})
	seed(t, store, "Item", int64(12), map[string]interface{}{"name": "c2", "parent_id": int64(1), "position": 2.0})
	seed(t, store, "Item", int64(13), map[string]interface{}{"name": "c3", "parent_id": int64(1), "position": 3.0})

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent", "id": float64(1),
		"items": map[string]interface{}{
			"_type": "_update",
			"actions": []interface{}{
				map[string]interface{}{
					"_type":  "append",
					"values": []interface{}{map[string]interface{}{"_ref": "n"}},
					"before": map[string]interface{}{"_ref": "c2-ref"},
				},
			},
		},
	}, map[string]interface{}{
		"n":      map[string]interface{}{"_type": "Item", "name": "new"},
		"c2-ref": map[string]interface{}{"_type": "Item", "id": float64(12)},
	})
	require.NoError(err)

	items := findBy(t, store, "Item", "parent_id", int64(1))
	require.Len(items, 4)

	byName := map[string]view.Record{}
	for _, rec := range items {
		byName[rec.Get("name").(string)] = rec
	}
	pos := func(name string) float64 {
		v := byName[name].Get("position")
		switch n := v.(type) {
		case float64:
			return n
		default:
			t.Fatalf("position of %s is %T", name, v)
			return 0
		}
	}
	require.Less(pos("c1"), pos("new"))
	require.Less(pos("new"), pos("c2"))
	require.Less(pos("c2"), pos("c3"))

	// Anchored members keep their positions; only the insert is fresh.
	require.Equal(1.0, pos("c1"))
	require.Equal(2.0, pos("c2"))
	require.Equal(3.0, pos("c3"))
}

func TestExecuteFunctionalRemoveDestroys(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), nil)
	seed(t, store, "Item", int64(11), map[string]interface{}{"name": "a", "parent_id": int64(1), "position": 1.0})
	seed(t, store, "Item", int64(12), map[string]interface{}{"name": "b", "parent_id": int64(1), "position": 2.0})

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent", "id": float64(1),
		"items": map[string]interface{}{
			"_type": "_update",
			"actions": []interface{}{
				map[string]interface{}{
					"_type":  "remove",
					"values": []interface{}{map[string]interface{}{"_ref": "gone"}},
				},
			},
		},
	}, map[string]interface{}{
		"gone": map[string]interface{}{"_type": "Item", "id": float64(11)},
	})
	require.NoError(err)

	items := findBy(t, store, "Item", "parent_id", int64(1))
	require.Len(items, 1)
	require.Equal("b", items[0].Get("name"))
}

func TestExecuteThroughAssociation(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Tag", int64(5), map[string]interface{}{"label": "urgent"})

	roots, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent",
		"name":  "p",
		"tags": []interface{}{
			map[string]interface{}{"_type": "Tag", "id": float64(5)},
			map[string]interface{}{"_type": "Tag", "label": "fresh"},
		},
	}, nil)
	require.NoError(err)

	parentID := roots[0].Record.ID()
	joins := findBy(t, store, "Tagging", "parent_id", parentID)
	require.Len(joins, 2)

	tagIDs := map[interface{}]bool{}
	for _, join := range joins {
		tagIDs[join.Get("tag_id")] = true
		require.NotNil(join.Get("position"))
	}
	require.True(tagIDs[int64(5)])
}

func TestExecuteThroughRemovalDeletesJoinOnly(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), nil)
	seed(t, store, "Tag", int64(5), map[string]interface{}{"label": "urgent"})
	seed(t, store, "Tag", int64(6), map[string]interface{}{"label": "later"})
	seed(t, store, "Tagging", int64(100), map[string]interface{}{"parent_id": int64(1), "tag_id": int64(5), "position": 1.0})
	seed(t, store, "Tagging", int64(101), map[string]interface{}{"parent_id": int64(1), "tag_id": int64(6), "position": 2.0})

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent", "id": float64(1),
		"tags": []interface{}{
			map[string]interface{}{"_type": "Tag", "id": float64(6)},
		},
	}, nil)
	require.NoError(err)

	joins := findBy(t, store, "Tagging", "parent_id", int64(1))
	require.Len(joins, 1)
	require.Equal(int64(6), joins[0].Get("tag_id"))

	// The shared tag record survives.
	require.Equal("urgent", find(t, store, "Tag", int64(5)).Get("label"))
}

func TestExecuteCycleDetection(t *testing.T) {
	require := require.New(t)
	reg := view.NewRegistry()
	reg.MustRegister(view.NewBuilder("Node", 1).
		Root().
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		Association(view.Association{
			Name:       "next",
			Pointer:    view.LocalPointer,
			ForeignKey: "next_id",
			Target:     "Node",
			Referenced: true,
		}).
		MustBuild())
	store := memory.NewStore(reg)

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Node", "name": "a",
		"next": map[string]interface{}{"_ref": "b"},
	}, map[string]interface{}{
		"b": map[string]interface{}{
			"_type": "Node", "name": "b",
			"next": map[string]interface{}{"_ref": "a"},
		},
		"a": map[string]interface{}{
			"_type": "Node", "name": "a2",
			"next": map[string]interface{}{"_ref": "b"},
		},
	})
	require.Error(err)
	require.True(view.ErrCycle.Is(err) || view.ErrInvalidStructure.Is(err))
}

func TestExecuteDuplicateRootOnForcedNew(t *testing.T) {
	require := require.New(t)
	reg := planRegistry(t)
	store := memory.NewStore(reg)

	seed(t, store, "Parent", int64(1), map[string]interface{}{"name": "taken"})

	_, err := runRequest(t, reg, store, map[string]interface{}{
		"_type": "Parent", "id": float64(1), "_new": true, "name": "clash",
	}, nil)
	require.Error(err)
	require.True(view.ErrDuplicateRoot.Is(err))
}
