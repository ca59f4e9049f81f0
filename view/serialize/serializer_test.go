package serialize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recordview/go-recordview/memory"
	"github.com/recordview/go-recordview/view"
	"github.com/recordview/go-recordview/view/access"
)

func serializeRegistry(t *testing.T) *view.Registry {
	t.Helper()
	reg := view.NewRegistry()

	reg.MustRegister(view.NewBuilder("Task", 2).
		Root().
		Attribute(view.Attribute{Name: "title", Codec: view.String}).
		Attribute(view.Attribute{Name: "due", Alias: "due_at", Codec: view.Time}).
		Attribute(view.Attribute{Name: "labels", Codec: view.String, Array: true}).
		Association(view.Association{
			Name:        "notes",
			Cardinality: view.Many,
			Pointer:     view.RemotePointer,
			ForeignKey:  "task_id",
			Target:      "Note",
		}).
		Association(view.Association{
			Name:       "owner",
			Pointer:    view.LocalPointer,
			ForeignKey: "owner_id",
			Target:     "Person",
			Referenced: true,
		}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Note", 1).
		List("position").
		Attribute(view.Attribute{Name: "body", Codec: view.String}).
		Attribute(view.Attribute{Name: "position", Codec: view.Float}).
		MustBuild())

	reg.MustRegister(view.NewBuilder("Person", 1).
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		MustBuild())

	return reg
}

func serializeOne(t *testing.T, reg *view.Registry, store *memory.Store, tr *access.Traversal, name view.ViewName, id interface{}) (*Document, error) {
	t.Helper()
	ctx := view.NewEmptyContext()
	var doc *Document
	err := store.Transact(ctx, func(tx view.Tx) error {
		desc, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		rec, err := tx.Find(ctx, name, id)
		if err != nil {
			return err
		}
		doc, err = NewSerializer(reg, tr, tx).Serialize(ctx, []*view.ViewModel{view.NewViewModel(desc, rec)})
		return err
	})
	return doc, err
}

func seedGraph(t *testing.T, reg *view.Registry, store *memory.Store) {
	t.Helper()
	ctx := view.NewEmptyContext()
	err := store.Transact(ctx, func(tx view.Tx) error {
		put := func(name view.ViewName, id interface{}, fields map[string]interface{}) error {
			rec, err := tx.New(ctx, name, id)
			if err != nil {
				return err
			}
			for k, v := range fields {
				rec.Set(k, v)
			}
			return tx.Save(ctx, rec)
		}
		if err := put("Person", int64(9), map[string]interface{}{"name": "ada"}); err != nil {
			return err
		}
		if err := put("Task", int64(1), map[string]interface{}{
			"title":    "ship it",
			"due_at":   "2024-06-01T00:00:00Z",
			"labels":   []interface{}{"a", "b"},
			"owner_id": int64(9),
		}); err != nil {
			return err
		}
		if err := put("Note", int64(21), map[string]interface{}{"body": "second", "task_id": int64(1), "position": 2.0}); err != nil {
			return err
		}
		return put("Note", int64(20), map[string]interface{}{"body": "first", "task_id": int64(1), "position": 1.0})
	})
	require.NoError(t, err)
}

func TestSerializeTree(t *testing.T) {
	require := require.New(t)
	reg := serializeRegistry(t)
	store := memory.NewStore(reg)
	seedGraph(t, reg, store)

	doc, err := serializeOne(t, reg, store, nil, "Task", int64(1))
	require.NoError(err)
	require.Len(doc.Data, 1)

	raw := doc.Data[0]
	require.Equal("Task", raw["_type"])
	require.Equal(2, raw["_version"])
	require.Equal(int64(1), raw["id"])
	require.Equal("ship it", raw["title"])
	require.Equal("2024-06-01T00:00:00Z", raw["due"])
	require.Equal([]interface{}{"a", "b"}, raw["labels"])

	// Owned collection inline, in list order.
	notes := raw["notes"].([]interface{})
	require.Len(notes, 2)
	first := notes[0].(view.RawView)
	require.Equal("first", first["body"])
	require.Equal("Note", first["_type"])

	// Referenced association as a side-table placeholder. The entry itself
	// is a plain view object; its key lives only in the table, so the
	// document can be fed back into the parser.
	owner := raw["owner"].(map[string]interface{})
	key, ok := owner["_ref"].(string)
	require.True(ok)
	entry, ok := doc.References[key]
	require.True(ok)
	require.Equal("Person", entry["_type"])
	require.Equal("ada", entry["name"])
	require.NotContains(entry, "_ref")
}

func TestSerializeSharedReferenceInternsOnce(t *testing.T) {
	require := require.New(t)
	reg := serializeRegistry(t)
	store := memory.NewStore(reg)
	seedGraph(t, reg, store)

	ctx := view.NewEmptyContext()
	err := store.Transact(ctx, func(tx view.Tx) error {
		put := func(name view.ViewName, id interface{}, fields map[string]interface{}) error {
			rec, err := tx.New(ctx, name, id)
			if err != nil {
				return err
			}
			for k, v := range fields {
				rec.Set(k, v)
			}
			return tx.Save(ctx, rec)
		}
		return put("Task", int64(2), map[string]interface{}{"title": "other", "owner_id": int64(9)})
	})
	require.NoError(err)

	var doc *Document
	err = store.Transact(ctx, func(tx view.Tx) error {
		desc, _ := reg.Lookup("Task")
		var vms []*view.ViewModel
		for _, id := range []int64{1, 2} {
			rec, err := tx.Find(ctx, "Task", id)
			if err != nil {
				return err
			}
			vms = append(vms, view.NewViewModel(desc, rec))
		}
		doc, err = NewSerializer(reg, nil, tx).Serialize(ctx, vms)
		return err
	})
	require.NoError(err)

	k1 := doc.Data[0]["owner"].(map[string]interface{})["_ref"].(string)
	k2 := doc.Data[1]["owner"].(map[string]interface{})["_ref"].(string)
	require.Equal(k1, k2)
	require.Len(doc.References, 1)
}

func TestSerializeUsesCachedAssociations(t *testing.T) {
	require := require.New(t)
	reg := serializeRegistry(t)
	store := memory.NewStore(reg)
	seedGraph(t, reg, store)

	ctx := view.NewEmptyContext()
	var doc *Document
	err := store.Transact(ctx, func(tx view.Tx) error {
		desc, _ := reg.Lookup("Task")
		rec, err := tx.Find(ctx, "Task", int64(1))
		if err != nil {
			return err
		}
		vm := view.NewViewModel(desc, rec)
		// A write pipeline would have populated this after saving.
		vm.CacheAssociation("notes", []*view.ViewModel{})
		doc, err = NewSerializer(reg, nil, tx).Serialize(ctx, []*view.ViewModel{vm})
		return err
	})
	require.NoError(err)
	require.Empty(doc.Data[0]["notes"])
}

type denyAll struct{}

func (denyAll) Visible(ctx *view.Context, vm *view.ViewModel) error {
	return view.ErrVisibility.New(vm.Descriptor.Name(), vm.Record.ID(), "hidden")
}
func (denyAll) Editable(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return nil
}
func (denyAll) ValidEdit(ctx *view.Context, vm *view.ViewModel, ch *view.Changes) error {
	return nil
}

func TestSerializeDeniedVisibility(t *testing.T) {
	require := require.New(t)
	reg := view.NewRegistry()
	reg.MustRegister(view.NewBuilder("Secret", 1).
		Root().
		Policy(denyAll{}).
		Attribute(view.Attribute{Name: "value", Codec: view.String}).
		MustBuild())
	store := memory.NewStore(reg)

	ctx := view.NewEmptyContext()
	err := store.Transact(ctx, func(tx view.Tx) error {
		rec, err := tx.New(ctx, "Secret", int64(1))
		if err != nil {
			return err
		}
		return tx.Save(ctx, rec)
	})
	require.NoError(err)

	_, err = serializeOne(t, reg, store, access.NewTraversal(), "Secret", int64(1))
	require.Error(err)
	require.True(view.ErrSerializationPermissions.Is(err))
}
