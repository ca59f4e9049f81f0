package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recordview/go-recordview/view"
)

func renameMigration(from, to int, oldName, newName string) view.Migration {
	return view.Migration{
		From: from,
		To:   to,
		Up: func(rv view.RawView, refs view.RawReferences) error {
			if v, ok := rv[oldName]; ok {
				rv[newName] = v
				delete(rv, oldName)
			}
			return nil
		},
		Down: func(rv view.RawView, refs view.RawReferences) error {
			if v, ok := rv[newName]; ok {
				rv[oldName] = v
				delete(rv, newName)
			}
			return nil
		},
	}
}

func registryWith(t *testing.T, migrations ...view.Migration) *view.Registry {
	t.Helper()
	version := 1
	for _, m := range migrations {
		if m.To > version {
			version = m.To
		}
	}
	b := view.NewBuilder("Parent", version).
		Root().
		Attribute(view.Attribute{Name: "name", Codec: view.String}).
		Attribute(view.Attribute{Name: "old_name", Codec: view.String}).
		Attribute(view.Attribute{Name: "legacy_name", Codec: view.String})
	for _, m := range migrations {
		b.Migration(m)
	}
	reg := view.NewRegistry()
	reg.MustRegister(b.MustBuild())
	return reg
}

func TestUpMigratesToCurrentVersion(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t, renameMigration(1, 2, "old_name", "name"))
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 1, "old_name": "x"}
	require.NoError(m.Up(ctx, node, view.RawReferences{}))
	require.Equal("x", node["name"])
	require.NotContains(node, "old_name")
	require.Equal(2, node["_version"])
}

func TestUpChainsShortestPath(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t,
		renameMigration(1, 2, "legacy_name", "old_name"),
		renameMigration(2, 3, "old_name", "name"),
	)
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 1, "legacy_name": "x"}
	require.NoError(m.Up(ctx, node, view.RawReferences{}))
	require.Equal("x", node["name"])
	require.Equal(3, node["_version"])
}

func TestUpCurrentVersionIsUntouched(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t, renameMigration(1, 2, "old_name", "name"))
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 2, "name": "x"}
	require.NoError(m.Up(ctx, node, view.RawReferences{}))
	require.Equal("x", node["name"])
}

func TestUpNoMigrationsAtAll(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t)
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 3}
	err := m.Up(ctx, node, view.RawReferences{})
	require.Error(err)
	require.True(view.ErrSchemaVersionMismatch.Is(err))
}

func TestUpUnknownVersionIsIncomplete(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t, renameMigration(2, 3, "old_name", "name"))
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 1}
	err := m.Up(ctx, node, view.RawReferences{})
	require.Error(err)
	require.True(view.ErrMigrationsIncomplete.Is(err))
}

func TestNoopMarkerSkipsTransforms(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t,
		renameMigration(2, 3, "old_name", "name"),
		view.Migration{From: 1, To: 3},
	)
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 1, "name": "x"}
	require.NoError(m.Up(ctx, node, view.RawReferences{}))
	require.Equal(3, node["_version"])
	require.Equal("x", node["name"])
}

func TestDownReversesChain(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t,
		renameMigration(1, 2, "legacy_name", "old_name"),
		renameMigration(2, 3, "old_name", "name"),
	)
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 3, "name": "x"}
	require.NoError(m.Down(ctx, node, view.RawReferences{}, map[view.ViewName]int{"Parent": 1}))
	require.Equal("x", node["legacy_name"])
	require.Equal(1, node["_version"])
}

func TestDownOneWayMigration(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	oneWay := renameMigration(1, 2, "old_name", "name")
	oneWay.Down = nil
	reg := registryWith(t, oneWay)
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 2, "name": "x"}
	err := m.Down(ctx, node, view.RawReferences{}, map[view.ViewName]int{"Parent": 1})
	require.Error(err)
	require.True(view.ErrOneWayMigration.Is(err))
}

func TestUpDownIdentity(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t, renameMigration(1, 2, "old_name", "name"))
	m := NewMigrator(reg)

	node := view.RawView{"_type": "Parent", "_version": 1, "old_name": "x"}
	require.NoError(m.Up(ctx, node, view.RawReferences{}))
	require.NoError(m.Down(ctx, node, view.RawReferences{}, map[view.ViewName]int{"Parent": 1}))
	require.Equal("x", node["old_name"])
	require.NotContains(node, "name")
	require.Equal(1, node["_version"])
}

func TestUpWalksNestedTreesAndReferences(t *testing.T) {
	require := require.New(t)
	ctx := view.NewEmptyContext()

	reg := registryWith(t, renameMigration(1, 2, "old_name", "name"))
	m := NewMigrator(reg)

	refs := view.RawReferences{
		"r": {"_type": "Parent", "_version": 1, "old_name": "shared"},
	}
	data := []interface{}{
		map[string]interface{}{
			"_type": "Parent", "_version": 1, "old_name": "a",
			"child": map[string]interface{}{"_type": "Parent", "_version": 1, "old_name": "b"},
			"other": map[string]interface{}{"_ref": "r"},
		},
	}
	require.NoError(m.Up(ctx, data, refs))

	root := data[0].(map[string]interface{})
	require.Equal("a", root["name"])
	require.Equal("b", root["child"].(map[string]interface{})["name"])
	require.Equal("shared", refs["r"]["name"])
}

func TestGraphPathCaching(t *testing.T) {
	require := require.New(t)

	desc := view.NewBuilder("V", 3).
		Migration(renameMigration(1, 2, "a", "b")).
		Migration(renameMigration(2, 3, "b", "c")).
		MustBuild()
	g := newGraph(desc)

	p1, err := g.path(1, 3)
	require.NoError(err)
	require.Len(p1, 2)

	p2, err := g.path(1, 3)
	require.NoError(err)
	require.Equal(len(p1), len(p2))

	_, err = g.path(3, 1)
	require.Error(err)
	require.True(view.ErrNoMigrationPath.Is(err))
}
