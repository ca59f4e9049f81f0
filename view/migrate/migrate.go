// Package migrate routes view trees between client schema versions and the
// current server version, along shortest paths through each descriptor's
// migration graph.
package migrate

import (
	"sync"

	"github.com/spf13/cast"

	"github.com/recordview/go-recordview/view"
)

// pathKey identifies one cached shortest path.
type pathKey struct {
	from int
	to   int
}

// graph is the per-descriptor version graph. Paths are memoized under a
// mutex; the cache is recomputed idempotently, so a stale miss only costs a
// second search.
type graph struct {
	desc *view.Descriptor

	mu    sync.Mutex
	edges map[int][]view.Migration
	noops map[int]bool
	paths map[pathKey][]view.Migration
}

func newGraph(desc *view.Descriptor) *graph {
	g := &graph{
		desc:  desc,
		edges: map[int][]view.Migration{},
		noops: map[int]bool{},
		paths: map[pathKey][]view.Migration{},
	}
	for _, m := range desc.Migrations() {
		if m.Noop() {
			g.noops[m.From] = true
			continue
		}
		g.edges[m.From] = append(g.edges[m.From], m)
	}
	return g
}

// versionKnown reports whether the graph has anything to say about a
// version: an edge touching it, a no-op marker, or the current version
// itself.
func (g *graph) versionKnown(v int) bool {
	if v == g.desc.SchemaVersion() || g.noops[v] {
		return true
	}
	if len(g.edges[v]) > 0 {
		return true
	}
	for _, outs := range g.edges {
		for _, m := range outs {
			if m.To == v {
				return true
			}
		}
	}
	return false
}

// path returns the shortest migration chain from one version to another,
// searching edges in their From -> To direction. Unit weights; plain BFS.
func (g *graph) path(from, to int) ([]view.Migration, error) {
	if from == to {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pathKey{from: from, to: to}
	if p, ok := g.paths[key]; ok {
		return p, nil
	}

	type node struct {
		version int
		chain   []view.Migration
	}
	queue := []node{{version: from}}
	seen := map[int]bool{from: true}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range g.edges[n.version] {
			if seen[m.To] {
				continue
			}
			chain := append(append([]view.Migration{}, n.chain...), m)
			if m.To == to {
				g.paths[key] = chain
				return chain, nil
			}
			seen[m.To] = true
			queue = append(queue, node{version: m.To, chain: chain})
		}
	}
	return nil, view.ErrNoMigrationPath.New(g.desc.Name(), from, to)
}

// Migrator routes raw view trees up to the current server versions before
// parsing, and back down to client versions after serialization.
type Migrator struct {
	reg *view.Registry

	mu     sync.Mutex
	graphs map[view.ViewName]*graph
}

// NewMigrator returns a Migrator over the registry.
func NewMigrator(reg *view.Registry) *Migrator {
	return &Migrator{reg: reg, graphs: map[view.ViewName]*graph{}}
}

func (m *Migrator) graphFor(desc *view.Descriptor) *graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[desc.Name()]
	if !ok {
		g = newGraph(desc)
		m.graphs[desc.Name()] = g
	}
	return g
}

// Up rewrites an incoming tree (a view object or an array of them) in
// place so every node is at its current server version. The references
// side-table is migrated too, and is available to the migration
// transforms.
func (m *Migrator) Up(ctx *view.Context, data interface{}, refs view.RawReferences) error {
	if err := m.walk(ctx, data, refs, m.upNode); err != nil {
		return err
	}
	for _, rv := range refs {
		if err := m.walk(ctx, rv, refs, m.upNode); err != nil {
			return err
		}
	}
	return nil
}

// Down rewrites an outgoing tree in place to the requested versions, one
// target version per view name. Views without a requested version stay at
// the current version.
func (m *Migrator) Down(ctx *view.Context, data interface{}, refs view.RawReferences, versions map[view.ViewName]int) error {
	down := func(ctx *view.Context, node view.RawView, refs view.RawReferences) error {
		return m.downNode(ctx, node, refs, versions)
	}
	if err := m.walk(ctx, data, refs, down); err != nil {
		return err
	}
	for _, rv := range refs {
		if err := m.walk(ctx, rv, refs, down); err != nil {
			return err
		}
	}
	return nil
}

type nodeFunc func(ctx *view.Context, node view.RawView, refs view.RawReferences) error

// walk applies fn to every view node reachable from data, depth-first.
// Nodes are recognized by their _type key; _ref placeholders and
// functional-update wrappers are traversed, not migrated.
func (m *Migrator) walk(ctx *view.Context, data interface{}, refs view.RawReferences, fn nodeFunc) error {
	switch v := data.(type) {
	case []interface{}:
		for _, item := range v {
			if err := m.walk(ctx, item, refs, fn); err != nil {
				return err
			}
		}
		return nil
	case view.RawView:
		if _, isRef := v["_ref"]; isRef {
			return nil
		}
		typ, _ := v["_type"].(string)
		if typ == "" {
			return nil
		}
		if typ == "_update" {
			actions, _ := v["actions"].([]interface{})
			for _, a := range actions {
				action, ok := a.(view.RawView)
				if !ok {
					continue
				}
				if err := m.walk(ctx, action["values"], refs, fn); err != nil {
					return err
				}
			}
			return nil
		}
		if err := fn(ctx, v, refs); err != nil {
			return err
		}
		for key, val := range v {
			switch key {
			case "_type", "_version", "_new", "id", "_ref":
				continue
			}
			if err := m.walk(ctx, val, refs, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (m *Migrator) upNode(ctx *view.Context, node view.RawView, refs view.RawReferences) error {
	typ := view.ViewName(node["_type"].(string))
	desc, err := m.reg.Lookup(typ)
	if err != nil {
		// Unknown types are the parser's problem; migration passes them by.
		return nil
	}
	from := desc.SchemaVersion()
	if raw, ok := node["_version"]; ok {
		from, err = cast.ToIntE(raw)
		if err != nil {
			return view.ErrInvalidStructure.New("_version must be an integer")
		}
	}
	if from == desc.SchemaVersion() {
		return nil
	}
	g := m.graphFor(desc)
	if g.noops[from] {
		// Explicitly marked as needing no transformation.
		node["_version"] = desc.SchemaVersion()
		return nil
	}
	if !g.versionKnown(from) {
		if len(desc.Migrations()) == 0 {
			return view.ErrSchemaVersionMismatch.New(desc.Name(), from)
		}
		return view.ErrMigrationsIncomplete.New(desc.Name(), from)
	}
	chain, err := g.path(from, desc.SchemaVersion())
	if err != nil {
		return err
	}
	for _, mig := range chain {
		if mig.Up == nil {
			return view.ErrOneWayMigration.New(desc.Name(), mig.From, mig.To)
		}
		ctx.Logger().WithFields(map[string]interface{}{
			"view": desc.Name(),
			"from": mig.From,
			"to":   mig.To,
		}).Debug("migrating view up")
		if err := mig.Up(node, refs); err != nil {
			return err
		}
	}
	node["_version"] = desc.SchemaVersion()
	return nil
}

func (m *Migrator) downNode(ctx *view.Context, node view.RawView, refs view.RawReferences, versions map[view.ViewName]int) error {
	typ := view.ViewName(node["_type"].(string))
	target, wanted := versions[typ]
	if !wanted {
		return nil
	}
	desc, err := m.reg.Lookup(typ)
	if err != nil {
		return err
	}
	if target == desc.SchemaVersion() {
		return nil
	}
	g := m.graphFor(desc)
	if g.noops[target] {
		node["_version"] = target
		return nil
	}
	if !g.versionKnown(target) {
		if len(desc.Migrations()) == 0 {
			return view.ErrSchemaVersionMismatch.New(desc.Name(), target)
		}
		return view.ErrMigrationsIncomplete.New(desc.Name(), target)
	}
	// Down-paths run the up-edges in reverse: search from the target
	// version forward, then apply the chain backwards with the down
	// transforms.
	chain, err := g.path(target, desc.SchemaVersion())
	if err != nil {
		return err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		mig := chain[i]
		if mig.Down == nil || mig.OneWay {
			return view.ErrOneWayMigration.New(desc.Name(), mig.From, mig.To)
		}
		ctx.Logger().WithFields(map[string]interface{}{
			"view": desc.Name(),
			"from": mig.To,
			"to":   mig.From,
		}).Debug("migrating view down")
		if err := mig.Down(node, refs); err != nil {
			return err
		}
	}
	node["_version"] = target
	return nil
}
