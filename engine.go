// Package recordview exposes versioned, access-controlled JSON views over
// relational records. An Engine ties together the registry of view
// descriptors, a record store, the schema migrator, and the write and read
// pipelines.
package recordview

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/recordview/go-recordview/view"
	"github.com/recordview/go-recordview/view/access"
	"github.com/recordview/go-recordview/view/migrate"
	"github.com/recordview/go-recordview/view/parse"
	"github.com/recordview/go-recordview/view/plan"
	"github.com/recordview/go-recordview/view/serialize"
)

// ObserverFunc runs after a write transaction commits, outside of it. It
// receives the saved root viewmodels.
type ObserverFunc func(ctx *view.Context, roots []*view.ViewModel)

type callback struct {
	visitor access.Visitor
	kind    access.CallbackKind
}

// Engine is the top-level entry point. Construct one with New and share it
// freely; per-request state lives in the pipeline, not here.
type Engine struct {
	Registry *view.Registry
	Store    view.Store
	Migrator *migrate.Migrator

	callbacks []callback
	observers []ObserverFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCallback registers a traversal callback for every request.
func WithCallback(v access.Visitor, kind access.CallbackKind) EngineOption {
	return func(e *Engine) {
		e.callbacks = append(e.callbacks, callback{visitor: v, kind: kind})
	}
}

// WithObserver registers an after-commit observer.
func WithObserver(fn ObserverFunc) EngineOption {
	return func(e *Engine) {
		e.observers = append(e.observers, fn)
	}
}

// New creates an Engine over a registry and a store.
func New(reg *view.Registry, store view.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		Registry: reg,
		Store:    store,
		Migrator: migrate.NewMigrator(reg),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one decoded write payload: the root view object (or an array
// of them) plus the references side-table.
type Request struct {
	Data       interface{}            `json:"data"`
	References map[string]interface{} `json:"references,omitempty"`
}

// ParseRequest decodes a JSON request envelope.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, view.ErrInvalidStructure.New(err.Error())
	}
	if req.Data == nil {
		return nil, view.ErrInvalidStructure.New(`envelope has no "data" key`)
	}
	return &req, nil
}

// Response is one serialized result envelope. Data mirrors the request
// shape: a single view object for single-root requests, an array
// otherwise.
type Response struct {
	Data       interface{}        `json:"data"`
	References view.RawReferences `json:"references"`
}

func (e *Engine) traversal() *access.Traversal {
	t := access.NewTraversal()
	for _, cb := range e.callbacks {
		t.Register(cb.visitor, cb.kind)
	}
	return t
}

// Deserialize applies one write request: the payload is migrated up to
// current versions, validated and parsed, planned and executed inside one
// store transaction, and the saved records are serialized back, migrated
// down to the versions the client sent. Observers run after commit.
func (e *Engine) Deserialize(ctx *view.Context, req *Request) (*Response, error) {
	span, ctx := ctx.Span("engine.Deserialize")
	defer span.Finish()

	single := false
	if _, ok := req.Data.(map[string]interface{}); ok {
		single = true
	}
	versions := clientVersions(req.Data, req.References)

	refs := view.RawReferences{}
	for key, raw := range req.References {
		rv, ok := raw.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidStructure.New("reference " + key + " must be a view object")
		}
		refs[key] = rv
	}
	if err := e.Migrator.Up(ctx, req.Data, refs); err != nil {
		return nil, err
	}

	rawRefs := make(map[string]interface{}, len(refs))
	for key, rv := range refs {
		rawRefs[key] = map[string]interface{}(rv)
	}
	parsed, err := parse.Request(ctx, e.Registry, req.Data, rawRefs)
	if err != nil {
		return nil, err
	}

	t := e.traversal()
	var roots []*view.ViewModel
	var doc *serialize.Document
	err = e.Store.Transact(ctx, func(tx view.Tx) error {
		p, err := plan.Build(ctx, tx, e.Registry, parsed.Roots, parsed.Refs)
		if err != nil {
			return err
		}
		roots, err = plan.NewExecutor(t).Execute(ctx, tx, p)
		if err != nil {
			return err
		}
		doc, err = serialize.NewSerializer(e.Registry, t, tx).Serialize(ctx, roots)
		return err
	})
	if err != nil {
		return nil, err
	}

	ctx.Logger().WithFields(logrus.Fields{
		"roots": len(roots),
	}).Debug("deserialized request")

	for _, fn := range e.observers {
		fn(ctx, roots)
	}

	return e.respond(ctx, doc, single, versions)
}

// Serialize reads the given records and renders them at the requested
// versions. A nil versions map means current versions throughout.
func (e *Engine) Serialize(ctx *view.Context, refs []view.Reference, versions map[view.ViewName]int) (*Response, error) {
	span, ctx := ctx.Span("engine.Serialize")
	defer span.Finish()

	t := e.traversal()
	var doc *serialize.Document
	err := e.Store.Transact(ctx, func(tx view.Tx) error {
		vms := make([]*view.ViewModel, len(refs))
		for i, ref := range refs {
			desc, err := e.Registry.Lookup(ref.View)
			if err != nil {
				return err
			}
			rec, err := tx.Find(ctx, ref.View, ref.ID)
			if err != nil {
				return err
			}
			vms[i] = view.NewViewModel(desc, rec)
		}
		var err error
		doc, err = serialize.NewSerializer(e.Registry, t, tx).Serialize(ctx, vms)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.respond(ctx, doc, len(refs) == 1, versions)
}

// respond migrates a serialized document down to the client's versions and
// shapes the envelope.
func (e *Engine) respond(ctx *view.Context, doc *serialize.Document, single bool, versions map[view.ViewName]int) (*Response, error) {
	data := make([]interface{}, len(doc.Data))
	for i, rv := range doc.Data {
		data[i] = rv
	}
	if len(versions) > 0 {
		if err := e.Migrator.Down(ctx, data, doc.References, versions); err != nil {
			return nil, err
		}
	}
	resp := &Response{References: doc.References}
	if single && len(data) == 1 {
		resp.Data = data[0]
	} else {
		resp.Data = data
	}
	return resp, nil
}

// WireError classifies any pipeline error into the stable error envelope.
func WireError(err error) *view.WireError {
	return view.AsWireError(err)
}

// clientVersions records the schema version each view name was submitted
// at, so the response can be migrated back down. The first version seen
// per view wins.
func clientVersions(data interface{}, references map[string]interface{}) map[view.ViewName]int {
	versions := map[view.ViewName]int{}
	var walk func(node interface{})
	walk = func(node interface{}) {
		switch v := node.(type) {
		case []interface{}:
			for _, item := range v {
				walk(item)
			}
		case map[string]interface{}:
			typ, _ := v["_type"].(string)
			if typ != "" && typ != "_update" {
				if raw, ok := v["_version"]; ok {
					if ver, ok := intVersion(raw); ok {
						name := view.ViewName(typ)
						if _, seen := versions[name]; !seen {
							versions[name] = ver
						}
					}
				}
			}
			for key, val := range v {
				if key == "_type" || key == "_version" || key == "id" || key == "_new" {
					continue
				}
				walk(val)
			}
		}
	}
	walk(data)
	for _, rv := range references {
		walk(rv)
	}
	return versions
}

func intVersion(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
