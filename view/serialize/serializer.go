// Package serialize renders viewmodels back into versioned wire trees,
// interning shared nodes into the references side-table.
package serialize

import (
	"fmt"

	uuid "github.com/satori/go.uuid"

	"github.com/recordview/go-recordview/view"
	"github.com/recordview/go-recordview/view/access"
)

// Document is one serialized response: the root trees plus the references
// side-table. Only references actually reachable from the roots appear in
// the table.
type Document struct {
	Data       []view.RawView
	References view.RawReferences
}

// Serializer renders viewmodels. It is request-scoped: the reference table
// and key assignments accumulate across Serialize calls so multi-root
// responses share interned nodes.
type Serializer struct {
	reg       *view.Registry
	traversal *access.Traversal
	tx        view.Tx

	refs view.RawReferences
	// keys memoizes the side-table key of every interned record, so a node
	// shared between parents serializes once.
	keys map[view.Reference]string
}

// NewSerializer returns a serializer reading missing associations through
// tx and checking visibility through the traversal.
func NewSerializer(reg *view.Registry, t *access.Traversal, tx view.Tx) *Serializer {
	if t == nil {
		t = access.NewTraversal()
	}
	return &Serializer{
		reg:       reg,
		traversal: t,
		tx:        tx,
		refs:      view.RawReferences{},
		keys:      map[view.Reference]string{},
	}
}

// Serialize renders the given roots into a document.
func (s *Serializer) Serialize(ctx *view.Context, vms []*view.ViewModel) (*Document, error) {
	span, ctx := ctx.Span("serialize.Serialize")
	defer span.Finish()

	doc := &Document{References: s.refs}
	for _, vm := range vms {
		raw, err := s.node(ctx, vm)
		if err != nil {
			return nil, err
		}
		doc.Data = append(doc.Data, raw)
	}
	return doc, nil
}

// node renders one viewmodel subtree.
func (s *Serializer) node(ctx *view.Context, vm *view.ViewModel) (view.RawView, error) {
	if err := s.traversal.PreVisit(ctx, vm); err != nil {
		return nil, err
	}
	defer s.traversal.AfterVisit(ctx, vm)

	if err := s.visible(ctx, vm); err != nil {
		return nil, err
	}

	desc := vm.Descriptor
	raw := view.RawView{
		"_type":    string(desc.Name()),
		"_version": desc.SchemaVersion(),
	}
	if id := vm.Record.ID(); id != nil {
		raw["id"] = id
	}

	for _, attr := range desc.Attributes() {
		value, err := s.attribute(ctx, vm, attr)
		if err != nil {
			return nil, err
		}
		raw[attr.Name] = value
	}

	for _, assoc := range desc.Associations() {
		a := assoc
		value, err := s.association(ctx, vm, &a)
		if err != nil {
			return nil, err
		}
		raw[a.Name] = value
	}
	return raw, nil
}

func (s *Serializer) visible(ctx *view.Context, vm *view.ViewModel) error {
	err := s.traversal.CheckVisible(ctx, vm)
	if err == nil {
		return nil
	}
	if view.ErrSerializationPermissions.Is(err) {
		return err
	}
	return view.ErrSerializationPermissions.New(vm.Descriptor.Name(), vm.Record.ID(), err.Error())
}

func (s *Serializer) attribute(ctx *view.Context, vm *view.ViewModel, attr view.Attribute) (interface{}, error) {
	raw := vm.Record.Get(attr.Field())
	if raw == nil {
		return nil, nil
	}

	if attr.Using != "" {
		return s.structured(ctx, vm, attr, raw)
	}

	if attr.Array {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, view.ErrSerialization.New(vm.Descriptor.Name(),
				fmt.Sprintf("attribute %q is not an array", attr.Name))
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			enc, err := attr.Codec.Encode(item)
			if err != nil {
				return nil, view.ErrSerialization.New(vm.Descriptor.Name(), err.Error())
			}
			out[i] = enc
		}
		return out, nil
	}

	enc, err := attr.Codec.Encode(raw)
	if err != nil {
		return nil, view.ErrSerialization.New(vm.Descriptor.Name(), err.Error())
	}
	return enc, nil
}

// structured renders a nested-descriptor attribute: the stored map (or
// maps) pass through the nested view's attribute codecs.
func (s *Serializer) structured(ctx *view.Context, vm *view.ViewModel, attr view.Attribute, raw interface{}) (interface{}, error) {
	nested, err := s.reg.Lookup(attr.Using)
	if err != nil {
		return nil, err
	}
	encodeOne := func(item interface{}) (interface{}, error) {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, view.ErrSerialization.New(vm.Descriptor.Name(),
				fmt.Sprintf("attribute %q holds no structured value", attr.Name))
		}
		out := map[string]interface{}{}
		for _, na := range nested.Attributes() {
			v, ok := fields[na.Field()]
			if !ok || v == nil {
				out[na.Name] = nil
				continue
			}
			enc, err := na.Codec.Encode(v)
			if err != nil {
				return nil, view.ErrSerialization.New(vm.Descriptor.Name(), err.Error())
			}
			out[na.Name] = enc
		}
		return out, nil
	}
	if attr.Array {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, view.ErrSerialization.New(vm.Descriptor.Name(),
				fmt.Sprintf("attribute %q is not an array", attr.Name))
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			enc, err := encodeOne(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return encodeOne(raw)
}

func (s *Serializer) association(ctx *view.Context, vm *view.ViewModel, assoc *view.Association) (interface{}, error) {
	children, err := s.children(ctx, vm, assoc)
	if err != nil {
		return nil, err
	}

	if assoc.Referenced {
		if assoc.Cardinality == view.One {
			single, _ := children.(*view.ViewModel)
			if single == nil {
				return nil, nil
			}
			key, err := s.intern(ctx, single)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"_ref": key}, nil
		}
		list, _ := children.([]*view.ViewModel)
		out := make([]interface{}, len(list))
		for i, child := range list {
			key, err := s.intern(ctx, child)
			if err != nil {
				return nil, err
			}
			out[i] = map[string]interface{}{"_ref": key}
		}
		return out, nil
	}

	if assoc.Cardinality == view.One {
		single, _ := children.(*view.ViewModel)
		if single == nil {
			return nil, nil
		}
		return s.node(ctx, single)
	}
	list, _ := children.([]*view.ViewModel)
	out := make([]interface{}, len(list))
	for i, child := range list {
		raw, err := s.node(ctx, child)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// children resolves association members from the post-write cache when
// present, otherwise through the transaction.
func (s *Serializer) children(ctx *view.Context, vm *view.ViewModel, assoc *view.Association) (interface{}, error) {
	if cached, ok := vm.CachedAssociation(assoc.Name); ok {
		return cached, nil
	}
	return view.LoadAssociation(ctx, s.tx, s.reg, vm, assoc)
}

// intern serializes a shared node into the references table and returns
// its key. The key is assigned before the body renders, so reference
// cycles terminate.
func (s *Serializer) intern(ctx *view.Context, vm *view.ViewModel) (string, error) {
	ref := vm.Ref()
	if ref.Persisted() {
		if key, ok := s.keys[ref]; ok {
			return key, nil
		}
	}
	key := "ref:" + uuid.NewV4().String()
	if ref.Persisted() {
		s.keys[ref] = key
	}
	raw, err := s.node(ctx, vm)
	if err != nil {
		return "", err
	}
	s.refs[key] = raw
	return key, nil
}
