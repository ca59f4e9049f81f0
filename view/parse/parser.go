// Package parse validates the wire shape of a write request and produces
// normalized UpdateData trees for the update planner.
package parse

import (
	"fmt"
	"math"

	"github.com/recordview/go-recordview/view"
)

// Result is a parsed write request: the root update trees plus the parsed
// references side-table.
type Result struct {
	Roots []*view.UpdateData
	Refs  map[string]*view.UpdateData
}

// Request parses a write payload. data is the decoded JSON root (object or
// array), references the decoded side-table. Every reference key must be
// used, every used key present, and no two keys may denote the same record.
func Request(ctx *view.Context, reg *view.Registry, data interface{}, references map[string]interface{}) (*Result, error) {
	span, ctx := ctx.Span("parse.Request")
	defer span.Finish()

	p := &parser{
		ctx:     ctx,
		reg:     reg,
		rawRefs: map[string]view.RawView{},
		parsed:  map[string]*view.UpdateData{},
		uses:    map[string]int{},
		parsing: map[string]bool{},
	}
	for key, raw := range references {
		rv, ok := raw.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidStructure.New(fmt.Sprintf("reference %q must be a view object", key))
		}
		p.rawRefs[key] = rv
	}

	var rawRoots []interface{}
	switch v := data.(type) {
	case map[string]interface{}:
		rawRoots = []interface{}{v}
	case []interface{}:
		rawRoots = v
	default:
		return nil, view.ErrInvalidStructure.New("payload must be a view object or an array of view objects")
	}

	result := &Result{Refs: p.parsed}
	seen := map[view.Reference]bool{}
	for _, raw := range rawRoots {
		rv, ok := raw.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidStructure.New("root must be a view object")
		}
		root, err := p.parseRoot(rv)
		if err != nil {
			return nil, err
		}
		if !root.New && root.ID != nil {
			ref := root.Ref()
			if seen[ref] {
				return nil, view.ErrDuplicateRoot.New(ref.View, ref.ID)
			}
			seen[ref] = true
		}
		result.Roots = append(result.Roots, root)
	}

	if err := p.checkReferences(); err != nil {
		return nil, err
	}
	return result, nil
}

type parser struct {
	ctx     *view.Context
	reg     *view.Registry
	rawRefs map[string]view.RawView
	parsed  map[string]*view.UpdateData
	uses    map[string]int
	parsing map[string]bool
}

// checkReferences enforces the side-table bijection: no unreferenced keys,
// no two keys denoting the same record identity.
func (p *parser) checkReferences() error {
	identities := map[view.Reference]string{}
	for key := range p.rawRefs {
		if p.uses[key] == 0 {
			return view.ErrUnusedReference.New(key)
		}
		ud := p.parsed[key]
		if ud == nil || ud.ID == nil {
			continue
		}
		ref := ud.Ref()
		if other, dup := identities[ref]; dup && other != key {
			return view.ErrDuplicateReference.New(key)
		}
		identities[ref] = key
	}
	return nil
}

func (p *parser) parseRoot(raw view.RawView) (*view.UpdateData, error) {
	typ, ok := raw["_type"].(string)
	if !ok || typ == "" {
		return nil, view.ErrInvalidStructure.New("root must declare _type")
	}
	desc, err := p.reg.Lookup(view.ViewName(typ))
	if err != nil {
		return nil, err
	}
	if !desc.Root() {
		return nil, view.ErrInvalidStructure.New(fmt.Sprintf("view %s is not a root", typ))
	}
	return p.parseNode(raw, desc)
}

// parseNode validates one view object against its descriptor and builds
// the normalized UpdateData.
func (p *parser) parseNode(raw view.RawView, desc *view.Descriptor) (*view.UpdateData, error) {
	ud := &view.UpdateData{
		Descriptor: desc,
		Attributes: map[string]interface{}{},
		Assocs:     map[string]*view.AssociationData{},
		Refs:       map[string]*view.ReferenceData{},
	}

	if rawVersion, ok := raw["_version"]; ok {
		ver, ok := intValue(rawVersion)
		if !ok {
			return nil, view.ErrInvalidStructure.New("_version must be an integer")
		}
		if !desc.AcceptsVersion(int(ver)) {
			return nil, view.ErrSchemaVersionMismatch.New(desc.Name(), ver)
		}
	}
	if rawNew, ok := raw["_new"]; ok {
		b, ok := rawNew.(bool)
		if !ok {
			return nil, view.ErrInvalidStructure.New("_new must be a boolean")
		}
		ud.New = b
	}
	if rawID, ok := raw["id"]; ok && rawID != nil {
		id, err := parseID(rawID)
		if err != nil {
			return nil, err
		}
		ud.ID = id
	}
	if ud.ID == nil {
		ud.New = true
	}

	for key, value := range raw {
		switch key {
		case "_type", "_version", "_new", "id":
			continue
		case "_ref":
			return nil, view.ErrInvalidStructure.New("_ref is mutually exclusive with all other keys")
		}
		if attr, ok := desc.Attribute(key); ok {
			decoded, err := p.parseAttribute(desc, attr, value, ud.New)
			if err != nil {
				return nil, err
			}
			ud.Attributes[key] = decoded
			continue
		}
		if assoc, ok := desc.Association(key); ok {
			if assoc.Referenced {
				rd, err := p.parseReferencedAssociation(assoc, value)
				if err != nil {
					return nil, err
				}
				ud.Refs[key] = rd
			} else {
				ad, err := p.parseOwnedAssociation(assoc, value)
				if err != nil {
					return nil, err
				}
				ud.Assocs[key] = ad
			}
			continue
		}
		return nil, view.ErrUnknownAttribute.New(key, desc.Name())
	}
	return ud, nil
}

func (p *parser) parseAttribute(desc *view.Descriptor, attr view.Attribute, value interface{}, isNew bool) (interface{}, error) {
	if attr.ReadOnly && isNew {
		return nil, view.ErrReadOnlyAttribute.New(attr.Name, desc.Name())
	}
	if attr.Array {
		if value == nil {
			return nil, nil
		}
		items, ok := value.([]interface{})
		if !ok {
			return nil, view.ErrInvalidAttributeType.New(attr.Name, desc.Name(), "array", typeName(value))
		}
		decoded := make([]interface{}, len(items))
		for i, item := range items {
			dv, err := p.decodeScalar(desc, attr, item)
			if err != nil {
				return nil, err
			}
			decoded[i] = dv
		}
		return decoded, nil
	}
	return p.decodeScalar(desc, attr, value)
}

func (p *parser) decodeScalar(desc *view.Descriptor, attr view.Attribute, value interface{}) (interface{}, error) {
	if attr.Using != "" {
		if value == nil {
			return nil, nil
		}
		nested, ok := value.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidAttributeType.New(attr.Name, desc.Name(), "object", typeName(value))
		}
		nestedDesc, err := p.reg.Lookup(attr.Using)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{}
		for k, v := range nested {
			na, ok := nestedDesc.Attribute(k)
			if !ok {
				return nil, view.ErrUnknownAttribute.New(k, nestedDesc.Name())
			}
			dv, err := p.decodeScalar(nestedDesc, na, v)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	}
	decoded, err := attr.Codec.Decode(value)
	if err != nil {
		return nil, view.ErrValidation.New(desc.Name(), fmt.Sprintf("attribute %q: %v", attr.Name, err))
	}
	return decoded, nil
}

func (p *parser) parseOwnedAssociation(assoc *view.Association, value interface{}) (*view.AssociationData, error) {
	if assoc.Cardinality == view.One {
		switch v := value.(type) {
		case nil:
			return &view.AssociationData{Null: true}, nil
		case map[string]interface{}:
			if _, isRef := v["_ref"]; isRef {
				return nil, view.ErrInvalidStructure.New(
					fmt.Sprintf("association %q does not accept references", assoc.Name))
			}
			child, err := p.parseChild(assoc, v)
			if err != nil {
				return nil, err
			}
			return &view.AssociationData{Single: child}, nil
		default:
			return nil, view.ErrInvalidStructure.New(
				fmt.Sprintf("association %q requires an object or null", assoc.Name))
		}
	}

	switch v := value.(type) {
	case []interface{}:
		children := make([]*view.UpdateData, 0, len(v))
		for _, item := range v {
			rv, ok := item.(map[string]interface{})
			if !ok {
				return nil, view.ErrInvalidStructure.New(
					fmt.Sprintf("association %q requires view objects", assoc.Name))
			}
			if _, isRef := rv["_ref"]; isRef {
				return nil, view.ErrInvalidStructure.New(
					fmt.Sprintf("association %q does not accept references", assoc.Name))
			}
			child, err := p.parseChild(assoc, rv)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &view.AssociationData{Collection: children}, nil
	case map[string]interface{}:
		if typ, _ := v["_type"].(string); typ == "_update" {
			fu, err := p.parseFunctional(assoc, v)
			if err != nil {
				return nil, err
			}
			return &view.AssociationData{Functional: fu}, nil
		}
		return nil, view.ErrInvalidStructure.New(
			fmt.Sprintf("association %q requires an array or a functional update", assoc.Name))
	default:
		return nil, view.ErrInvalidStructure.New(
			fmt.Sprintf("association %q requires an array or a functional update", assoc.Name))
	}
}

// parseChild parses an inline child view of an owned association, checking
// the child type against the association.
func (p *parser) parseChild(assoc *view.Association, raw view.RawView) (*view.UpdateData, error) {
	target := assoc.Target
	typ, hasType := raw["_type"].(string)
	if len(assoc.Polymorphic) > 0 {
		if !hasType || typ == "" {
			return nil, view.ErrInvalidStructure.New(
				fmt.Sprintf("polymorphic association %q requires _type", assoc.Name))
		}
		target = view.ViewName(typ)
	} else if hasType && view.ViewName(typ) != assoc.Target {
		return nil, view.ErrTypeMismatch.New(assoc.Name, typ)
	}
	if !assoc.Accepts(target) {
		return nil, view.ErrTypeMismatch.New(assoc.Name, target)
	}
	desc, err := p.reg.Lookup(target)
	if err != nil {
		return nil, err
	}
	return p.parseNode(raw, desc)
}

func (p *parser) parseReferencedAssociation(assoc *view.Association, value interface{}) (*view.ReferenceData, error) {
	if value == nil {
		return &view.ReferenceData{Null: true}, nil
	}
	if assoc.Cardinality == view.One {
		key, err := p.refKey(assoc, value)
		if err != nil {
			return nil, err
		}
		return &view.ReferenceData{Key: key}, nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil, view.ErrInvalidStructure.New(
			fmt.Sprintf("association %q requires an array of references", assoc.Name))
	}
	rd := &view.ReferenceData{}
	for _, item := range items {
		key, err := p.refKey(assoc, item)
		if err != nil {
			return nil, err
		}
		rd.Keys = append(rd.Keys, key)
	}
	return rd, nil
}

// refKey extracts a {_ref} placeholder, parses its side-table entry and
// type-checks it against the association.
func (p *parser) refKey(assoc *view.Association, value interface{}) (string, error) {
	rv, ok := value.(map[string]interface{})
	if !ok {
		return "", view.ErrInvalidStructure.New(
			fmt.Sprintf("association %q requires {\"_ref\": key} objects", assoc.Name))
	}
	key, ok := rv["_ref"].(string)
	if !ok || key == "" {
		return "", view.ErrInvalidStructure.New(
			fmt.Sprintf("association %q requires {\"_ref\": key} objects", assoc.Name))
	}
	if len(rv) > 1 {
		return "", view.ErrInvalidStructure.New("_ref is mutually exclusive with all other keys")
	}
	ud, err := p.resolveRef(key)
	if err != nil {
		return "", err
	}
	if !assoc.Accepts(ud.Descriptor.Name()) {
		return "", view.ErrTypeMismatch.New(assoc.Name, ud.Descriptor.Name())
	}
	return key, nil
}

// resolveRef parses a side-table entry on first use and memoizes it, so a
// record shared between multiple parents parses to a single UpdateData.
func (p *parser) resolveRef(key string) (*view.UpdateData, error) {
	if ud, ok := p.parsed[key]; ok {
		p.uses[key]++
		return ud, nil
	}
	raw, ok := p.rawRefs[key]
	if !ok {
		return nil, view.ErrUnresolvedReference.New(key)
	}
	if p.parsing[key] {
		return nil, view.ErrInvalidStructure.New(fmt.Sprintf("reference %q is cyclic", key))
	}
	p.parsing[key] = true
	defer delete(p.parsing, key)

	typ, ok := raw["_type"].(string)
	if !ok || typ == "" {
		return nil, view.ErrInvalidStructure.New(fmt.Sprintf("reference %q must declare _type", key))
	}
	desc, err := p.reg.Lookup(view.ViewName(typ))
	if err != nil {
		return nil, err
	}
	ud, err := p.parseNode(raw, desc)
	if err != nil {
		return nil, err
	}
	ud.RefKey = key
	p.parsed[key] = ud
	p.uses[key]++
	return ud, nil
}

func (p *parser) parseFunctional(assoc *view.Association, raw view.RawView) (*view.FunctionalUpdate, error) {
	rawActions, ok := raw["actions"].([]interface{})
	if !ok {
		return nil, view.ErrInvalidStructure.New("functional update requires an actions array")
	}
	fu := &view.FunctionalUpdate{}
	for _, ra := range rawActions {
		rv, ok := ra.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidStructure.New("functional actions must be objects")
		}
		typ, _ := rv["_type"].(string)
		switch typ {
		case "append":
			action := view.AppendAction{}
			values, err := p.parseActionValues(assoc, rv["values"])
			if err != nil {
				return nil, err
			}
			action.Values = values
			before, hasBefore, err := p.parseAnchor(assoc, rv, "before")
			if err != nil {
				return nil, err
			}
			after, hasAfter, err := p.parseAnchor(assoc, rv, "after")
			if err != nil {
				return nil, err
			}
			if hasBefore && hasAfter {
				return nil, view.ErrInvalidStructure.New("append accepts at most one of before and after")
			}
			action.Before, action.After = before, after
			fu.Actions = append(fu.Actions, action)
		case "remove":
			values, ok := rv["values"].([]interface{})
			if !ok {
				return nil, view.ErrInvalidStructure.New("remove requires a values array")
			}
			action := view.RemoveAction{}
			for _, item := range values {
				key, err := p.removeKey(assoc, item)
				if err != nil {
					return nil, err
				}
				action.Keys = append(action.Keys, key)
			}
			fu.Actions = append(fu.Actions, action)
		case "update":
			values, err := p.parseActionValues(assoc, rv["values"])
			if err != nil {
				return nil, err
			}
			fu.Actions = append(fu.Actions, view.UpdateAction{Values: values})
		default:
			return nil, view.ErrInvalidStructure.New(fmt.Sprintf("unknown functional action %q", typ))
		}
	}
	return fu, nil
}

// parseActionValues parses the values of an append or update action, where
// each element is either an inline view or a {_ref} placeholder.
func (p *parser) parseActionValues(assoc *view.Association, raw interface{}) ([]*view.UpdateData, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, view.ErrInvalidStructure.New("functional action requires a values array")
	}
	values := make([]*view.UpdateData, 0, len(items))
	for _, item := range items {
		rv, ok := item.(map[string]interface{})
		if !ok {
			return nil, view.ErrInvalidStructure.New("functional action values must be objects")
		}
		if _, isRef := rv["_ref"]; isRef {
			key, err := p.refKey(assoc, rv)
			if err != nil {
				return nil, err
			}
			values = append(values, p.parsed[key])
			continue
		}
		child, err := p.parseChild(assoc, rv)
		if err != nil {
			return nil, err
		}
		values = append(values, child)
	}
	return values, nil
}

func (p *parser) parseAnchor(assoc *view.Association, rv view.RawView, key string) (string, bool, error) {
	raw, ok := rv[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	anchor, err := p.refKey(assoc, raw)
	if err != nil {
		return "", false, err
	}
	return anchor, true, nil
}

func (p *parser) removeKey(assoc *view.Association, item interface{}) (string, error) {
	rv, ok := item.(map[string]interface{})
	if !ok {
		return "", view.ErrInvalidStructure.New("remove accepts only references")
	}
	if _, isRef := rv["_ref"]; !isRef {
		return "", view.ErrInvalidStructure.New("remove accepts only references")
	}
	return p.refKey(assoc, rv)
}

// parseID accepts integer and string identities.
func parseID(v interface{}) (interface{}, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return nil, view.ErrInvalidStructure.New("id must not be empty")
		}
		return id, nil
	case int:
		return int64(id), nil
	case int64:
		return id, nil
	case float64:
		if id != math.Trunc(id) {
			return nil, view.ErrInvalidStructure.New("id must be an integer or string")
		}
		return int64(id), nil
	default:
		return nil, view.ErrInvalidStructure.New("id must be an integer or string")
	}
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
