package view

// UpdateData is the normalized write request for a single node, produced by
// the parser and consumed by the update planner. Attribute values are
// already decoded by their codecs.
type UpdateData struct {
	// Descriptor of the node's view type.
	Descriptor *Descriptor
	// ID is the record identity, or nil for new records.
	ID interface{}
	// New forces new-record semantics even when ID is set.
	New bool
	// Attributes maps wire attribute names to decoded values.
	Attributes map[string]interface{}
	// Assocs maps owned association names to their updates.
	Assocs map[string]*AssociationData
	// Refs maps referenced association names to side-table keys.
	Refs map[string]*ReferenceData
	// RefKey is the side-table key this node was parsed under, or "".
	RefKey string
}

// Ref returns the canonical address of the node.
func (u *UpdateData) Ref() Reference {
	return Reference{View: u.Descriptor.Name(), ID: u.ID}
}

// HasAttribute reports whether the request carries the attribute.
func (u *UpdateData) HasAttribute(name string) bool {
	_, ok := u.Attributes[name]
	return ok
}

// AssociationData is the update of one owned association.
type AssociationData struct {
	// Null is set when the association was explicitly cleared.
	Null bool
	// Single is the new child of a cardinality-one association.
	Single *UpdateData
	// Collection is the authoritative ordered list for replace semantics.
	Collection []*UpdateData
	// Functional, when set, edits the existing collection instead of
	// replacing it.
	Functional *FunctionalUpdate
}

// ReferenceData is the update of one referenced association: side-table
// keys instead of inline children.
type ReferenceData struct {
	// Null is set when the association was explicitly cleared.
	Null bool
	// Key is the side-table key of a cardinality-one association.
	Key string
	// Keys are the ordered side-table keys of a collection.
	Keys []string
}

// FunctionalUpdate is an ordered sequence of edit actions over an existing
// collection.
type FunctionalUpdate struct {
	Actions []FunctionalAction
}

// FunctionalAction is one of AppendAction, RemoveAction or UpdateAction.
type FunctionalAction interface {
	functionalAction()
}

// AppendAction inserts values into the collection, by default at the end,
// or anchored before/after an existing element.
type AppendAction struct {
	Values []*UpdateData
	// Before and After are side-table keys anchoring the insertion point.
	// At most one is set.
	Before string
	After  string
}

func (AppendAction) functionalAction() {}

// RemoveAction removes elements, addressed by side-table keys only.
type RemoveAction struct {
	Keys []string
}

func (RemoveAction) functionalAction() {}

// UpdateAction edits elements already present in the collection.
type UpdateAction struct {
	Values []*UpdateData
}

func (UpdateAction) functionalAction() {}
