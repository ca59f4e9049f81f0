package view

import "fmt"

// ViewName identifies a view type. It is distinct from the name of the
// underlying record type.
type ViewName string

// Reference is the canonical address of one node: a view name plus the
// record's primary key. ID is nil for records that are not yet persisted.
type Reference struct {
	View ViewName
	ID   interface{}
}

// Persisted reports whether the reference denotes a saved record.
func (r Reference) Persisted() bool { return r.ID != nil }

func (r Reference) String() string {
	return fmt.Sprintf("%s[%v]", r.View, r.ID)
}

// Record is one row of the underlying store, addressed by view name. Field
// names are record field names (attribute aliases already applied).
type Record interface {
	// View returns the view name the record was loaded under.
	View() ViewName
	// ID returns the primary key, or nil before the first save of a record
	// with a generated key.
	ID() interface{}
	// New reports whether the record has never been saved.
	New() bool
	// Get returns the current value of a field.
	Get(field string) interface{}
	// Set stages a new value for a field.
	Set(field string, value interface{})
	// Dirty returns the names of fields changed since load, in no
	// particular order.
	Dirty() []string
}

// Tx is one store transaction. All record loads and writes of a request go
// through a single Tx; implementations may assume single-threaded use.
type Tx interface {
	// Find loads one record. It returns ErrNotFound when the id denotes no
	// record.
	Find(ctx *Context, view ViewName, id interface{}) (Record, error)
	// FindAll loads a batch of records by id, preserving input order. Every
	// id must resolve; a missing id is ErrNotFound.
	FindAll(ctx *Context, view ViewName, ids []interface{}) ([]Record, error)
	// FindBy loads all records whose field equals value.
	FindBy(ctx *Context, view ViewName, field string, value interface{}) ([]Record, error)
	// New creates an unsaved record. A non-nil id requests a caller-chosen
	// primary key; saving it fails with ErrRecordExists if the id is taken.
	New(ctx *Context, view ViewName, id interface{}) (Record, error)
	// Save persists staged changes. It returns *RecordInvalidError on
	// validation failure, ErrStaleRecord on an optimistic lock conflict and
	// ErrRecordExists on a primary key collision.
	Save(ctx *Context, rec Record) error
	// Delete removes the record without running destroy hooks.
	Delete(ctx *Context, rec Record) error
	// Destroy removes the record, running destroy hooks and dependent
	// cascades.
	Destroy(ctx *Context, rec Record) error
}

// Store opens transactions. A rolled-back transaction must leave no
// observable effect.
type Store interface {
	// Transact runs fn inside one transaction, committing when fn returns
	// nil and rolling back otherwise.
	Transact(ctx *Context, fn func(tx Tx) error) error
}

// ViewModel binds one record to its descriptor, together with a cache of
// child viewmodels populated after a write so subsequent reads see the new
// state without reloading.
type ViewModel struct {
	Descriptor *Descriptor
	Record     Record

	assocs map[string]interface{}
}

// NewViewModel wraps a record in its descriptor.
func NewViewModel(desc *Descriptor, rec Record) *ViewModel {
	return &ViewModel{Descriptor: desc, Record: rec}
}

// Ref returns the canonical address of the node.
func (v *ViewModel) Ref() Reference {
	return Reference{View: v.Descriptor.Name(), ID: v.Record.ID()}
}

// CachedAssociation returns the cached children of an association, either a
// *ViewModel or a []*ViewModel, and whether the cache holds an entry.
func (v *ViewModel) CachedAssociation(name string) (interface{}, bool) {
	val, ok := v.assocs[name]
	return val, ok
}

// CacheAssociation replaces the cached children of an association.
func (v *ViewModel) CacheAssociation(name string, value interface{}) {
	if v.assocs == nil {
		v.assocs = map[string]interface{}{}
	}
	v.assocs[name] = value
}
