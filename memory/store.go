// Package memory provides an in-memory Store for tests and embedded use.
// It enforces the same save-time contract as the persistent stores:
// validation hooks, primary key uniqueness and optimistic locking.
package memory

import (
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cast"

	"github.com/recordview/go-recordview/view"
)

// ValidateFunc inspects a record before save and returns per-attribute
// messages. A non-empty result aborts the save.
type ValidateFunc func(ctx *view.Context, rec view.Record) map[string][]string

// Store is an in-memory store. Transactions are serialized under one
// mutex and run against a snapshot, so a failed transaction leaves no
// trace.
type Store struct {
	reg *view.Registry

	mu         sync.Mutex
	tables     map[view.ViewName]*table
	validators map[view.ViewName][]ValidateFunc
	stringIDs  bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStringIDs makes the store assign uuid string primary keys instead
// of an int64 sequence.
func WithStringIDs() StoreOption {
	return func(s *Store) { s.stringIDs = true }
}

// NewStore returns an empty store over the registry's views.
func NewStore(reg *view.Registry, opts ...StoreOption) *Store {
	s := &Store{
		reg:        reg,
		tables:     map[view.ViewName]*table{},
		validators: map[view.ViewName][]ValidateFunc{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate registers a save-time validation hook for a view.
func (s *Store) Validate(name view.ViewName, fn ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[name] = append(s.validators[name], fn)
}

// Transact implements view.Store.
func (s *Store) Transact(ctx *view.Context, fn func(tx view.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{store: s, tables: map[view.ViewName]*table{}}
	for name, t := range s.tables {
		tx.tables[name] = t.clone()
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.tables = tx.tables
	return nil
}

type row struct {
	id     interface{}
	fields map[string]interface{}
}

type table struct {
	rows  map[interface{}]*row
	order []interface{}
	seq   int64
}

func newTable() *table {
	return &table{rows: map[interface{}]*row{}}
}

func (t *table) clone() *table {
	cp := &table{
		rows:  make(map[interface{}]*row, len(t.rows)),
		order: append([]interface{}{}, t.order...),
		seq:   t.seq,
	}
	for id, r := range t.rows {
		fields := make(map[string]interface{}, len(r.fields))
		for k, v := range r.fields {
			fields[k] = v
		}
		cp.rows[id] = &row{id: r.id, fields: fields}
	}
	return cp
}

func (t *table) insert(id interface{}, fields map[string]interface{}) {
	t.rows[id] = &row{id: id, fields: fields}
	t.order = append(t.order, id)
}

func (t *table) remove(id interface{}) {
	delete(t.rows, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

type transaction struct {
	store  *Store
	tables map[view.ViewName]*table
}

var _ view.Tx = (*transaction)(nil)

func (tx *transaction) table(name view.ViewName) (*table, error) {
	if _, err := tx.store.reg.Lookup(name); err != nil {
		return nil, err
	}
	t, ok := tx.tables[name]
	if !ok {
		t = newTable()
		tx.tables[name] = t
	}
	return t, nil
}

// normalizeID folds the numeric types that JSON decoding and the id
// sequence produce into one map key shape.
func normalizeID(id interface{}) interface{} {
	switch n := id.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		if float64(int64(n)) == n {
			return int64(n)
		}
		return n
	default:
		return id
	}
}

func (tx *transaction) Find(ctx *view.Context, name view.ViewName, id interface{}) (view.Record, error) {
	t, err := tx.table(name)
	if err != nil {
		return nil, err
	}
	r, ok := t.rows[normalizeID(id)]
	if !ok {
		return nil, view.ErrNotFound.New(name, id)
	}
	return view.NewMapRecord(name, r.id, r.fields), nil
}

func (tx *transaction) FindAll(ctx *view.Context, name view.ViewName, ids []interface{}) ([]view.Record, error) {
	out := make([]view.Record, len(ids))
	for i, id := range ids {
		rec, err := tx.Find(ctx, name, id)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (tx *transaction) FindBy(ctx *view.Context, name view.ViewName, field string, value interface{}) ([]view.Record, error) {
	t, err := tx.table(name)
	if err != nil {
		return nil, err
	}
	var out []view.Record
	for _, id := range t.order {
		r := t.rows[id]
		if equalValue(r.fields[field], value) {
			out = append(out, view.NewMapRecord(name, r.id, r.fields))
		}
	}
	return out, nil
}

func (tx *transaction) New(ctx *view.Context, name view.ViewName, id interface{}) (view.Record, error) {
	if _, err := tx.store.reg.Lookup(name); err != nil {
		return nil, err
	}
	if id != nil {
		id = normalizeID(id)
	}
	return view.NewBlankRecord(name, id), nil
}

func (tx *transaction) Save(ctx *view.Context, rec view.Record) error {
	mr, ok := rec.(*view.MapRecord)
	if !ok {
		return view.ErrDeserialization.New(rec.View(), rec.ID(), "record does not belong to this store")
	}
	name := rec.View()
	t, err := tx.table(name)
	if err != nil {
		return err
	}
	desc, err := tx.store.reg.Lookup(name)
	if err != nil {
		return err
	}

	if invalid := tx.validate(ctx, rec); invalid != nil {
		return invalid
	}

	lock := desc.LockAttribute()
	if rec.New() {
		id := rec.ID()
		if id == nil {
			id = t.nextID(tx.store.stringIDs)
			mr.SetID(id)
		} else if _, taken := t.rows[id]; taken {
			return view.ErrRecordExists.New(name, id)
		}
		if lock != "" {
			mr.Set(lock, int64(1))
		}
		t.insert(id, mr.Fields())
		mr.MarkSaved()
		return nil
	}

	stored, ok := t.rows[rec.ID()]
	if !ok {
		return view.ErrNotFound.New(name, rec.ID())
	}
	if lock != "" {
		if !equalValue(stored.fields[lock], rec.Get(lock)) {
			return view.ErrStaleRecord.New(name, rec.ID())
		}
		next := cast.ToInt64(stored.fields[lock]) + 1
		mr.Set(lock, next)
	}
	stored.fields = mr.Fields()
	mr.MarkSaved()
	return nil
}

func (t *table) nextID(stringIDs bool) interface{} {
	if stringIDs {
		return uuid.NewV4().String()
	}
	t.seq++
	return t.seq
}

func (tx *transaction) validate(ctx *view.Context, rec view.Record) error {
	attrs := map[string][]string{}
	for _, fn := range tx.store.validators[rec.View()] {
		for attr, msgs := range fn(ctx, rec) {
			attrs[attr] = append(attrs[attr], msgs...)
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return &view.RecordInvalidError{View: rec.View(), ID: rec.ID(), Attributes: attrs}
}

func (tx *transaction) Delete(ctx *view.Context, rec view.Record) error {
	t, err := tx.table(rec.View())
	if err != nil {
		return err
	}
	if _, ok := t.rows[rec.ID()]; !ok {
		return view.ErrNotFound.New(rec.View(), rec.ID())
	}
	t.remove(rec.ID())
	return nil
}

// Destroy removes the record and cascades over its dependent
// associations.
func (tx *transaction) Destroy(ctx *view.Context, rec view.Record) error {
	if err := tx.Delete(ctx, rec); err != nil {
		return err
	}
	desc, err := tx.store.reg.Lookup(rec.View())
	if err != nil {
		return err
	}
	for _, assoc := range desc.Associations() {
		if err := tx.cascade(ctx, rec, &assoc); err != nil {
			return err
		}
	}
	return nil
}

func (tx *transaction) cascade(ctx *view.Context, rec view.Record, assoc *view.Association) error {
	if assoc.Dependent == view.DependentNone || assoc.Pointer == view.LocalPointer {
		return nil
	}
	childViews := assoc.AcceptedViews()
	if assoc.Pointer == view.ThroughPointer {
		// Joins always go with their owner; the targets stay.
		childViews = []view.ViewName{assoc.Through}
	}
	for _, childView := range childViews {
		children, err := tx.FindBy(ctx, childView, assoc.ForeignKey, rec.ID())
		if err != nil {
			return err
		}
		for _, child := range children {
			switch {
			case assoc.Pointer == view.ThroughPointer:
				if err := tx.Delete(ctx, child); err != nil {
					return err
				}
			case assoc.Dependent == view.DependentDestroy:
				if err := tx.Destroy(ctx, child); err != nil {
					return err
				}
			case assoc.Dependent == view.DependentDelete:
				if err := tx.Delete(ctx, child); err != nil {
					return err
				}
			case assoc.Dependent == view.DependentDetach:
				child.Set(assoc.ForeignKey, nil)
				if err := tx.Save(ctx, child); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// equalValue compares field values loosely enough to survive numeric
// widening between staged and stored rows.
func equalValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	as, aerr := cast.ToStringE(a)
	bs, berr := cast.ToStringE(b)
	return aerr == nil && berr == nil && as == bs
}
