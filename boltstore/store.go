// Package boltstore persists records in a bbolt file, one bucket per
// view. It shares the save-time contract of the in-memory store:
// validation hooks, primary key uniqueness and optimistic locking.
package boltstore

import (
	"encoding/json"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/spf13/cast"

	"github.com/recordview/go-recordview/view"
)

// ValidateFunc inspects a record before save and returns per-attribute
// messages. A non-empty result aborts the save.
type ValidateFunc func(ctx *view.Context, rec view.Record) map[string][]string

// Store is a bolt-backed store.
type Store struct {
	reg *view.Registry
	db  *bolt.DB

	mu         sync.RWMutex
	validators map[view.ViewName][]ValidateFunc
}

// Open opens (creating if needed) a bolt database at path.
func Open(reg *view.Registry, path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &Store{reg: reg, db: db, validators: map[view.ViewName][]ValidateFunc{}}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Validate registers a save-time validation hook for a view.
func (s *Store) Validate(name view.ViewName, fn ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[name] = append(s.validators[name], fn)
}

// Transact implements view.Store. fn runs inside one bolt write
// transaction; returning an error rolls everything back.
func (s *Store) Transact(ctx *view.Context, fn func(tx view.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&transaction{store: s, btx: btx})
	})
}

// envelope is the stored row shape. Keeping the id inside the value
// preserves its type through the string bucket key.
type envelope struct {
	ID     interface{}            `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

type transaction struct {
	store *Store
	btx   *bolt.Tx
}

var _ view.Tx = (*transaction)(nil)

func (tx *transaction) bucket(name view.ViewName) (*bolt.Bucket, error) {
	if _, err := tx.store.reg.Lookup(name); err != nil {
		return nil, err
	}
	return tx.btx.CreateBucketIfNotExists([]byte(name))
}

// normalizeID folds JSON numerics back into int64 so ids compare stably
// across store round trips.
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

func idKey(id interface{}) []byte {
	return []byte(cast.ToString(normalizeID(id)))
}

func decodeRow(name view.ViewName, raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, view.ErrDeserialization.New(name, nil, err.Error())
	}
	env.ID = normalizeID(env.ID)
	return &env, nil
}

func (tx *transaction) Find(ctx *view.Context, name view.ViewName, id interface{}) (view.Record, error) {
	b, err := tx.bucket(name)
	if err != nil {
		return nil, err
	}
	raw := b.Get(idKey(id))
	if raw == nil {
		return nil, view.ErrNotFound.New(name, id)
	}
	env, err := decodeRow(name, raw)
	if err != nil {
		return nil, err
	}
	return view.NewMapRecord(name, env.ID, env.Fields), nil
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
	b, err := tx.bucket(name)
	if err != nil {
		return nil, err
	}
	var out []view.Record
	err = b.ForEach(func(_, raw []byte) error {
		env, err := decodeRow(name, raw)
		if err != nil {
			return err
		}
		if equalValue(env.Fields[field], value) {
			out = append(out, view.NewMapRecord(name, env.ID, env.Fields))
		}
		return nil
	})
	if err != nil {
		return nil, err
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
	b, err := tx.bucket(name)
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
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			id = int64(seq)
			mr.SetID(id)
		} else if b.Get(idKey(id)) != nil {
			return view.ErrRecordExists.New(name, id)
		}
		if lock != "" {
			mr.Set(lock, int64(1))
		}
		if err := tx.put(b, name, id, mr); err != nil {
			return err
		}
		mr.MarkSaved()
		return nil
	}

	raw := b.Get(idKey(rec.ID()))
	if raw == nil {
		return view.ErrNotFound.New(name, rec.ID())
	}
	if lock != "" {
		stored, err := decodeRow(name, raw)
		if err != nil {
			return err
		}
		if !equalValue(stored.Fields[lock], rec.Get(lock)) {
			return view.ErrStaleRecord.New(name, rec.ID())
		}
		mr.Set(lock, cast.ToInt64(stored.Fields[lock])+1)
	}
	if err := tx.put(b, name, rec.ID(), mr); err != nil {
		return err
	}
	mr.MarkSaved()
	return nil
}

func (tx *transaction) put(b *bolt.Bucket, name view.ViewName, id interface{}, mr *view.MapRecord) error {
	raw, err := json.Marshal(envelope{ID: id, Fields: mr.Fields()})
	if err != nil {
		return view.ErrDeserialization.New(name, id, err.Error())
	}
	return b.Put(idKey(id), raw)
}

func (tx *transaction) validate(ctx *view.Context, rec view.Record) error {
	tx.store.mu.RLock()
	validators := tx.store.validators[rec.View()]
	tx.store.mu.RUnlock()

	attrs := map[string][]string{}
	for _, fn := range validators {
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
	b, err := tx.bucket(rec.View())
	if err != nil {
		return err
	}
	key := idKey(rec.ID())
	if b.Get(key) == nil {
		return view.ErrNotFound.New(rec.View(), rec.ID())
	}
	return b.Delete(key)
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
