package view

import "reflect"

// MapRecord is a field-map implementation of Record with dirty tracking.
// The bundled stores build on it; external stores are free to bring their
// own Record.
type MapRecord struct {
	view     ViewName
	id       interface{}
	isNew    bool
	fields   map[string]interface{}
	original map[string]interface{}
}

var _ Record = (*MapRecord)(nil)

// NewMapRecord wraps an existing row. The fields map is copied.
func NewMapRecord(view ViewName, id interface{}, fields map[string]interface{}) *MapRecord {
	return &MapRecord{
		view:     view,
		id:       id,
		fields:   copyFields(fields),
		original: copyFields(fields),
	}
}

// NewBlankRecord creates an unsaved record. A nil id means the store
// assigns one on save.
func NewBlankRecord(view ViewName, id interface{}) *MapRecord {
	return &MapRecord{
		view:   view,
		id:     id,
		isNew:  true,
		fields: map[string]interface{}{},
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}

// View implements Record.
func (r *MapRecord) View() ViewName { return r.view }

// ID implements Record.
func (r *MapRecord) ID() interface{} { return r.id }

// New implements Record.
func (r *MapRecord) New() bool { return r.isNew }

// Get implements Record.
func (r *MapRecord) Get(field string) interface{} { return r.fields[field] }

// Set implements Record.
func (r *MapRecord) Set(field string, value interface{}) { r.fields[field] = value }

// Dirty implements Record.
func (r *MapRecord) Dirty() []string {
	var dirty []string
	for k, v := range r.fields {
		ov, had := r.original[k]
		if !had || !reflect.DeepEqual(ov, v) {
			dirty = append(dirty, k)
		}
	}
	for k := range r.original {
		if _, still := r.fields[k]; !still {
			dirty = append(dirty, k)
		}
	}
	return dirty
}

// SetID assigns the generated primary key. Store use only.
func (r *MapRecord) SetID(id interface{}) { r.id = id }

// Fields returns a copy of the current field map. Store use only.
func (r *MapRecord) Fields() map[string]interface{} { return copyFields(r.fields) }

// MarkSaved resets dirty tracking after a successful save. Store use only.
func (r *MapRecord) MarkSaved() {
	r.isNew = false
	r.original = copyFields(r.fields)
}
