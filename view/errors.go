package view

import (
	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrUnknownView is returned when a view name is not present in the
	// registry.
	ErrUnknownView = errors.NewKind("unknown view: %s")

	// ErrDuplicateView is returned when a view name is registered twice.
	ErrDuplicateView = errors.NewKind("view already registered: %s")

	// ErrSchemaVersionMismatch is returned when a client submits a schema
	// version the descriptor does not accept and no migration applies.
	ErrSchemaVersionMismatch = errors.NewKind("view %s does not accept schema version %d")

	// ErrNoMigrationPath is returned when the migration graph has no route
	// between the two versions.
	ErrNoMigrationPath = errors.NewKind("view %s has no migration path from version %d to %d")

	// ErrMigrationsIncomplete is returned when a client version is covered by
	// neither a migration nor an explicit no-op marker.
	ErrMigrationsIncomplete = errors.NewKind("view %s has no migrations covering version %d")

	// ErrOneWayMigration is returned when a requested back-path crosses a
	// migration with no down transform.
	ErrOneWayMigration = errors.NewKind("view %s migration %d -> %d is one-way")

	// ErrUnknownAttribute is returned for keys not declared on the descriptor.
	ErrUnknownAttribute = errors.NewKind("unknown attribute %q on view %s")

	// ErrInvalidAttributeType is returned when a wire value has the wrong
	// shape for its attribute.
	ErrInvalidAttributeType = errors.NewKind("attribute %q on view %s expects %s, got %s")

	// ErrReadOnlyAttribute is returned when a write would change a read-only
	// or write-once attribute.
	ErrReadOnlyAttribute = errors.NewKind("attribute %q on view %s is read only")

	// ErrValidation is returned when a record fails validation on save, or an
	// attribute codec rejects a value.
	ErrValidation = errors.NewKind("validation failed for view %s: %s")

	// ErrInvalidStructure is returned for malformed wire payloads.
	ErrInvalidStructure = errors.NewKind("invalid structure: %s")

	// ErrDuplicateRoot is returned when two roots in one request denote the
	// same record, or a forced-new id already exists.
	ErrDuplicateRoot = errors.NewKind("duplicate root %s with id %v")

	// ErrDuplicateReference is returned when a reference key is used more
	// than once, or two keys denote the same record.
	ErrDuplicateReference = errors.NewKind("reference %q used more than once")

	// ErrUnresolvedReference is returned when a _ref key is absent from the
	// references table.
	ErrUnresolvedReference = errors.NewKind("reference %q not present in references table")

	// ErrUnusedReference is returned when a references table entry is never
	// reached from any root.
	ErrUnusedReference = errors.NewKind("reference %q is never used")

	// ErrNotFound is returned when an id denotes no record, an append anchor
	// is not in the collection, or a functional update targets a missing
	// element.
	ErrNotFound = errors.NewKind("%s with id %v not found")

	// ErrTypeMismatch is returned when a reference resolves to a view the
	// association does not accept.
	ErrTypeMismatch = errors.NewKind("association %q does not accept view %s")

	// ErrVisibility is returned when access control denies reading a node.
	ErrVisibility = errors.NewKind("view %s with id %v is not visible: %s")

	// ErrEditability is returned when access control denies changing a node.
	ErrEditability = errors.NewKind("view %s with id %v is not editable: %s")

	// ErrLockFailure is returned when an optimistic lock conflict aborts the
	// request.
	ErrLockFailure = errors.NewKind("view %s with id %v was updated concurrently")

	// ErrCycle is returned when local-pointer relationships form a cycle.
	ErrCycle = errors.NewKind("dependency cycle through view %s with id %v")

	// ErrDeserialization wraps store failures that have no finer kind.
	ErrDeserialization = errors.NewKind("could not save view %s with id %v: %s")

	// ErrSerialization is returned for read-path failures.
	ErrSerialization = errors.NewKind("could not serialize view %s: %s")

	// ErrSerializationPermissions is returned when access control denies a
	// node on the read path.
	ErrSerializationPermissions = errors.NewKind("view %s with id %v may not be serialized: %s")

	// ErrStaleRecord is the storage-level optimistic lock error. Stores
	// return it from Save; the executor surfaces it as ErrLockFailure.
	ErrStaleRecord = errors.NewKind("record %s with id %v is stale")

	// ErrRecordExists is the storage-level uniqueness error for inserting a
	// record under a taken id.
	ErrRecordExists = errors.NewKind("record %s with id %v already exists")
)

// RecordInvalidError is the storage-level validation failure, carrying
// per-attribute messages. The executor translates it to ErrValidation and
// copies Attributes into the error envelope meta.
type RecordInvalidError struct {
	View       ViewName
	ID         interface{}
	Attributes map[string][]string
}

func (e *RecordInvalidError) Error() string {
	return ErrValidation.New(e.View, "record invalid").Error()
}

// NodeRef blames a specific node in an error envelope.
type NodeRef struct {
	Type ViewName    `json:"type"`
	ID   interface{} `json:"id"`
}

// WireError is the §6 error envelope: an HTTP-equivalent status, a stable
// code independent of the implementation, a human detail, machine-readable
// meta and the blamed nodes.
type WireError struct {
	Status int                    `json:"status"`
	Code   string                 `json:"code"`
	Detail string                 `json:"detail"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Nodes  []NodeRef              `json:"nodes,omitempty"`

	cause error
}

func (e *WireError) Error() string { return e.Detail }

// Unwrap exposes the classified cause so errors.Is / kind checks keep
// working through the envelope.
func (e *WireError) Unwrap() error { return e.cause }

// Cause implements the causer interface of the error-kind library.
func (e *WireError) Cause() error { return e.cause }

// WithNode appends a blamed node and returns the error for chaining.
func (e *WireError) WithNode(view ViewName, id interface{}) *WireError {
	e.Nodes = append(e.Nodes, NodeRef{Type: view, ID: id})
	return e
}

// WithMeta sets one meta field and returns the error for chaining.
func (e *WireError) WithMeta(key string, value interface{}) *WireError {
	if e.Meta == nil {
		e.Meta = map[string]interface{}{}
	}
	e.Meta[key] = value
	return e
}

// errorCode maps an error kind to its stable wire code and status.
type errorCode struct {
	kind   *errors.Kind
	code   string
	status int
}

var errorCodes = []errorCode{
	{ErrUnknownView, "Registry.UnknownView", 404},
	{ErrDuplicateView, "Registry.DuplicateView", 500},
	{ErrSchemaVersionMismatch, "Migration.SchemaVersionMismatch", 400},
	{ErrNoMigrationPath, "Migration.NoPath", 400},
	{ErrMigrationsIncomplete, "Migration.MigrationsIncomplete", 500},
	{ErrOneWayMigration, "Migration.OneWay", 400},
	{ErrUnknownAttribute, "DeserializationError.UnknownAttribute", 400},
	{ErrInvalidAttributeType, "DeserializationError.InvalidAttributeType", 400},
	{ErrReadOnlyAttribute, "DeserializationError.ReadOnlyAttribute", 400},
	{ErrValidation, "DeserializationError.Validation", 400},
	{ErrInvalidStructure, "DeserializationError.InvalidStructure", 400},
	{ErrDuplicateRoot, "DeserializationError.DuplicateRoot", 400},
	{ErrDuplicateReference, "DeserializationError.DuplicateReference", 400},
	{ErrUnresolvedReference, "DeserializationError.UnresolvedReference", 400},
	{ErrUnusedReference, "DeserializationError.UnusedReference", 400},
	{ErrNotFound, "DeserializationError.NotFound", 400},
	{ErrTypeMismatch, "DeserializationError.TypeMismatch", 400},
	{ErrVisibility, "Permissions.Visibility", 403},
	{ErrEditability, "Permissions.Editability", 403},
	{ErrLockFailure, "DeserializationError.LockFailure", 409},
	{ErrStaleRecord, "DeserializationError.LockFailure", 409},
	{ErrCycle, "DeserializationError.Cycle", 400},
	{ErrSerializationPermissions, "SerializationError.Permissions", 403},
	{ErrSerialization, "SerializationError", 500},
	{ErrDeserialization, "DeserializationError", 400},
}

// AsWireError classifies any error into a WireError. Errors that already
// carry an envelope pass through; known kinds get their stable code; the
// rest become a generic DeserializationError with status 500.
func AsWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		return we
	}
	if ri, ok := err.(*RecordInvalidError); ok {
		we := &WireError{
			Status: 400,
			Code:   "DeserializationError.Validation",
			Detail: ri.Error(),
			cause:  ri,
		}
		we.WithMeta("attributes", ri.Attributes)
		we.WithNode(ri.View, ri.ID)
		return we
	}
	for _, ec := range errorCodes {
		if ec.kind.Is(err) {
			return &WireError{
				Status: ec.status,
				Code:   ec.code,
				Detail: err.Error(),
				cause:  err,
			}
		}
	}
	return &WireError{
		Status: 500,
		Code:   "DeserializationError",
		Detail: err.Error(),
		cause:  err,
	}
}
