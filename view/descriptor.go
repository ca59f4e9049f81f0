package view

import (
	"fmt"
)

// Cardinality of an association.
type Cardinality uint8

const (
	// One is a single-child association.
	One Cardinality = iota
	// Many is a collection association.
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "many"
	}
	return "one"
}

// PointerLocation states where the foreign key of an association lives,
// which drives pre-save versus post-save ordering.
type PointerLocation uint8

const (
	// LocalPointer means the foreign key lives on the owner record; the
	// child must be saved before the owner.
	LocalPointer PointerLocation = iota
	// RemotePointer means the foreign key lives on the child record; the
	// child is saved after the owner.
	RemotePointer
	// ThroughPointer indirects the relationship via a join record.
	ThroughPointer
)

func (p PointerLocation) String() string {
	switch p {
	case RemotePointer:
		return "remote"
	case ThroughPointer:
		return "through"
	default:
		return "local"
	}
}

// DependentPolicy states what happens to a released child that nobody
// claims by the end of the request.
type DependentPolicy uint8

const (
	// DependentNone leaves the record in place with its pointer intact.
	DependentNone DependentPolicy = iota
	// DependentDestroy destroys the record, running destroy hooks.
	DependentDestroy
	// DependentDelete deletes the record without hooks.
	DependentDelete
	// DependentDetach clears the foreign key and keeps the record.
	DependentDetach
)

// AttributeDeserializer overrides the default write of one attribute.
type AttributeDeserializer func(ctx *Context, vm *ViewModel, value interface{}) error

// Attribute describes one scalar (or array, or structured) attribute of a
// view.
type Attribute struct {
	// Name is the wire name of the attribute.
	Name string
	// Alias is the record field name when it differs from Name.
	Alias string
	// Codec converts between wire and record values.
	Codec Codec
	// ReadOnly attributes may never be changed through a view.
	ReadOnly bool
	// WriteOnce attributes are writable only while the record is new.
	WriteOnce bool
	// Array marks a JSON-array attribute of Codec elements.
	Array bool
	// Using names a nested view descriptor for structured values.
	Using ViewName
	// Deserialize, when set, replaces the default attribute write.
	Deserialize AttributeDeserializer
}

// Field returns the record field the attribute is stored under.
func (a Attribute) Field() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Name
}

// ResolverFunc replaces the default child resolution of one association,
// typically to batch-load. It receives the references that could not be
// satisfied from the parent or the release pool and must return one record
// per reference, in order.
type ResolverFunc func(ctx *Context, tx Tx, refs []Reference) ([]Record, error)

// Association describes one parent-child relationship of a view.
type Association struct {
	// Name is the wire name of the association.
	Name string
	// Cardinality is One or Many.
	Cardinality Cardinality
	// Pointer states where the foreign key lives.
	Pointer PointerLocation
	// ForeignKey is the pointer field: on the owner for LocalPointer, on
	// the child for RemotePointer, and on the join record (pointing at the
	// owner) for ThroughPointer.
	ForeignKey string
	// Target is the accepted child view for non-polymorphic associations.
	Target ViewName
	// Polymorphic lists the accepted child views; when set, Target is
	// ignored and children carry their type in Discriminator.
	Polymorphic []ViewName
	// Discriminator is the owner (or join) field recording the child type
	// of a polymorphic association.
	Discriminator string
	// Inverse is the name of the reverse association on the child, if any.
	// Reparented children cache their owner under this name.
	Inverse string
	// Dependent states the fate of released, unclaimed children.
	Dependent DependentPolicy
	// Referenced marks a shared association whose children arrive as _ref
	// keys into the references table.
	Referenced bool
	// Through names the join view for ThroughPointer associations.
	Through ViewName
	// TargetKey is the join record field pointing at the child for
	// ThroughPointer associations.
	TargetKey string
	// Resolver, when set, replaces the default deferred-load resolution.
	Resolver ResolverFunc
}

// Accepts reports whether the association may point at the named view.
func (a *Association) Accepts(name ViewName) bool {
	if len(a.Polymorphic) == 0 {
		return a.Target == name
	}
	for _, n := range a.Polymorphic {
		if n == name {
			return true
		}
	}
	return false
}

// AcceptedViews returns every view the association may point at.
func (a *Association) AcceptedViews() []ViewName {
	if len(a.Polymorphic) > 0 {
		return a.Polymorphic
	}
	return []ViewName{a.Target}
}

// RawView is the generic wire shape migrations operate on:
// { _type, _version, id?, ...attributes... }.
type RawView = map[string]interface{}

// RawReferences is the wire references side-table.
type RawReferences = map[string]RawView

// MigrationFunc transforms one raw view in place. It may read and write the
// references side-table.
type MigrationFunc func(view RawView, refs RawReferences) error

// Migration is one edge of a descriptor's version graph. A nil Up together
// with a nil Down declares an explicit "no migration needed" marker for the
// From version. A migration with an Up but no Down is one-way unless OneWay
// is set explicitly anyway.
type Migration struct {
	From   int
	To     int
	Up     MigrationFunc
	Down   MigrationFunc
	OneWay bool
}

// Noop reports whether the migration is an explicit no-op marker.
func (m Migration) Noop() bool { return m.Up == nil && m.Down == nil }

// AccessPolicy decides visibility and editability for one view type. A nil
// error permits. Policies are evaluated through the access traversal, which
// merges root-scoped results into these local checks.
type AccessPolicy interface {
	Visible(ctx *Context, vm *ViewModel) error
	Editable(ctx *Context, vm *ViewModel, ch *Changes) error
	ValidEdit(ctx *Context, vm *ViewModel, ch *Changes) error
}

// Descriptor is the immutable definition of one view type. Build one with
// a Builder and hand it to a Registry; it must not change afterwards.
type Descriptor struct {
	name          ViewName
	schemaVersion int
	root          bool
	attributes    []Attribute
	attrIndex     map[string]int
	associations  []Association
	assocIndex    map[string]int
	listAttribute string
	lockAttribute string
	policy        AccessPolicy
	migrations    []Migration
}

// Name returns the view name.
func (d *Descriptor) Name() ViewName { return d.name }

// SchemaVersion returns the current schema version.
func (d *Descriptor) SchemaVersion() int { return d.schemaVersion }

// Root reports whether the view may appear at the top level of a payload.
func (d *Descriptor) Root() bool { return d.root }

// Attributes returns the declared attributes in order.
func (d *Descriptor) Attributes() []Attribute { return d.attributes }

// Attribute looks up an attribute by wire name.
func (d *Descriptor) Attribute(name string) (Attribute, bool) {
	i, ok := d.attrIndex[name]
	if !ok {
		return Attribute{}, false
	}
	return d.attributes[i], true
}

// Associations returns the declared associations in order.
func (d *Descriptor) Associations() []Association { return d.associations }

// Association looks up an association by wire name.
func (d *Descriptor) Association(name string) (*Association, bool) {
	i, ok := d.assocIndex[name]
	if !ok {
		return nil, false
	}
	return &d.associations[i], true
}

// ListAttribute returns the record field holding the list position of this
// view inside ordered collections, or "" when the view is unordered.
func (d *Descriptor) ListAttribute() string { return d.listAttribute }

// LockAttribute returns the optimistic locking field, or "".
func (d *Descriptor) LockAttribute() string { return d.lockAttribute }

// Policy returns the access-control policy, or nil for permit-all.
func (d *Descriptor) Policy() AccessPolicy { return d.policy }

// Migrations returns the declared migrations.
func (d *Descriptor) Migrations() []Migration { return d.migrations }

// AcceptsVersion reports whether incoming trees at the given schema version
// can be parsed without migration.
func (d *Descriptor) AcceptsVersion(v int) bool { return v == d.schemaVersion }

// Builder assembles a Descriptor.
type Builder struct {
	d   Descriptor
	err error
}

// NewBuilder starts a descriptor for the named view at the given current
// schema version.
func NewBuilder(name ViewName, schemaVersion int) *Builder {
	b := &Builder{d: Descriptor{
		name:          name,
		schemaVersion: schemaVersion,
		attrIndex:     map[string]int{},
		assocIndex:    map[string]int{},
	}}
	if name == "" {
		b.fail(fmt.Errorf("view name must not be empty"))
	}
	if schemaVersion < 1 {
		b.fail(fmt.Errorf("view %s: schema version must be positive", name))
	}
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Root marks the view as independently addressable.
func (b *Builder) Root() *Builder {
	b.d.root = true
	return b
}

// List sets the record field carrying the list position of this view.
func (b *Builder) List(field string) *Builder {
	b.d.listAttribute = field
	return b
}

// Lock sets the optimistic locking field.
func (b *Builder) Lock(field string) *Builder {
	b.d.lockAttribute = field
	return b
}

// Policy sets the access-control policy.
func (b *Builder) Policy(p AccessPolicy) *Builder {
	b.d.policy = p
	return b
}

// Attribute declares an attribute.
func (b *Builder) Attribute(a Attribute) *Builder {
	if a.Name == "" {
		b.fail(fmt.Errorf("view %s: attribute name must not be empty", b.d.name))
		return b
	}
	if a.Codec == nil && a.Using == "" {
		a.Codec = JSON
	}
	if _, dup := b.d.attrIndex[a.Name]; dup {
		b.fail(fmt.Errorf("view %s: duplicate attribute %q", b.d.name, a.Name))
		return b
	}
	b.d.attrIndex[a.Name] = len(b.d.attributes)
	b.d.attributes = append(b.d.attributes, a)
	return b
}

// Association declares an association.
func (b *Builder) Association(a Association) *Builder {
	name := b.d.name
	switch {
	case a.Name == "":
		b.fail(fmt.Errorf("view %s: association name must not be empty", name))
	case a.Target == "" && len(a.Polymorphic) == 0:
		b.fail(fmt.Errorf("view %s: association %q needs a target view", name, a.Name))
	case len(a.Polymorphic) > 0 && a.Discriminator == "":
		b.fail(fmt.Errorf("view %s: polymorphic association %q needs a discriminator", name, a.Name))
	case a.ForeignKey == "":
		b.fail(fmt.Errorf("view %s: association %q needs a foreign key", name, a.Name))
	case a.Cardinality == Many && a.Pointer == LocalPointer:
		b.fail(fmt.Errorf("view %s: collection %q cannot use a local pointer", name, a.Name))
	case a.Pointer == ThroughPointer && (a.Through == "" || a.TargetKey == ""):
		b.fail(fmt.Errorf("view %s: association %q needs a join view and target key", name, a.Name))
	}
	if b.err != nil {
		return b
	}
	if _, dup := b.d.assocIndex[a.Name]; dup {
		b.fail(fmt.Errorf("view %s: duplicate association %q", name, a.Name))
		return b
	}
	b.d.assocIndex[a.Name] = len(b.d.associations)
	b.d.associations = append(b.d.associations, a)
	return b
}

// Migration declares a version-graph edge.
func (b *Builder) Migration(m Migration) *Builder {
	if m.From == m.To {
		b.fail(fmt.Errorf("view %s: migration %d -> %d is empty", b.d.name, m.From, m.To))
		return b
	}
	b.d.migrations = append(b.d.migrations, m)
	return b
}

// Include copies another descriptor's attributes, associations and
// migrations into this one, mirroring reopened-class composition.
// Duplicates by name are rejected by the usual checks.
func (b *Builder) Include(other *Descriptor) *Builder {
	for _, a := range other.attributes {
		b.Attribute(a)
	}
	for _, a := range other.associations {
		b.Association(a)
	}
	for _, m := range other.migrations {
		b.Migration(m)
	}
	return b
}

// Build finalizes the descriptor.
func (b *Builder) Build() (*Descriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := b.d
	return &d, nil
}

// MustBuild is Build, panicking on error. Intended for process
// initialization where a bad descriptor is a programming error.
func (b *Builder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
