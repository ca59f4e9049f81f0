package view

import (
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

// Config is the YAML shape of a set of view descriptors. Codecs are named;
// access-control policies, migrations and other code-valued settings are
// attached through Hooks at registration.
type Config struct {
	Views []ViewConfig `yaml:"views"`
}

// ViewConfig configures one descriptor.
type ViewConfig struct {
	Name          string              `yaml:"view_name"`
	SchemaVersion int                 `yaml:"schema_version"`
	Root          bool                `yaml:"root"`
	ListAttribute string              `yaml:"list_attribute,omitempty"`
	LockAttribute string              `yaml:"lock_attribute,omitempty"`
	Attributes    []AttributeConfig   `yaml:"attributes"`
	Associations  []AssociationConfig `yaml:"associations,omitempty"`
}

// AttributeConfig configures one attribute.
type AttributeConfig struct {
	Name      string `yaml:"name"`
	Alias     string `yaml:"alias,omitempty"`
	Codec     string `yaml:"codec"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`
	WriteOnce bool   `yaml:"write_once,omitempty"`
	Array     bool   `yaml:"array,omitempty"`
	Using     string `yaml:"using,omitempty"`
}

// AssociationConfig configures one association.
type AssociationConfig struct {
	Name          string   `yaml:"name"`
	Cardinality   string   `yaml:"cardinality"`
	Pointer       string   `yaml:"pointer_location"`
	ForeignKey    string   `yaml:"foreign_key"`
	Target        string   `yaml:"target,omitempty"`
	Polymorphic   []string `yaml:"polymorphic,omitempty"`
	Discriminator string   `yaml:"discriminator,omitempty"`
	Inverse       string   `yaml:"inverse,omitempty"`
	Dependent     string   `yaml:"dependent,omitempty"`
	Referenced    bool     `yaml:"referenced,omitempty"`
	Through       string   `yaml:"through,omitempty"`
	TargetKey     string   `yaml:"target_key,omitempty"`
}

// Hooks carries the code-valued parts of one descriptor that YAML cannot
// express.
type Hooks struct {
	Policy       AccessPolicy
	Migrations   []Migration
	Resolvers    map[string]ResolverFunc
	Deserializer map[string]AttributeDeserializer
}

// LoadConfig reads a YAML config document.
func LoadConfig(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("view: reading config: %v", err)
	}
	return &c, nil
}

// Register builds descriptors from the config and registers them. Hooks are
// keyed by view name; a hook for an unknown view is an error.
func (c *Config) Register(reg *Registry, hooks map[ViewName]Hooks) error {
	known := map[ViewName]bool{}
	for _, vc := range c.Views {
		known[ViewName(vc.Name)] = true
	}
	for name := range hooks {
		if !known[name] {
			return fmt.Errorf("view: hooks for unconfigured view %s", name)
		}
	}
	for _, vc := range c.Views {
		d, err := vc.build(hooks[ViewName(vc.Name)])
		if err != nil {
			return err
		}
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (vc ViewConfig) build(h Hooks) (*Descriptor, error) {
	b := NewBuilder(ViewName(vc.Name), vc.SchemaVersion)
	if vc.Root {
		b.Root()
	}
	if vc.ListAttribute != "" {
		b.List(vc.ListAttribute)
	}
	if vc.LockAttribute != "" {
		b.Lock(vc.LockAttribute)
	}
	for _, ac := range vc.Attributes {
		a := Attribute{
			Name:      ac.Name,
			Alias:     ac.Alias,
			ReadOnly:  ac.ReadOnly,
			WriteOnce: ac.WriteOnce,
			Array:     ac.Array,
			Using:     ViewName(ac.Using),
		}
		if ac.Codec != "" {
			codec, ok := LookupCodec(ac.Codec)
			if !ok {
				return nil, fmt.Errorf("view %s: unknown codec %q for attribute %q", vc.Name, ac.Codec, ac.Name)
			}
			a.Codec = codec
		}
		if ds, ok := h.Deserializer[ac.Name]; ok {
			a.Deserialize = ds
		}
		b.Attribute(a)
	}
	for _, sc := range vc.Associations {
		a := Association{
			Name:          sc.Name,
			ForeignKey:    sc.ForeignKey,
			Target:        ViewName(sc.Target),
			Discriminator: sc.Discriminator,
			Inverse:       sc.Inverse,
			Referenced:    sc.Referenced,
			Through:       ViewName(sc.Through),
			TargetKey:     sc.TargetKey,
		}
		for _, p := range sc.Polymorphic {
			a.Polymorphic = append(a.Polymorphic, ViewName(p))
		}
		switch sc.Cardinality {
		case "", "one":
			a.Cardinality = One
		case "many":
			a.Cardinality = Many
		default:
			return nil, fmt.Errorf("view %s: association %q: bad cardinality %q", vc.Name, sc.Name, sc.Cardinality)
		}
		switch sc.Pointer {
		case "", "local":
			a.Pointer = LocalPointer
		case "remote":
			a.Pointer = RemotePointer
		case "through":
			a.Pointer = ThroughPointer
		default:
			return nil, fmt.Errorf("view %s: association %q: bad pointer location %q", vc.Name, sc.Name, sc.Pointer)
		}
		switch sc.Dependent {
		case "", "none":
			a.Dependent = DependentNone
		case "destroy":
			a.Dependent = DependentDestroy
		case "delete":
			a.Dependent = DependentDelete
		case "detach":
			a.Dependent = DependentDetach
		default:
			return nil, fmt.Errorf("view %s: association %q: bad dependent policy %q", vc.Name, sc.Name, sc.Dependent)
		}
		if res, ok := h.Resolvers[sc.Name]; ok {
			a.Resolver = res
		}
		b.Association(a)
	}
	if h.Policy != nil {
		b.Policy(h.Policy)
	}
	for _, m := range h.Migrations {
		b.Migration(m)
	}
	return b.Build()
}
