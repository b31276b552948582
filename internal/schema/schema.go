// Package schema defines the metadata surface the producer consumes: entity
// types with declared properties, primary keys, unique-key groups and
// navigation properties carrying association multiplicity. The declarative
// definitions themselves come from an external provider; this package
// specifies the interface and ships an in-memory registry.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PropertyType enumerates the declared property value types.
type PropertyType int

const (
	TypeString PropertyType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDecimal
	TypeDateTime
)

// Property is one declared (static) property of an entity type.
type Property struct {
	Name     string
	Type     PropertyType
	Nullable bool
}

// Multiplicity of one association end.
type Multiplicity int

const (
	MultiplicityOne Multiplicity = iota
	MultiplicityZeroOne
	MultiplicityMany
)

func (m Multiplicity) String() string {
	switch m {
	case MultiplicityOne:
		return "1"
	case MultiplicityZeroOne:
		return "0..1"
	default:
		return "*"
	}
}

// Singular reports whether the end admits at most one entity.
func (m Multiplicity) Singular() bool { return m != MultiplicityMany }

// LinkType classifies an association by the multiplicities of its two ends,
// viewed from the source side.
type LinkType int

const (
	LinkTypeOneToOne LinkType = iota
	LinkTypeOneToMany
	LinkTypeManyToOne
	LinkTypeManyToMany
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeOneToOne:
		return "oneToOne"
	case LinkTypeOneToMany:
		return "oneToMany"
	case LinkTypeManyToOne:
		return "manyToOne"
	default:
		return "manyToMany"
	}
}

// Classify maps the (source, target) end multiplicities onto the four link
// shapes.
func Classify(source, target Multiplicity) LinkType {
	switch {
	case source.Singular() && target.Singular():
		return LinkTypeOneToOne
	case source.Singular():
		return LinkTypeOneToMany
	case target.Singular():
		return LinkTypeManyToOne
	default:
		return LinkTypeManyToMany
	}
}

// NavigationProperty is a named association endpoint declared on an entity
// type. SourceMultiplicity is the multiplicity of the declaring end,
// TargetMultiplicity that of the opposite end.
type NavigationProperty struct {
	Name               string
	Target             string
	SourceMultiplicity Multiplicity
	TargetMultiplicity Multiplicity
}

// LinkType returns the shape of the association viewed from the declaring
// type.
func (np NavigationProperty) LinkType() LinkType {
	return Classify(np.SourceMultiplicity, np.TargetMultiplicity)
}

// EntityType is the declared schema for one entity set.
type EntityType struct {
	Name       string
	Properties []Property
	// Keys lists the primary-key property names. A name of the form
	// "_Target.Prop" is a navigation-target key segment resolved by
	// searching the related entity type instead of matching a literal.
	Keys []string
	// UniqueKeys lists declared unique-key groups; each group is a set of
	// property names that must be collectively unique within the scope.
	UniqueKeys [][]string
	// NavigationProperties declared on this type, keyed lookup via NavProp.
	NavigationProperties []NavigationProperty
	// NameProperty is the property used for deterministic listing order of
	// the many side; defaults to "Name" when declared.
	NameProperty string
}

// Property returns the declared property with the given name.
func (et *EntityType) Property(name string) (Property, bool) {
	for _, p := range et.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// NavProp returns the navigation property with the given name.
func (et *EntityType) NavProp(name string) (NavigationProperty, bool) {
	for _, np := range et.NavigationProperties {
		if np.Name == name {
			return np, true
		}
	}
	return NavigationProperty{}, false
}

// SortNameProperty resolves the property used for stable list ordering.
func (et *EntityType) SortNameProperty() string {
	if et.NameProperty != "" {
		return et.NameProperty
	}
	if _, ok := et.Property("Name"); ok {
		return "Name"
	}
	return ""
}

// Provider exposes entity-type metadata to the producer.
type Provider interface {
	EntityType(name string) (*EntityType, bool)
}

// Registry is the in-memory Provider implementation.
type Registry struct {
	types map[string]*EntityType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]*EntityType{}}
}

// Register adds an entity type. Registering the same name twice is an
// error.
func (r *Registry) Register(et *EntityType) error {
	if et == nil || et.Name == "" {
		return fmt.Errorf("schema: entity type name is required")
	}
	if _, exists := r.types[et.Name]; exists {
		return fmt.Errorf("schema: entity type '%s' is already registered", et.Name)
	}
	r.types[et.Name] = et
	return nil
}

func (r *Registry) EntityType(name string) (*EntityType, bool) {
	et, ok := r.types[name]
	return et, ok
}

// NTKPMarker prefixes key segments that reference a related entity type.
const NTKPMarker = "_"

// IsNTKP reports whether a key property name is a navigation-target key
// segment ("_Target.Prop") rather than a literal property.
func IsNTKP(name string) bool {
	return strings.HasPrefix(name, NTKPMarker) && strings.Contains(name, ".")
}

// SplitNTKP splits "_Target.Rest" into the target entity-type name and the
// remaining path. Rest may itself be an NTKP expression one hop further
// ("_EntityType._Box.Name").
func SplitNTKP(name string) (targetType, rest string, ok bool) {
	if !IsNTKP(name) {
		return "", "", false
	}
	trimmed := strings.TrimPrefix(name, NTKPMarker)
	idx := strings.Index(trimmed, ".")
	if idx <= 0 || idx == len(trimmed)-1 {
		return "", "", false
	}
	return trimmed[:idx], trimmed[idx+1:], true
}

// NormalizeValue renders a property value into its canonical string form so
// keys built from differently typed but equal values compare equal, and
// distinct values cannot collide.
func NormalizeValue(t PropertyType, v interface{}) string {
	if v == nil {
		return "null"
	}
	switch t {
	case TypeDecimal:
		if d, err := toDecimal(v); err == nil {
			return d.String()
		}
	case TypeDateTime:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	case TypeInt, TypeFloat:
		if d, err := toDecimal(v); err == nil {
			return d.String()
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			if b {
				return "true"
			}
			return "false"
		}
	}
	return fmt.Sprintf("%v", v)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int32:
		return decimal.NewFromInt32(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	}
	return decimal.Decimal{}, fmt.Errorf("schema: value %v is not numeric", v)
}
