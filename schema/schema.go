// Package schema defines the classes and properties stored by a strata
// database, validates values against them, and compares schemas to determine
// whether a stored file must be migrated.
package schema

import (
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.strata.dev/core/value"
	"gopkg.in/yaml.v2"
)

// PropertyType is the scalar type of a property, or of the elements of a
// collection property.
type PropertyType int

const (
	TypeBool PropertyType = iota + 1
	TypeInt
	TypeDouble
	TypeString
	TypeBinary
	TypeTimestamp
	TypeUUID
	// TypeObject properties link to objects of Property.ObjectClass.
	TypeObject
)

var typeNames = map[PropertyType]string{
	TypeBool:      "bool",
	TypeInt:       "int",
	TypeDouble:    "double",
	TypeString:    "string",
	TypeBinary:    "binary",
	TypeTimestamp: "timestamp",
	TypeUUID:      "uuid",
	TypeObject:    "object",
}

func (t PropertyType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "invalid"
}

// MarshalText implements encoding.TextMarshaler.
func (t PropertyType) MarshalText() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, errors.Errorf("invalid property type %d", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PropertyType) UnmarshalText(b []byte) error {
	for k, s := range typeNames {
		if s == string(b) {
			*t = k
			return nil
		}
	}
	return errors.Errorf("unknown property type %q", b)
}

// kind is the value.Kind of scalar values of the PropertyType.
func (t PropertyType) kind() value.Kind {
	switch t {
	case TypeBool:
		return value.KindBool
	case TypeInt:
		return value.KindInt
	case TypeDouble:
		return value.KindDouble
	case TypeString:
		return value.KindString
	case TypeBinary:
		return value.KindBinary
	case TypeTimestamp:
		return value.KindTimestamp
	case TypeUUID:
		return value.KindUUID
	case TypeObject:
		return value.KindLink
	}
	return value.KindNull
}

// CollectionType of a property. The zero value is a single-valued property.
type CollectionType int

const (
	CollectionNone CollectionType = iota
	CollectionList
	CollectionSet
	CollectionDictionary
)

var collectionNames = map[CollectionType]string{
	CollectionNone:       "",
	CollectionList:       "list",
	CollectionSet:        "set",
	CollectionDictionary: "dictionary",
}

func (c CollectionType) String() string { return collectionNames[c] }

// MarshalText implements encoding.TextMarshaler.
func (c CollectionType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CollectionType) UnmarshalText(b []byte) error {
	for k, s := range collectionNames {
		if s == string(b) {
			*c = k
			return nil
		}
	}
	return errors.Errorf("unknown collection type %q", b)
}

// Property of a Class.
type Property struct {
	Name       string         `json:"name" yaml:"name"`
	Type       PropertyType   `json:"type" yaml:"type"`
	Collection CollectionType `json:"collection,omitempty" yaml:"collection,omitempty"`
	// Optional properties may be null. Collection properties are never null,
	// and Optional instead applies to their elements.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// ObjectClass is the target Class of a TypeObject property.
	ObjectClass string `json:"objectClass,omitempty" yaml:"objectClass,omitempty"`
	Indexed     bool   `json:"indexed,omitempty" yaml:"indexed,omitempty"`
}

// Class is a named type of stored object.
type Class struct {
	Name       string     `json:"name" yaml:"name"`
	PrimaryKey string     `json:"primaryKey,omitempty" yaml:"primaryKey,omitempty"`
	Embedded   bool       `json:"embedded,omitempty" yaml:"embedded,omitempty"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Schema is an ordered set of Classes, and the version of their shape.
type Schema struct {
	Version uint64  `json:"version" yaml:"version"`
	Classes []Class `json:"classes" yaml:"classes"`
}

// Class returns the named Class.
func (s *Schema) Class(name string) (*Class, bool) {
	for i := range s.Classes {
		if s.Classes[i].Name == name {
			return &s.Classes[i], true
		}
	}
	return nil, false
}

// MustClass returns the named Class, or an error if it's not in the Schema.
func (s *Schema) MustClass(name string) (*Class, error) {
	if c, ok := s.Class(name); ok {
		return c, nil
	}
	return nil, errors.Errorf("class %q is not part of the schema", name)
}

// ClassNames returns the names of Classes, in order.
func (s *Schema) ClassNames() []string {
	var out = make([]string, len(s.Classes))
	for i, c := range s.Classes {
		out[i] = c.Name
	}
	return out
}

// Property returns the named Property of the Class.
func (c *Class) Property(name string) (*Property, bool) {
	for i := range c.Properties {
		if c.Properties[i].Name == name {
			return &c.Properties[i], true
		}
	}
	return nil, false
}

// MustProperty returns the named Property, or an error if it's not defined.
func (c *Class) MustProperty(name string) (*Property, error) {
	if p, ok := c.Property(name); ok {
		return p, nil
	}
	return nil, errors.Errorf("class %q has no property %q", c.Name, name)
}

// PrimaryKeyProperty returns the primary key Property, if the Class has one.
func (c *Class) PrimaryKeyProperty() (*Property, bool) {
	if c.PrimaryKey == "" {
		return nil, false
	}
	return c.Property(c.PrimaryKey)
}

// Validate returns an error if the Schema is not well-formed.
func (s *Schema) Validate() error {
	var seen = make(map[string]bool)

	for _, c := range s.Classes {
		if c.Name == "" {
			return errors.New("class name is empty")
		} else if strings.ContainsAny(c.Name, ". ") {
			return errors.Errorf("class name %q may not contain '.' or spaces", c.Name)
		} else if seen[c.Name] {
			return errors.Errorf("class %q is defined more than once", c.Name)
		}
		seen[c.Name] = true

		if err := s.validateClass(&c); err != nil {
			return errors.WithMessagef(err, "class %q", c.Name)
		}
	}
	return nil
}

func (s *Schema) validateClass(c *Class) error {
	var seen = make(map[string]bool)

	for _, p := range c.Properties {
		if p.Name == "" {
			return errors.New("property name is empty")
		} else if strings.ContainsAny(p.Name, ". ") {
			return errors.Errorf("property name %q may not contain '.' or spaces", p.Name)
		} else if seen[p.Name] {
			return errors.Errorf("property %q is defined more than once", p.Name)
		}
		seen[p.Name] = true

		if _, ok := typeNames[p.Type]; !ok {
			return errors.Errorf("property %q has invalid type %d", p.Name, p.Type)
		}
		if p.Type != TypeObject {
			if p.ObjectClass != "" {
				return errors.Errorf("property %q of type %s may not have an objectClass", p.Name, p.Type)
			}
			continue
		}
		var target, ok = s.Class(p.ObjectClass)
		if !ok {
			return errors.Errorf("property %q links to unknown class %q", p.Name, p.ObjectClass)
		} else if p.Collection == CollectionNone && !p.Optional {
			return errors.Errorf("object property %q must be optional", p.Name)
		} else if p.Collection == CollectionList && p.Optional {
			return errors.Errorf("list of objects %q may not have optional elements", p.Name)
		} else if p.Collection == CollectionSet && target.Embedded {
			return errors.Errorf("set %q may not contain embedded objects", p.Name)
		}
	}

	if c.PrimaryKey == "" {
		return nil
	} else if c.Embedded {
		return errors.New("embedded classes may not have a primary key")
	}
	var pk, ok = c.Property(c.PrimaryKey)
	if !ok {
		return errors.Errorf("primary key %q is not a property", c.PrimaryKey)
	} else if pk.Collection != CollectionNone {
		return errors.Errorf("primary key %q may not be a collection", c.PrimaryKey)
	}
	switch pk.Type {
	case TypeInt, TypeString, TypeUUID:
	default:
		return errors.Errorf("primary key %q has unsupported type %s", c.PrimaryKey, pk.Type)
	}
	return nil
}

// Validate returns an error if |v| may not be stored in the Property. A
// value.Link is checked only for its target class; the caller verifies that
// the linked object exists.
func (p *Property) Validate(v value.Value) error {
	switch p.Collection {
	case CollectionNone:
		return p.validateElement(v)
	case CollectionList:
		if v.Kind() != value.KindList {
			return errors.Errorf("property %q expects a list, not %s", p.Name, v.Kind())
		}
	case CollectionSet:
		if v.Kind() != value.KindSet {
			return errors.Errorf("property %q expects a set, not %s", p.Name, v.Kind())
		}
	case CollectionDictionary:
		if v.Kind() != value.KindDictionary {
			return errors.Errorf("property %q expects a dictionary, not %s", p.Name, v.Kind())
		}
		for _, k := range v.Keys() {
			if k == "" {
				return errors.Errorf("property %q may not have an empty dictionary key", p.Name)
			} else if err := p.validateElement(v.Dict()[k]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range v.Elems() {
		if err := p.validateElement(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Property) validateElement(v value.Value) error {
	if v.IsNull() {
		if !p.Optional {
			return errors.Errorf("property %q is required and may not be null", p.Name)
		}
		return nil
	}
	if v.Kind() != p.Type.kind() {
		return errors.Errorf("property %q expects %s, not %s", p.Name, p.Type, v.Kind())
	} else if p.Type == TypeObject && v.Class() != p.ObjectClass {
		return errors.Errorf("property %q links to %s, not %s", p.Name, p.ObjectClass, v.Class())
	}
	return nil
}

// Default returns the value held by the Property of a new object when no
// value is provided.
func (p *Property) Default() value.Value {
	switch p.Collection {
	case CollectionList:
		return value.List()
	case CollectionSet:
		return value.Set()
	case CollectionDictionary:
		return value.Dictionary(nil)
	}
	if p.Optional {
		return value.Null()
	}
	switch p.Type {
	case TypeBool:
		return value.Bool(false)
	case TypeInt:
		return value.Int(0)
	case TypeDouble:
		return value.Double(0)
	case TypeString:
		return value.String("")
	case TypeBinary:
		return value.Binary(nil)
	case TypeTimestamp:
		return value.Timestamp(time.Unix(0, 0))
	case TypeUUID:
		return value.UUID(uuid.Nil)
	}
	return value.Null()
}

// Marshal the Schema to its stored JSON form.
func (s *Schema) Marshal() ([]byte, error) { return json.Marshal(s) }

// Unmarshal a Schema from its stored JSON form.
func Unmarshal(b []byte) (*Schema, error) {
	var s = new(Schema)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, errors.WithMessage(err, "decoding schema")
	}
	return s, nil
}

// LoadYAML decodes and validates a Schema from YAML.
func LoadYAML(b []byte) (*Schema, error) {
	var s = new(Schema)
	if err := yaml.UnmarshalStrict(b, s); err != nil {
		return nil, errors.WithMessage(err, "decoding schema YAML")
	} else if err = s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// YAML encodes the Schema as YAML.
func (s *Schema) YAML() ([]byte, error) { return yaml.Marshal(s) }

// Clone returns a deep copy of the Schema.
func (s *Schema) Clone() *Schema {
	var out = &Schema{Version: s.Version, Classes: make([]Class, len(s.Classes))}
	for i, c := range s.Classes {
		c.Properties = append([]Property(nil), c.Properties...)
		out.Classes[i] = c
	}
	return out
}

// sortedClasses returns Class names in sorted order.
func (s *Schema) sortedClasses() []string {
	var names = s.ClassNames()
	sort.Strings(names)
	return names
}
