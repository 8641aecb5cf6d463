package schema

import "fmt"

// ChangeKind enumerates differences between two Schemas.
type ChangeKind int

const (
	AddClass ChangeKind = iota
	RemoveClass
	AddProperty
	RemoveProperty
	// ChangePropertyType is a change of a property's type, collection type,
	// or link target class.
	ChangePropertyType
	MakeOptional
	MakeRequired
	ChangePrimaryKey
	ChangeEmbedded
	ChangeIndexed
)

var changeNames = [...]string{
	"add class",
	"remove class",
	"add property",
	"remove property",
	"change property type",
	"make optional",
	"make required",
	"change primary key",
	"change embedded",
	"change indexed",
}

func (k ChangeKind) String() string { return changeNames[k] }

// Change is a single difference between two Schemas.
type Change struct {
	Kind     ChangeKind
	Class    string
	Property string
}

// Destructive is true if existing objects cannot be carried across the
// Change without a user-supplied transform.
func (c Change) Destructive() bool {
	switch c.Kind {
	case ChangePropertyType, MakeRequired, ChangePrimaryKey, ChangeEmbedded:
		return true
	}
	return false
}

func (c Change) String() string {
	if c.Property != "" {
		return fmt.Sprintf("%s %s.%s", c.Kind, c.Class, c.Property)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Class)
}

// Diff returns the Changes which transform |from| into |to|. Class and
// property order is not significant. Versions are not compared.
func Diff(from, to *Schema) []Change {
	var out []Change

	for _, name := range from.sortedClasses() {
		if _, ok := to.Class(name); !ok {
			out = append(out, Change{Kind: RemoveClass, Class: name})
		}
	}
	for _, name := range to.sortedClasses() {
		var tc, _ = to.Class(name)
		var fc, ok = from.Class(name)

		if !ok {
			out = append(out, Change{Kind: AddClass, Class: name})
			continue
		}
		if fc.PrimaryKey != tc.PrimaryKey {
			out = append(out, Change{Kind: ChangePrimaryKey, Class: name})
		}
		if fc.Embedded != tc.Embedded {
			out = append(out, Change{Kind: ChangeEmbedded, Class: name})
		}
		for _, fp := range fc.Properties {
			if _, ok := tc.Property(fp.Name); !ok {
				out = append(out, Change{Kind: RemoveProperty, Class: name, Property: fp.Name})
			}
		}
		for _, tp := range tc.Properties {
			var fp, ok = fc.Property(tp.Name)
			var change = Change{Class: name, Property: tp.Name}

			if !ok {
				change.Kind = AddProperty
			} else if fp.Type != tp.Type || fp.Collection != tp.Collection || fp.ObjectClass != tp.ObjectClass {
				change.Kind = ChangePropertyType
			} else if fp.Optional && !tp.Optional {
				change.Kind = MakeRequired
			} else if !fp.Optional && tp.Optional {
				change.Kind = MakeOptional
			} else if fp.Indexed != tp.Indexed {
				change.Kind = ChangeIndexed
			} else {
				continue
			}
			out = append(out, change)
		}
	}
	return out
}

// Equal is true if the Schemas have the same shape. Versions are not compared.
func Equal(a, b *Schema) bool { return len(Diff(a, b)) == 0 }

// Destructive returns the destructive Changes of |changes|.
func Destructive(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if c.Destructive() {
			out = append(out, c)
		}
	}
	return out
}
