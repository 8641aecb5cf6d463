package migration

import (
	"context"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

func TestDecisionTable(t *testing.T) {
	var v1 = mustSchema(t, 1, personV1)
	var v2 = mustSchema(t, 2, personV1)
	var additive = mustSchema(t, 2, personAdditive)
	var destructive = mustSchema(t, 2, personDestructive)
	var sameDestructive = mustSchema(t, 1, personDestructive)
	var sameAdditive = mustSchema(t, 1, personAdditive)
	var transform = func(*Context) error { return nil }

	for _, tc := range []struct {
		stored, requested *schema.Schema
		opts              Options
		action            Action
		err               error
	}{
		{nil, v1, Options{}, Create, nil},
		{v1, v1, Options{}, None, nil},
		{v1, sameAdditive, Options{}, Migrate, nil},
		{v1, sameDestructive, Options{}, None, ErrMigrationRequired},
		{v1, sameDestructive, Options{DeleteIfMigrationNeeded: true}, Reset, nil},
		{v1, v2, Options{}, Migrate, nil},
		{v1, additive, Options{}, Migrate, nil},
		{v1, additive, Options{DeleteIfMigrationNeeded: true}, Reset, nil},
		{v1, destructive, Options{}, None, ErrMigrationRequired},
		{v1, destructive, Options{Transform: transform}, Migrate, nil},
		{v1, destructive, Options{DeleteIfMigrationNeeded: true}, Reset, nil},
		{v2, v1, Options{}, None, ErrDowngrade},
		{v2, v1, Options{DeleteIfMigrationNeeded: true}, None, ErrDowngrade},
	} {
		var plan, err = Decide(tc.stored, tc.requested, tc.opts)
		if tc.err != nil {
			require.True(t, errors.Is(err, tc.err), "%v", err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.action, plan.Action)
	}

	var _, err = Decide(v1, destructive, Options{})
	require.EqualError(t, err, "destructive changes require a migration transform "+
		"(change property type Person.age): schema migration required")
}

func TestAutomaticMigration(t *testing.T) {
	var m = newManager(t)
	var v1 = mustSchema(t, 1, personV1)
	require.NoError(t, apply(m, nil, v1, Options{}))

	write(t, m, v1, func(txn *object.Txn) {
		var ann, err = txn.CreateWithPK("Person", value.String("Ann"), map[string]value.Value{
			"age":  value.Int(30),
			"nick": value.String("annie"),
		})
		require.NoError(t, err)
		_, err = txn.Create("Dog", map[string]value.Value{
			"name":  value.String("Rex"),
			"owner": ann.Link(),
		})
		require.NoError(t, err)
	})

	var v2 = mustSchema(t, 2, personAdditive)
	require.NoError(t, apply(m, v1, v2, Options{}))

	stored, err := Load(m)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stored.Version)

	write(t, m, v2, func(txn *object.Txn) {
		var ann = mustFind(t, txn, "Person", value.String("Ann"))
		require.Equal(t, int64(30), mustGet(t, ann, "age").Int())
		require.Equal(t, "", mustGet(t, ann, "email").Str())

		var _, err = ann.Get("nick")
		require.EqualError(t, err, `class "Person" has no property "nick"`)

		// Backlinks survive migration: deleting Ann clears the dog's owner.
		require.NoError(t, ann.Delete())
		dogs, err := txn.Objects("Dog")
		require.NoError(t, err)
		require.True(t, mustGet(t, dogs[0], "owner").IsNull())
	})
}

func TestTransformMigration(t *testing.T) {
	var m = newManager(t)
	var v1 = mustSchema(t, 1, personV1)
	require.NoError(t, apply(m, nil, v1, Options{}))

	write(t, m, v1, func(txn *object.Txn) {
		for i, name := range []string{"Ann", "Bob"} {
			var _, err = txn.CreateWithPK("Person", value.String(name), map[string]value.Value{
				"age": value.Int(int64(30 + i)),
			})
			require.NoError(t, err)
		}
	})

	var v2 = mustSchema(t, 2, personDestructive)
	require.True(t, errors.Is(apply(m, v1, v2, Options{}), ErrMigrationRequired))

	// A failed transform leaves the file unchanged.
	var boom = errors.New("boom")
	require.Equal(t, boom, errors.Cause(apply(m, v1, v2, Options{
		Transform: func(*Context) error { return boom },
	})))
	stored, err := Load(m)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Version)

	var seen []string
	require.NoError(t, apply(m, v1, v2, Options{
		Transform: func(c *Context) error {
			return c.Enumerate("Person", func(old, next object.Obj) error {
				var name, err = old.Get("name")
				if err != nil {
					return err
				}
				seen = append(seen, name.Str())

				age, err := old.Get("age")
				if err != nil {
					return err
				}
				return next.Set("age", value.String(strconv.FormatInt(age.Int(), 10)))
			})
		},
	}))
	require.Equal(t, []string{"Ann", "Bob"}, seen)

	write(t, m, v2, func(txn *object.Txn) {
		require.Equal(t, "31", mustGet(t, mustFind(t, txn, "Person", value.String("Bob")), "age").Str())
	})
}

func TestPrimaryKeyMigration(t *testing.T) {
	var m = newManager(t)
	var v1 = mustSchema(t, 1, personV1)
	require.NoError(t, apply(m, nil, v1, Options{}))

	write(t, m, v1, func(txn *object.Txn) {
		for _, name := range []string{"Ann", "Bob"} {
			var _, err = txn.CreateWithPK("Person", value.String(name), nil)
			require.NoError(t, err)
		}
		var _, err = txn.Create("Dog", map[string]value.Value{"name": value.String("Rex")})
		require.NoError(t, err)
	})

	var v2 = mustSchema(t, 2, personByID)

	// Without assigned keys, the new index has duplicates.
	var err = apply(m, v1, v2, Options{Transform: func(*Context) error { return nil }})
	require.True(t, errors.Is(err, object.ErrDuplicatePrimaryKey), "%v", err)

	require.NoError(t, apply(m, v1, v2, Options{
		Transform: func(c *Context) error {
			var id int64
			if err := c.Enumerate("Person", func(_, next object.Obj) error {
				id++
				return next.Set("id", value.Int(id))
			}); err != nil {
				return err
			}
			// Dog was removed: old objects have no counterpart.
			return c.Enumerate("Dog", func(old, next object.Obj) error {
				require.True(t, old.IsValid())
				require.False(t, next.IsValid())
				return nil
			})
		},
	}))

	write(t, m, v2, func(txn *object.Txn) {
		require.Equal(t, "Bob", mustGet(t, mustFind(t, txn, "Person", value.Int(2)), "name").Str())

		var _, err = txn.CreateWithPK("Person", value.Int(2), nil)
		require.True(t, errors.Is(err, object.ErrDuplicatePrimaryKey))
	})
}

const personV1 = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: nick, type: string, optional: true}
  - name: Dog
    properties:
      - {name: name, type: string}
      - {name: owner, type: object, optional: true, objectClass: Person}
`

const personAdditive = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: email, type: string}
  - name: Dog
    properties:
      - {name: name, type: string}
      - {name: owner, type: object, optional: true, objectClass: Person}
`

const personDestructive = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: string, optional: true}
      - {name: nick, type: string, optional: true}
  - name: Dog
    properties:
      - {name: name, type: string}
      - {name: owner, type: object, optional: true, objectClass: Person}
`

const personByID = `
classes:
  - name: Person
    primaryKey: id
    properties:
      - {name: id, type: int}
      - {name: name, type: string}
`

func mustSchema(t *testing.T, version uint64, doc string) *schema.Schema {
	var s, err = schema.LoadYAML([]byte(doc))
	require.NoError(t, err)
	s.Version = version
	return s
}

func newManager(t *testing.T) *mvcc.Manager {
	var m, err = mvcc.Open(afero.NewMemMapFs(), "/migrate.strata", mvcc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func apply(m *mvcc.Manager, from, to *schema.Schema, opts Options) error {
	var plan, err = Decide(from, to, opts)
	if err != nil {
		return err
	}
	return Apply(context.Background(), m, plan, opts)
}

func write(t *testing.T, m *mvcc.Manager, s *schema.Schema, fn func(*object.Txn)) {
	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	fn(object.NewWriteTxn(w, s))
	_, err = w.Commit()
	require.NoError(t, err)
}

func mustFind(t *testing.T, txn *object.Txn, class string, pk value.Value) object.Obj {
	var o, ok, err = txn.FindByPK(class, pk)
	require.NoError(t, err)
	require.True(t, ok)
	return o
}

func mustGet(t *testing.T, o object.Obj, prop string) value.Value {
	var v, err = o.Get(prop)
	require.NoError(t, err)
	return v
}
