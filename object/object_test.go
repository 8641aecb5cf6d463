package object

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

const testSchema = `
version: 1
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: best, type: object, optional: true, objectClass: Dog}
      - {name: dogs, type: object, collection: list, objectClass: Dog}
      - {name: address, type: object, optional: true, objectClass: Address}
      - {name: history, type: object, collection: list, objectClass: Address}
  - name: Dog
    properties:
      - {name: name, type: string}
      - {name: self, type: object, optional: true, objectClass: Dog}
      - {name: owner, type: object, optional: true, objectClass: Person}
  - name: Address
    embedded: true
    properties:
      - {name: city, type: string}
      - {name: resident, type: object, optional: true, objectClass: Person}
`

func TestEndToEndCreateQueryDelete(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var _, err = txn.CreateWithPK("Person", value.String("Ann"), nil)
		require.NoError(t, err)
	})
	read(t, m, s, func(txn *Txn) {
		var objs, err = txn.Objects("Person")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		name, err := objs[0].Get("name")
		require.NoError(t, err)
		require.Equal(t, "Ann", name.Str())
		require.True(t, objs[0].Frozen())
	})
	write(t, m, s, func(txn *Txn) {
		var o, ok, err = txn.FindByPK("Person", value.String("Ann"))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, o.Delete())
		require.False(t, o.IsValid())

		_, err = o.Get("name")
		require.Equal(t, ErrInvalidated, errors.Cause(err))
	})
	read(t, m, s, func(txn *Txn) {
		var n, err = txn.Count("Person")
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})
}

func TestPrimaryKeyRules(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var _, err = txn.Create("Person", nil)
		require.Equal(t, ErrPrimaryKeyRequired, errors.Cause(err))
		_, err = txn.CreateWithPK("Dog", value.Int(1), nil)
		require.Equal(t, ErrNoPrimaryKey, errors.Cause(err))
		_, err = txn.CreateWithPK("Person", value.Int(1), nil)
		require.EqualError(t, err, `property "name" expects string, not int`)

		ann, err := txn.CreateWithPK("Person", value.String("ann"),
			map[string]value.Value{"age": value.Int(30)})
		require.NoError(t, err)
		_, err = txn.CreateWithPK("Person", value.String("ann"), nil)
		require.Equal(t, ErrDuplicatePrimaryKey, errors.Cause(err))

		require.EqualError(t, ann.Set("name", value.String("bob")), "primary key Person.name may not be changed")
		require.NoError(t, ann.Set("name", value.String("ann"))) // No-op.
		require.EqualError(t, ann.Set("age", value.String("x")), `property "age" expects int, not string`)
		require.EqualError(t, ann.Set("nope", value.Int(1)), `class "Person" has no property "nope"`)

		found, ok, err := txn.FindByPK("Person", value.String("ann"))
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, found.Equal(ann))
		pk, err := found.PK()
		require.NoError(t, err)
		require.Equal(t, "ann", pk.Str())
	})
	read(t, m, s, func(txn *Txn) {
		var _, err = txn.Create("Dog", nil)
		require.Equal(t, ErrReadOnly, err)
	})
}

func TestEmbeddedOwnershipAndCascade(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var _, err = txn.Create("Address", nil)
		require.Equal(t, ErrEmbedded, errors.Cause(err))

		ann, err := txn.CreateWithPK("Person", value.String("ann"), nil)
		require.NoError(t, err)
		home, err := ann.SetEmbedded("address", map[string]value.Value{"city": value.String("Oslo")})
		require.NoError(t, err)

		parent, prop, ok, err := home.Parent()
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, parent.Equal(ann))
		require.Equal(t, "address", prop)

		_, err = ann.AppendEmbedded("history", map[string]value.Value{"city": value.String("Rome")})
		require.NoError(t, err)
		_, err = ann.AppendEmbedded("history", map[string]value.Value{"city": value.String("Lima")})
		require.NoError(t, err)

		// Replacing an embedded object deletes the prior one.
		_, err = ann.SetEmbedded("address", map[string]value.Value{"city": value.String("Bergen")})
		require.NoError(t, err)
		require.False(t, home.IsValid())

		// Embedded objects cannot be linked from a second parent.
		bob, err := txn.CreateWithPK("Person", value.String("bob"), nil)
		require.NoError(t, err)
		var addr, _ = ann.Get("address")
		require.Equal(t, ErrEmbedded, errors.Cause(bob.Set("address", addr)))

		n, err := txn.Count("Address")
		require.NoError(t, err)
		require.Equal(t, 3, n)

		// Direct deletion of an embedded object detaches it from its parent.
		history, err := ann.Linked("history")
		require.NoError(t, err)
		require.NoError(t, history[0].Delete())
		hv, _ := ann.Get("history")
		require.Equal(t, 1, hv.Len())

		require.NoError(t, ann.Delete())
		n, err = txn.Count("Address")
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})
}

func TestDeletionRemovesIncomingLinks(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var rex, err = txn.Create("Dog", map[string]value.Value{"name": value.String("rex")})
		require.NoError(t, err)
		fido, err := txn.Create("Dog", map[string]value.Value{"name": value.String("fido")})
		require.NoError(t, err)

		ann, err := txn.CreateWithPK("Person", value.String("ann"), map[string]value.Value{
			"best": rex.Link(),
			"dogs": value.List(rex.Link(), fido.Link(), rex.Link()),
		})
		require.NoError(t, err)
		home, err := ann.SetEmbedded("address", nil)
		require.NoError(t, err)
		require.NoError(t, home.Set("resident", ann.Link()))
		require.NoError(t, rex.Set("owner", ann.Link()))
		require.NoError(t, fido.Set("owner", ann.Link()))

		require.EqualError(t, ann.Set("best", value.Link("Dog", 99)), "linked object Dog[99] does not exist")

		require.NoError(t, rex.Delete())

		best, err := ann.Get("best")
		require.NoError(t, err)
		require.True(t, best.IsNull())
		dogs, err := ann.Get("dogs")
		require.NoError(t, err)
		require.Equal(t, "[Dog[2]]", dogs.String())

		// Deleting |ann| cascades to its address, and clears fido's owner.
		require.NoError(t, ann.Delete())
		n, err := txn.Count("Address")
		require.NoError(t, err)
		require.Equal(t, 0, n)
		owner, err := fido.Get("owner")
		require.NoError(t, err)
		require.True(t, owner.IsNull())
	})
}

func TestImportPolicies(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var ann, err = txn.Import(&Unmanaged{Class: "Person", Fields: map[string]interface{}{
			"name": "ann",
			"age":  31,
			"dogs": []interface{}{&Unmanaged{Class: "Dog", Fields: map[string]interface{}{"name": "rex"}}},
			"address": &Unmanaged{Class: "Address", Fields: map[string]interface{}{
				"city": "Oslo",
			}},
		}}, UpdateError)
		require.NoError(t, err)

		// A second object with the same primary key fails, without mutation.
		_, err = txn.Import(&Unmanaged{Class: "Person", Fields: map[string]interface{}{
			"name": "bob",
			"best": &Unmanaged{Class: "Dog", Fields: map[string]interface{}{"name": "spot"}},
			"dogs": []interface{}{&Unmanaged{Class: "Dog", Fields: map[string]interface{}{
				"owner": &Unmanaged{Class: "Person", Fields: map[string]interface{}{"name": "ann"}},
			}}},
		}}, UpdateError)
		require.Equal(t, ErrDuplicatePrimaryKey, errors.Cause(err))

		var n, _ = txn.Count("Dog")
		require.Equal(t, 1, n)
		n, _ = txn.Count("Person")
		require.Equal(t, 1, n)

		// With UpdateAll, the existing object is fully overwritten.
		again, err := txn.Import(&Unmanaged{Class: "Person", Fields: map[string]interface{}{
			"name": "ann",
		}}, UpdateAll)
		require.NoError(t, err)
		require.True(t, again.Equal(ann))

		age, _ := ann.Get("age")
		require.True(t, age.IsNull())
		n, _ = txn.Count("Address")
		require.Equal(t, 0, n)

		// Managed objects of this Txn are returned as-is.
		same, err := txn.Import(ann, UpdateError)
		require.NoError(t, err)
		require.True(t, same.Equal(ann))
	})

	read(t, m, s, func(frozen *Txn) {
		var ann, _, _ = frozen.FindByPK("Person", value.String("ann"))

		write(t, m, s, func(txn *Txn) {
			var _, err = txn.Import(ann, UpdateError)
			require.Equal(t, ErrStale, errors.Cause(err))

			latest, ok, err := txn.FindLatest(ann)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = txn.Import(latest, UpdateError)
			require.NoError(t, err)
		})
	})
}

func TestCyclicImport(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		var a = &Unmanaged{Class: "Dog", Fields: map[string]interface{}{"name": "ouroboros"}}
		a.Fields["self"] = a

		var o, err = txn.Import(a, UpdateError)
		require.NoError(t, err)

		n, _ := txn.Count("Dog")
		require.Equal(t, 1, n)
		self, ok, err := o.Resolve("self")
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, self.Equal(o))

		// Cycles through embedded objects and primary-keyed objects also terminate.
		var p = &Unmanaged{Class: "Person", Fields: map[string]interface{}{"name": "ann"}}
		p.Fields["address"] = &Unmanaged{Class: "Address", Fields: map[string]interface{}{"resident": p}}
		ann, err := txn.Import(p, UpdateError)
		require.NoError(t, err)
		home, ok, err := ann.Resolve("address")
		require.NoError(t, err)
		require.True(t, ok)
		resident, _ := home.Get("resident")
		require.True(t, resident.Equal(ann.Link()))
	})
}

func TestFindLatest(t *testing.T) {
	var m, s = newTestManager(t)

	write(t, m, s, func(txn *Txn) {
		for _, name := range []string{"a", "b"} {
			var _, err = txn.Create("Dog", map[string]value.Value{"name": value.String(name)})
			require.NoError(t, err)
		}
	})
	read(t, m, s, func(frozen *Txn) {
		var dogs, _ = frozen.Objects("Dog")

		write(t, m, s, func(txn *Txn) {
			var a, ok, err = txn.FindLatest(dogs[0])
			require.NoError(t, err)
			require.True(t, ok)
			again, ok, err := txn.FindLatest(a)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, a.Equal(again))
			require.False(t, a.Equal(dogs[0])) // Different versions.

			b, _, _ := txn.FindLatest(dogs[1])
			require.NoError(t, b.Delete())
			_, ok, err = txn.FindLatest(dogs[1])
			require.NoError(t, err)
			require.False(t, ok)
		})
	})
}

func TestDocumentAndRecorder(t *testing.T) {
	var m, s = newTestManager(t)
	var rec = new(testRecorder)

	write(t, m, s, func(txn *Txn) {
		txn.SetRecorder(rec)

		var ann, err = txn.CreateWithPK("Person", value.String("ann"), nil)
		require.NoError(t, err)
		rex, err := txn.Create("Dog", map[string]value.Value{"name": value.String("rex")})
		require.NoError(t, err)
		require.NoError(t, ann.Append("dogs", rex.Link()))
		home, err := ann.SetEmbedded("address", map[string]value.Value{"city": value.String("Oslo")})
		require.NoError(t, err)
		require.NoError(t, home.Set("city", value.String("Bergen")))

		doc, err := Document(ann, false)
		require.NoError(t, err)
		require.Equal(t, `Address{"city": "Bergen", "resident": null}`, doc["address"].String())
		require.Equal(t, "[Dog[1]]", doc["dogs"].String())

		// Dogs have no primary key, so their references carry a null key.
		doc, err = Document(ann, true)
		require.NoError(t, err)
		require.Equal(t, "[Dog(null)]", doc["dogs"].String())

		require.NoError(t, rex.Delete())
	})

	require.Equal(t, []string{
		"create Person[1]",
		"create Dog[1]",
		"modify Dog[1].name",
		"modify Person[1].dogs",
		"modify Person[1].address", // Embedded field assignment.
		"modify Person[1].address", // Embedded link.
		"modify Person[1].address", // Embedded field update.
		"modify Person[1].dogs",    // Incoming link removal.
		"delete Dog[1] null",
	}, rec.log)
}

type testRecorder struct{ log []string }

func (r *testRecorder) Created(class string, key int64) {
	r.log = append(r.log, "create "+value.Link(class, key).String())
}

func (r *testRecorder) Modified(class string, key int64, prop string) {
	r.log = append(r.log, "modify "+value.Link(class, key).String()+"."+prop)
}

func (r *testRecorder) Deleted(class string, key int64, pk value.Value) {
	r.log = append(r.log, "delete "+value.Link(class, key).String()+" "+pk.String())
}

func newTestManager(t *testing.T) (*mvcc.Manager, *schema.Schema) {
	var s, err = schema.LoadYAML([]byte(testSchema))
	require.NoError(t, err)
	m, err := mvcc.Open(afero.NewMemMapFs(), "/test.strata", mvcc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, s
}

func write(t *testing.T, m *mvcc.Manager, s *schema.Schema, fn func(*Txn)) {
	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	fn(NewWriteTxn(w, s))
	_, err = w.Commit()
	require.NoError(t, err)
}

func read(t *testing.T, m *mvcc.Manager, s *schema.Schema, fn func(*Txn)) {
	var r, err = m.BeginRead()
	require.NoError(t, err)
	defer r.Release()
	fn(NewReadTxn(r, s))
}
