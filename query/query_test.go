package query

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/value"
)

func TestParseDescriptions(t *testing.T) {
	var cases = []string{
		`name == "Ann"`,
		`age>=18 && age < 65`,
		`NOT (name BEGINSWITH[c] 'a' OR dog.name ENDSWITH "x")`,
		`18 < age`,
		`score = 2.0 or score == $0`,
		`truepredicate`,
		`a == 1 AND (b == 2 OR c == 3) AND !(d == null)`,
		`a == 1 OR b == 2 AND c == 3`,
		`created > T2024-01-02T03:04:05Z`,
	}
	var b bytes.Buffer
	for _, c := range cases {
		var p, err = Parse(c, 1.5)
		require.NoError(t, err)
		fmt.Fprintf(&b, "%s\n=> %s\n", c, p)

		// Descriptions parse to the same Predicate.
		again, err := Parse(p.String())
		require.NoError(t, err)
		require.Equal(t, p.String(), again.String())
	}

	var q, err = ParseQuery("Person", `age > 1 sort(name, age DESC) DISTINCT(age) LIMIT(2)`)
	require.NoError(t, err)
	fmt.Fprintf(&b, "%s\n", q)

	goldie.New(t).Assert(t, "descriptions", b.Bytes())
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		src, err string
	}{
		{`name ==`, "unexpected end of predicate"},
		{`name == "Ann`, "unterminated string at offset 8"},
		{`name name`, "at offset 5: expected a comparison operator"},
		{`1 == 2`, "comparison must have exactly one property path"},
		{`"a" CONTAINS name`, "CONTAINS requires a property path on its left"},
		{`age == $1`, "argument $1 is out of range (1 arguments)"},
		{`(age == 1`, "expected ')'"},
		{`age == 1 LIMIT(1)`, "sort, distinct and limit are not allowed in a predicate"},
		{`age == 1)`, `unexpected ")"`},
		{`age == #`, "unexpected character '#' at offset 7"},
	} {
		var _, err = Parse(tc.src, 1)
		require.Error(t, err, tc.src)
		require.Contains(t, err.Error(), tc.err)
	}

	var _, err = ParseQuery("Person", `age == 1 LIMIT(0)`)
	require.EqualError(t, err, `parsing "age == 1 LIMIT(0)": LIMIT must be at least 1 (got 0)`)
}

func TestMatchDocuments(t *testing.T) {
	var doc = Document{
		"name": value.String("Ann"),
		"age":  value.Int(30),
		"tags": value.List(value.String("red"), value.String("blue")),
		"address": value.Embedded("Address", map[string]value.Value{
			"city": value.String("Paris"),
		}),
	}
	for _, tc := range []struct {
		src   string
		match bool
	}{
		{`name == "Ann"`, true},
		{`name == "ann"`, false},
		{`name ==[c] "ann"`, true},
		{`age > 29.5`, true},
		{`age > "29"`, false},
		{`age != 30`, false},
		{`tags == "blue"`, true},
		{`tags BEGINSWITH "bl" AND NOT tags == "green"`, true},
		{`address.city CONTAINS[c] "AR"`, true},
		{`missing == null`, true},
		{`missing > 1`, false},
		{`FALSEPREDICATE OR age < 31`, true},
	} {
		var ok, err = MustParse(tc.src).Match(doc)
		require.NoError(t, err)
		require.Equal(t, tc.match, ok, tc.src)
	}
}

func TestQueryDescriptorsAndAggregates(t *testing.T) {
	var m, s = newTestManager(t)

	var w, err = m.BeginWrite(context.Background())
	require.NoError(t, err)
	var txn = object.NewWriteTxn(w, s)

	rex, err := txn.Create("Dog", map[string]value.Value{"name": value.String("Rex")})
	require.NoError(t, err)

	for _, p := range []struct {
		name  string
		age   value.Value
		score value.Value
	}{
		{"Ann", value.Int(30), value.Double(1.5)},
		{"Bob", value.Int(25), value.Null()},
		{"Cid", value.Int(30), value.Double(2.5)},
		{"Dee", value.Null(), value.Null()},
	} {
		var o, err = txn.CreateWithPK("Person", value.String(p.name), map[string]value.Value{
			"age":   p.age,
			"score": p.score,
			"tags":  value.List(value.String(p.name + "-tag")),
		})
		require.NoError(t, err)

		if p.name == "Ann" {
			_, err = o.SetEmbedded("address", map[string]value.Value{"city": value.String("Paris")})
			require.NoError(t, err)
			require.NoError(t, o.Set("pet", rex.Link()))
		}
	}
	_, err = w.Commit()
	require.NoError(t, err)

	r, err := m.BeginRead()
	require.NoError(t, err)
	defer r.Release()
	txn = object.NewReadTxn(r, s)

	var names = func(q Query) []string {
		var objs, err = q.Find(txn)
		require.NoError(t, err)
		var out []string
		for _, o := range objs {
			var name, err = o.Get("name")
			require.NoError(t, err)
			out = append(out, name.Str())
		}
		return out
	}

	var q = New("Person")
	require.Equal(t, []string{"Ann", "Bob", "Cid", "Dee"}, names(q))
	require.Equal(t, []string{"Ann", "Cid"}, names(q.Filter("age >= 30")))
	require.Equal(t, []string{"Ann"}, names(q.Filter(`address.city ==[c] "paris"`)))
	require.Equal(t, []string{"Ann"}, names(q.Filter(`pet.name BEGINSWITH "Re"`)))
	require.Equal(t, []string{"Bob"}, names(q.Filter(`tags == $0`, "Bob-tag")))

	// Link arguments compare by identity.
	read, ok, err := txn.Object(rex.Class(), rex.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Ann"}, names(q.Filter(`pet == $0`, read)))

	require.Equal(t, []string{"Ann", "Cid", "Bob", "Dee"},
		names(q.Sort(SortKey{Path: "age"}, SortKey{Path: "name", Ascending: true})))
	require.Equal(t, []string{"Dee", "Bob", "Ann", "Cid"},
		names(q.Sort(SortKey{Path: "age", Ascending: true})))
	require.Equal(t, []string{"Ann", "Bob", "Dee"}, names(q.Distinct("age")))
	require.Equal(t, []string{"Dee", "Cid", "Bob"},
		names(q.Sort(SortKey{Path: "name"}).Distinct("age")))
	require.Equal(t, []string{"Ann", "Bob"}, names(q.Limit(2)))
	require.Equal(t, []string{"Cid"}, names(q.Filter("age == 30").Sort(SortKey{Path: "name"}).Limit(1)))

	_, err = q.Limit(0).Find(txn)
	require.EqualError(t, err, "limit must be at least 1 (got 0)")
	_, err = New("Cat").Find(txn)
	require.Error(t, err)

	var agg = func(fn func(*object.Txn, string) (value.Value, error), prop string) value.Value {
		var v, err = fn(txn, prop)
		require.NoError(t, err)
		return v
	}
	require.Equal(t, value.Int(25), agg(q.Min, "age"))
	require.Equal(t, value.Int(30), agg(q.Max, "age"))
	require.Equal(t, value.Int(85), agg(q.Sum, "age"))
	require.Equal(t, value.Double(4), agg(q.Sum, "score"))
	require.Equal(t, value.Double(1.5), agg(q.Min, "score"))

	// Aggregates of empty or universally null candidates are null.
	var none = q.Filter(`name == "Zed"`)
	require.True(t, agg(none.Min, "age").IsNull())
	require.True(t, agg(none.Sum, "age").IsNull())
	var dee = q.Filter("age == null")
	require.True(t, agg(dee.Max, "age").IsNull())
	require.True(t, agg(dee.Sum, "score").IsNull())

	n, err := q.Filter("score != null").Count(txn)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = q.Sum(txn, "name")
	require.EqualError(t, err, "cannot sum string values of Person.name")
}

func TestQueryString(t *testing.T) {
	var q = New("Person").
		Filter("age > 1").
		Where(Compare("name", OpBeginsWith, value.String("A"))).
		Sort(SortKey{Path: "name", Ascending: true}).
		Distinct("age", "name").
		Limit(3)

	require.Equal(t, `age > 1 AND name BEGINSWITH "A" SORT(name ASC) DISTINCT(age, name) LIMIT(3)`, q.String())

	var again, err = ParseQuery("Person", q.String())
	require.NoError(t, err)
	require.Equal(t, q.String(), again.String())
	require.Equal(t, "TRUEPREDICATE", New("Dog").String())
}

const testSchema = `
version: 1
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: score, type: double, optional: true}
      - {name: tags, type: string, collection: list}
      - {name: address, type: object, optional: true, objectClass: Address}
      - {name: pet, type: object, optional: true, objectClass: Dog}
  - name: Dog
    properties:
      - {name: name, type: string}
  - name: Address
    embedded: true
    properties:
      - {name: city, type: string}
`

func newTestManager(t *testing.T) (*mvcc.Manager, *schema.Schema) {
	var s, err = schema.LoadYAML([]byte(testSchema))
	require.NoError(t, err)
	m, err := mvcc.Open(afero.NewMemMapFs(), "/query.strata", mvcc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, s
}
