package stratactlcmd

import (
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.strata.dev/core/object"
	"go.strata.dev/core/value"
	"gopkg.in/yaml.v2"
)

type cmdDump struct {
	FileConfig
	Format  string   `long:"format" short:"o" choice:"yaml" choice:"json" default:"yaml" description:"Output format"`
	Classes []string `long:"class" short:"c" description:"Classes to dump. All top-level classes if not set"`
}

func init() {
	CommandRegistry.AddCommand("", "dump", "Write the objects of a File", `
Write the objects of a File as YAML or JSON documents, grouped by class.

Embedded objects are inlined within their parents, and links to other
objects are written as "Class[key]". For example, to dump all people:
>    stratactl dump --file app.strata --class Person --format json
`, &cmdDump{})
}

func (cmd *cmdDump) Execute([]string) error {
	startup()

	var m, s, err = cmd.open()
	if err != nil {
		return err
	}
	defer m.Close()

	r, err := m.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()

	return dump(os.Stdout, object.NewReadTxn(r, s), cmd.Classes, cmd.Format)
}

// dump the objects of |classes| of the |txn| to |w|.
func dump(w io.Writer, txn *object.Txn, classes []string, format string) error {
	if len(classes) == 0 {
		for _, c := range txn.Schema().Classes {
			if !c.Embedded {
				classes = append(classes, c.Name)
			}
		}
	}
	var out = make(map[string][]map[string]interface{}, len(classes))

	for _, class := range classes {
		var docs = []map[string]interface{}{}
		if err := txn.ForEach(class, func(o object.Obj) error {
			var doc, err = object.Document(o, false)
			if err != nil {
				return err
			}
			var m = make(map[string]interface{}, len(doc))
			for k, v := range doc {
				m[k] = plain(v)
			}
			docs = append(docs, m)
			return nil
		}); err != nil {
			return errors.WithMessagef(err, "dumping %s", class)
		}
		out[class] = docs
	}

	if format == "json" {
		var enc = json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	var b, err = yaml.Marshal(out)
	if err == nil {
		_, err = w.Write(b)
	}
	return err
}

// plain converts a Value into its natural Go representation.
func plain(v value.Value) interface{} {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		return v.Bool()
	case value.KindInt:
		return v.Int()
	case value.KindDouble:
		return v.Double()
	case value.KindString:
		return v.Str()
	case value.KindBinary:
		return v.Bytes()
	case value.KindTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	case value.KindUUID:
		return v.UUID().String()
	case value.KindList, value.KindSet:
		var out = make([]interface{}, 0, v.Len())
		for _, e := range v.Elems() {
			out = append(out, plain(e))
		}
		return out
	case value.KindDictionary, value.KindEmbedded:
		var out = make(map[string]interface{}, v.Len())
		for k, e := range v.Dict() {
			out[k] = plain(e)
		}
		return out
	}
	return v.String()
}
