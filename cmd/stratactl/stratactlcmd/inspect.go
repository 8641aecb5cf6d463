package stratactlcmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
)

type cmdInspect struct {
	FileConfig
}

func init() {
	CommandRegistry.AddCommand("", "inspect", "Summarize a File", `
Summarize the versions, size, and classes of a File.

The File must not be open by another process. For example:
>    stratactl inspect --file app.strata
`, &cmdInspect{})
}

func (cmd *cmdInspect) Execute([]string) error {
	startup()

	var m, s, err = cmd.open()
	if err != nil {
		return err
	}
	defer m.Close()

	return inspect(os.Stdout, m, s)
}

func inspect(w io.Writer, m *mvcc.Manager, s *schema.Schema) error {
	var r, err = m.BeginRead()
	if err != nil {
		return err
	}
	defer r.Release()

	var total, used = m.File().Stats()
	fmt.Fprintf(w, "Path:           %s\n", m.File().Path())
	fmt.Fprintf(w, "Version:        %d\n", r.Version().Number)
	fmt.Fprintf(w, "Schema version: %d\n", s.Version)
	fmt.Fprintf(w, "Size:           %s (%s used)\n", humanize.IBytes(total), humanize.IBytes(used))

	var txn = object.NewReadTxn(r, s)
	var table = tablewriter.NewWriter(w)
	table.Header("Class", "Primary Key", "Properties", "Objects")

	for _, name := range s.ClassNames() {
		var c, _ = s.Class(name)
		var n, err = txn.Count(name)
		if err != nil {
			return err
		}
		var pk = c.PrimaryKey
		if c.Embedded {
			pk = "(embedded)"
		}
		if err = table.Append([]string{name, pk, strconv.Itoa(len(c.Properties)), strconv.Itoa(n)}); err != nil {
			return err
		}
	}
	return table.Render()
}
