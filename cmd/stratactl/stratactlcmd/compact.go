package stratactlcmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/storage"
)

type cmdCompact struct {
	FileConfig
}

func init() {
	CommandRegistry.AddCommand("", "compact", "Compact a File", `
Rewrite a File to contain only its latest version, releasing free space.

The File must not be open by another process.
`, &cmdCompact{})
}

func (cmd *cmdCompact) Execute([]string) error {
	startup()

	var key, err = cmd.key()
	if err != nil {
		return err
	}
	before, err := fileSystem.Stat(cmd.Path)
	if err != nil {
		return err
	}
	if _, err = mvcc.Compact(fileSystem, cmd.Path, storage.Options{EncryptionKey: key}); err != nil {
		return err
	}
	after, err := fileSystem.Stat(cmd.Path)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Compacted %s from %s to %s.\n", cmd.Path,
		humanize.IBytes(uint64(before.Size())), humanize.IBytes(uint64(after.Size())))
	return nil
}
