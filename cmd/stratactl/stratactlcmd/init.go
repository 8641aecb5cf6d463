package stratactlcmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.strata.dev/core/db"
	"go.strata.dev/core/schema"
)

type cmdInit struct {
	FileConfig
	Schema  string `long:"schema" short:"s" required:"true" description:"Path of the YAML Schema of the File"`
	Version int64  `long:"schema-version" default:"0" description:"Version of the Schema"`
}

func init() {
	CommandRegistry.AddCommand("", "init", "Create or migrate a File", `
Create a File having the given Schema, or migrate an existing File to it.
Migrations must not be destructive. For example:
>    stratactl init --file app.strata --schema schema.yaml --schema-version 2

Schemas are written in YAML:
>    classes:
>      - name: Person
>        primaryKey: name
>        properties:
>          - {name: name, type: string}
>          - {name: age, type: int, optional: true}
`, &cmdInit{})
}

func (cmd *cmdInit) Execute([]string) error {
	startup()

	var version, err = initFile(context.Background(), cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Initialized %s at version %d.\n", cmd.Path, version)
	return nil
}

// initFile creates or migrates the File, returning its latest version number.
func initFile(ctx context.Context, cmd *cmdInit) (uint64, error) {
	var s, err = loadSchema(cmd.Schema)
	if err != nil {
		return 0, err
	}
	key, err := cmd.key()
	if err != nil {
		return 0, err
	}
	var dir, name = splitPath(cmd.Path)
	cfg, err := db.NewConfig(db.Options{
		Fs:            fileSystem,
		Dir:           dir,
		Name:          name,
		Schema:        s,
		SchemaVersion: cmd.Version,
		EncryptionKey: key,
	})
	if err != nil {
		return 0, err
	}
	d, err := db.Open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	var version = d.Version().Number
	return version, d.Close(ctx)
}

func loadSchema(path string) (*schema.Schema, error) {
	var b, err = afero.ReadFile(fileSystem, path)
	if err != nil {
		return nil, err
	}
	return schema.LoadYAML(b)
}
