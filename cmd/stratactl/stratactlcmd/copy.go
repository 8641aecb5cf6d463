package stratactlcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.strata.dev/core/db"
	"go.strata.dev/core/stores"
)

type cmdCopy struct {
	FileConfig
	To         string        `long:"to" required:"true" description:"Destination path or store URL of the copy"`
	ToKeyFile  string        `long:"to-key-file" description:"Path of a file holding the hex-encoded key with which the copy is encrypted"`
	SignExpiry time.Duration `long:"sign" description:"If set, print a signed GET URL of a store copy which expires after this duration"`
}

func init() {
	CommandRegistry.AddCommand("", "copy", "Write a compacted copy of a File", `
Write a compacted copy of the latest version of a File, suitable for use as
the initial File of applications.

The destination may be a local path, or a store URL such as:
>    s3://bucket/seeds/app.strata.zst?region=us-east-1
>    gs://bucket/seeds/app.strata.gz
>    azure://account/container/app.strata
>    file:///seeds/app.strata.sz

Copies published to stores are compressed per their extension. A signed URL
of the published copy may be requested with --sign, as in --sign 24h.
`, &cmdCopy{})
}

func (cmd *cmdCopy) Execute([]string) error {
	startup()

	var ctx = context.Background()
	if err := copyFile(ctx, cmd.FileConfig, cmd.To, cmd.ToKeyFile); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Copied %s to %s.\n", cmd.Path, cmd.To)

	if cmd.SignExpiry == 0 {
		return nil
	}
	var signed, err = signURL(cmd.To, cmd.SignExpiry)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, signed)
	return nil
}

// copyFile opens the File under its stored Schema, and writes a copy to |to|.
func copyFile(ctx context.Context, cfg FileConfig, to, toKeyFile string) error {
	var m, s, err = cfg.open()
	if err != nil {
		return err
	} else if err = m.Close(); err != nil {
		return err
	}
	key, err := cfg.key()
	if err != nil {
		return err
	}
	toKey, err := readKey(toKeyFile)
	if err != nil {
		return err
	}

	var dir, name = splitPath(cfg.Path)
	dbCfg, err := db.NewConfig(db.Options{
		Fs:            fileSystem,
		Dir:           dir,
		Name:          name,
		Schema:        s,
		SchemaVersion: int64(s.Version),
		EncryptionKey: key,
	})
	if err != nil {
		return err
	}
	d, err := db.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	if err = d.WriteCopyTo(ctx, to, toKey); err != nil {
		_ = d.Close(ctx)
		return err
	}
	return d.Close(ctx)
}

func signURL(to string, expiry time.Duration) (string, error) {
	if !stores.IsStoreURL(to) {
		return "", errors.Errorf("%s is not a store URL, and cannot be signed", to)
	}
	var base, name, err = stores.Split(to)
	if err != nil {
		return "", err
	}
	store, err := stores.Get(base)
	if err != nil {
		return "", err
	}
	return store.SignGet(name, expiry)
}
