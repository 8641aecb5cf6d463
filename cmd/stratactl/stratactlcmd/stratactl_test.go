package stratactlcmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.strata.dev/core/db"
	"go.strata.dev/core/object"
	"go.strata.dev/core/value"
)

const schemaYAML = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
`

func TestInitDumpInspectAndCopy(t *testing.T) {
	fileSystem = afero.NewMemMapFs()
	defer func() { fileSystem = afero.NewOsFs() }()

	var ctx = context.Background()
	require.NoError(t, afero.WriteFile(fileSystem, "/schema.yaml", []byte(schemaYAML), 0644))
	require.NoError(t, afero.WriteFile(fileSystem, "/copy.key", []byte(strings.Repeat("ab", 64)+"\n"), 0600))

	var ic = &cmdInit{FileConfig: FileConfig{Path: "/app.strata"}, Schema: "/schema.yaml"}
	var _, err = initFile(ctx, ic)
	require.NoError(t, err)

	// Populate the File.
	s, err := loadSchema("/schema.yaml")
	require.NoError(t, err)
	cfg, err := db.NewConfig(db.Options{Fs: fileSystem, Dir: "/", Name: "app.strata", Schema: s})
	require.NoError(t, err)
	d, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Write(ctx, func(_ context.Context, txn *object.Txn) error {
		if _, err := txn.CreateWithPK("Person", value.String("Ann"), map[string]value.Value{"age": value.Int(30)}); err != nil {
			return err
		}
		var _, err = txn.CreateWithPK("Person", value.String("Bob"), nil)
		return err
	}))
	require.NoError(t, d.Close(ctx))

	// Re-initializing an existing File is a no-op.
	_, err = initFile(ctx, ic)
	require.NoError(t, err)

	var fc = FileConfig{Path: "/app.strata"}
	m, stored, err := fc.open()
	require.NoError(t, err)

	r, err := m.BeginRead()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dump(&buf, object.NewReadTxn(r, stored), nil, "yaml"))
	goldie.New(t).Assert(t, "dump", buf.Bytes())

	buf.Reset()
	require.NoError(t, dump(&buf, object.NewReadTxn(r, stored), []string{"Person"}, "json"))
	require.Contains(t, buf.String(), `"name": "Ann"`)
	r.Release()

	buf.Reset()
	require.NoError(t, inspect(&buf, m, stored))
	require.Contains(t, buf.String(), "Schema version: 0")
	require.Contains(t, strings.ToUpper(buf.String()), "PERSON")
	require.NoError(t, m.Close())

	// Copies are encrypted with a key file.
	require.NoError(t, copyFile(ctx, fc, "/copy.strata", "/copy.key"))

	_, _, err = FileConfig{Path: "/copy.strata"}.open()
	require.Error(t, err)

	m, _, err = FileConfig{Path: "/copy.strata", KeyFile: "/copy.key"}.open()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, _, err = FileConfig{Path: "/missing.strata"}.open()
	require.EqualError(t, err, "file /missing.strata does not exist")
}

func TestKeyFilesAndSigning(t *testing.T) {
	fileSystem = afero.NewMemMapFs()
	defer func() { fileSystem = afero.NewOsFs() }()

	require.NoError(t, afero.WriteFile(fileSystem, "/short.key", []byte("abcd"), 0600))
	require.NoError(t, afero.WriteFile(fileSystem, "/bad.key", []byte("zz"), 0600))

	var _, err = readKey("/short.key")
	require.EqualError(t, err, "key file /short.key must hold 64 bytes (got 2)")
	_, err = readKey("/bad.key")
	require.Error(t, err)

	key, err := readKey("")
	require.NoError(t, err)
	require.Nil(t, key)

	_, err = signURL("/local/app.strata", 0)
	require.EqualError(t, err, "/local/app.strata is not a store URL, and cannot be signed")
}
