// Package stratactlcmd implements the sub-commands of stratactl.
package stratactlcmd

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	mbp "go.strata.dev/core/mainboilerplate"
	"go.strata.dev/core/migration"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/storage"
)

// IniFilename is the name of stratactl's optional configuration file.
const IniFilename = "stratactl.ini"

var (
	// BaseCfg is configuration shared by all sub-commands.
	BaseCfg = new(struct {
		Log    mbp.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Stores mbp.StoresConfig `group:"Stores" namespace:"stores" env-namespace:"STORES"`
	})
	// CommandRegistry of stratactl sub-commands.
	CommandRegistry = make(mbp.CommandRegistry)

	// fileSystem of Files, which tests replace.
	fileSystem = afero.NewOsFs()
)

func startup() {
	mbp.InitLog(BaseCfg.Log)
	mbp.RegisterStores(BaseCfg.Stores)
}

// FileConfig is common configuration of commands which operate on a File.
type FileConfig struct {
	Path    string `long:"file" short:"f" required:"true" description:"Path of the File"`
	KeyFile string `long:"key-file" description:"Path of a file holding the hex-encoded, 64-byte encryption key of the File"`
}

func (cfg FileConfig) key() ([]byte, error) {
	return readKey(cfg.KeyFile)
}

func readKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	var b, err = afero.ReadFile(fileSystem, path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding key file %s", path)
	} else if len(key) != storage.KeySize {
		return nil, errors.Errorf("key file %s must hold %d bytes (got %d)", path, storage.KeySize, len(key))
	}
	return key, nil
}

// open the File and load its stored Schema.
func (cfg FileConfig) open() (*mvcc.Manager, *schema.Schema, error) {
	var key, err = cfg.key()
	if err != nil {
		return nil, nil, err
	}
	if ok, err := afero.Exists(fileSystem, cfg.Path); err != nil {
		return nil, nil, err
	} else if !ok {
		return nil, nil, errors.Errorf("file %s does not exist", cfg.Path)
	}
	m, err := mvcc.Open(fileSystem, cfg.Path, mvcc.Options{Options: storage.Options{EncryptionKey: key}})
	if err != nil {
		return nil, nil, err
	}
	s, err := migration.Load(m)
	if err == nil && s == nil {
		err = errors.Errorf("file %s has no schema", cfg.Path)
	}
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, s, nil
}

func splitPath(path string) (dir, name string) {
	return filepath.Dir(path), filepath.Base(path)
}
