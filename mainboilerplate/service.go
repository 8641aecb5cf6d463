package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
	log "github.com/sirupsen/logrus"
	"go.strata.dev/core/server"
	"go.strata.dev/core/stores"
	"go.strata.dev/core/stores/azure"
	"go.strata.dev/core/stores/fs"
	"go.strata.dev/core/stores/gcs"
	"go.strata.dev/core/stores/s3"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" default:"" description:"Interface to bind. All interfaces if not set"`
	Port uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP and gRPC requests. A random port is used if zero"`
}

// MustServer binds and returns a server.Server of the ServiceConfig. An
// unset ID is generated.
func (cfg *ServiceConfig) MustServer() *server.Server {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	var srv, err = server.New(cfg.Host, cfg.Port)
	Must(err, "failed to build server", "host", cfg.Host, "port", cfg.Port)

	log.WithFields(log.Fields{
		"id":       cfg.ID,
		"endpoint": srv.Endpoint(),
	}).Info("bound service")
	return srv
}

// StoresConfig configures the blob stores of Files and their copies.
type StoresConfig struct {
	FileRoot string `long:"file-root" env:"FILE_ROOT" description:"Local path which roots file:// store URLs. Defaults to the working directory"`
}

// RegisterStores registers the file://, s3://, gs://, azure://, and
// azure-ad:// store providers.
func RegisterStores(cfg StoresConfig) {
	var root = cfg.FileRoot
	if root == "" {
		var err error
		root, err = os.Getwd()
		Must(err, "failed to determine working directory")
	}
	fs.FileSystemStoreRoot = root

	stores.RegisterProviders(map[string]stores.Constructor{
		"file":     fs.New,
		"s3":       s3.New,
		"gs":       gcs.New,
		"azure":    azure.NewAccount,
		"azure-ad": azure.NewAD,
	})
}
