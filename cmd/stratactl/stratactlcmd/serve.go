package stratactlcmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.strata.dev/core/mainboilerplate"
	"go.strata.dev/core/synctest"
	"go.strata.dev/core/task"
)

type cmdServe struct {
	Service     mbp.ServiceConfig     `group:"Service" namespace:"service" env-namespace:"SERVICE"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`

	Schema   string        `long:"schema" short:"s" required:"true" description:"Path of the YAML Schema of synchronized objects"`
	DB       string        `long:"db" default:"" description:"Path of the SQLite database of users and history. In-memory if not set"`
	TokenTTL time.Duration `long:"token-ttl" default:"30m" description:"Time-to-live of issued access tokens"`
	Deny     []string      `long:"deny-class" description:"Classes which flexible sync clients may not query"`
	Users    []string      `long:"user" description:"Email / password users to add, as email:password"`
}

func init() {
	CommandRegistry.AddCommand("", "serve", "Serve a development sync service", `
Serve a development sync service, which accepts partition-based and flexible
sync sessions over HTTP until signaled to exit (via SIGTERM or SIGINT).

Prometheus metrics are served at /metrics, and gRPC health checks are served
on the same port. For example:
>    stratactl serve --schema schema.yaml --service.port 9000 --user ann@example.com:secret
`, &cmdServe{})
}

func (cmd *cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	startup()

	var s, err = loadSchema(cmd.Schema)
	mbp.Must(err, "failed to load schema", "path", cmd.Schema)

	syncSrv, err := synctest.NewServer(synctest.Options{
		Schema:        s,
		DBPath:        cmd.DB,
		TokenTTL:      cmd.TokenTTL,
		DeniedClasses: cmd.Deny,
	})
	mbp.Must(err, "failed to build sync server")

	var ctx = context.Background()
	for _, u := range cmd.Users {
		var email, password, ok = strings.Cut(u, ":")
		if !ok {
			log.WithField("user", u).Fatal("users must be given as email:password")
		}
		mbp.Must(syncSrv.AddUser(ctx, email, password), "failed to add user", "email", email)
	}

	var srv = cmd.Service.MustServer()
	srv.HTTPMux.Handle("/", syncSrv)

	var tasks = task.NewGroup(ctx, "serve")
	srv.QueueTasks(tasks)

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})

	log.WithFields(log.Fields{"endpoint": srv.Endpoint(), "id": cmd.Service.ID}).Info("serving sync")
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "serve task failed")
	mbp.Must(syncSrv.Close(), "failed to close sync server")
	log.Info("goodbye")
	return nil
}
