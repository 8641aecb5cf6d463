// Package mainboilerplate contains shared boilerplate for strata programs.
// It provides narrowly scoped helpers, so that callers needn't buy in to an
// all-or-nothing approach.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate are populated at build time via -ldflags.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port for diagnostics (pprof, metrics, readiness). Disabled if not set"`
}

// InitDiagnosticsAndRecover serves metrics and debugging services of the
// default HTTP mux, if a Port is configured. It returns a closure which
// should be deferred, which logs a recovered panic and writes a termination
// message before re-panicking.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	if cfg.Port != "" {
		http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		http.Handle("/debug/metrics", promhttp.Handler())

		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, nil)
			log.WithField("err", err).Warn("diagnostics server exited")
		}()
	}

	return func() {
		if r := recover(); r != nil {
			// Best effort. See https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

// k8sTerminationLog is the location of a termination message for Kubernetes.
const k8sTerminationLog = "/dev/termination-log"
