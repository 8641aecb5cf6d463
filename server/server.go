// Package server bundles the HTTP and gRPC servers of a strata process,
// multiplexed over a single bound TCP socket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
	"go.strata.dev/core/task"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server bundles HTTP & gRPC servers, multiplexed over a single bound TCP
// socket (using CMux). The HTTP server carries the sync protocol and
// metrics, and the gRPC server carries health checks.
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// CMux wraps RawListener to provide connection protocol multiplexing.
	CMux cmux.CMux
	// GRPCListener is a CMux Listener for gRPC connections.
	GRPCListener net.Listener
	// HTTPListener is a CMux Listener for HTTP connections.
	HTTPListener net.Listener
	// HTTPMux is the http.ServeMux which is served by QueueTasks.
	HTTPMux *http.ServeMux
	// GRPCServer is the gRPC server which is served by QueueTasks.
	GRPCServer *grpc.Server
	// Health of the Server, which reports SERVING until the Server stops.
	Health *health.Server
	// Ctx is cancelled when the Server begins to stop.
	Ctx context.Context

	cancel context.CancelFunc
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be zero, in which case a random free port is assigned.
func New(iface string, port uint16) (*Server, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		RawListener: raw.(*net.TCPListener),
		HTTPMux:     http.NewServeMux(),
		GRPCServer: grpc.NewServer(
			grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
			grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		),
		Health: health.NewServer(),
		Ctx:    ctx,
		cancel: cancel,
	}
	healthpb.RegisterHealthServer(srv.GRPCServer, srv.Health)
	grpc_prometheus.Register(srv.GRPCServer)
	srv.HTTPMux.Handle("/metrics", promhttp.Handler())

	srv.CMux = cmux.New(keepAliveListener{srv.RawListener})
	srv.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("failed to CMux client connection to a listener")
		}
		return true // Continue serving RawListener.
	})

	// gRPC clients delay their first request until the HTTP/2 handshake
	// completes, so the matcher sends an initial SETTINGS frame.
	srv.GRPCListener = srv.CMux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	srv.HTTPListener = srv.CMux.Match(cmux.HTTP1Fast())

	return srv, nil
}

// Endpoint of the Server.
func (s *Server) Endpoint() string {
	return "http://" + s.RawListener.Addr().String()
}

// QueueTasks serving the CMux, HTTP, and gRPC component servers onto the
// task.Group. The Server stops when the task.Group is cancelled.
func (s *Server) QueueTasks(tg *task.Group) {
	var hs = &http.Server{Handler: s.HTTPMux, ReadHeaderTimeout: 10 * time.Second}

	tg.Queue("CMux.Serve", func() error {
		if err := s.CMux.Serve(); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after stopping.
	})
	tg.Queue("http.Serve", func() error {
		if err := hs.Serve(s.HTTPListener); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue("GRPCServer.Serve", func() error {
		if err := s.GRPCServer.Serve(s.GRPCListener); err != nil && err != grpc.ErrServerStopped && s.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue("Server.Stop", func() error {
		<-tg.Context().Done()

		s.cancel()
		s.Health.Shutdown()

		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err = hs.Shutdown(ctx)

		s.GRPCServer.GracefulStop()
		_ = s.RawListener.Close() // Stops CMux.Serve.
		return err
	})
}

// GRPCLoopback returns a connection to the local gRPC server.
func (s *Server) GRPCLoopback() (*grpc.ClientConn, error) {
	return grpc.NewClient(s.RawListener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// keepAliveListener sets TCP keep-alive timeouts on accepted connections,
// so that dead connections eventually go away.
type keepAliveListener struct {
	*net.TCPListener
}

func (ln keepAliveListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
