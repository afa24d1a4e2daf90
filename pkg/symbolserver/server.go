// Package symbolserver wires the symbol server components together and runs
// them as dskit services.
package symbolserver

import (
	"context"
	"net"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/thanos-io/objstore"

	"github.com/grafana/symbolserver/pkg/api"
	"github.com/grafana/symbolserver/pkg/health"
	"github.com/grafana/symbolserver/pkg/memdb"
	objstoreclient "github.com/grafana/symbolserver/pkg/objstore"
	"github.com/grafana/symbolserver/pkg/stash"
	"github.com/grafana/symbolserver/pkg/symbolizer"
)

type SymbolServer struct {
	services.Service

	cfg    Config
	logger log.Logger

	Bucket     objstore.Bucket
	Stash      *stash.Stash
	Symbolizer *symbolizer.Symbolizer
	Health     *health.Monitor
	API        *api.API

	httpServer *http.Server
	listener   net.Listener

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// New assembles a symbol server. The HTTP listener is opened here, so the
// bound address is known before the service starts.
func New(ctx context.Context, cfg Config, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*SymbolServer, error) {
	bucket, err := objstoreclient.NewBucket(ctx, cfg.Storage, "symbolserver", logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating bucket")
	}
	return NewWithBucket(cfg, bucket, logger, reg, gatherer)
}

func NewWithBucket(cfg Config, bucket objstore.Bucket, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*SymbolServer, error) {
	s := &SymbolServer{
		cfg:                cfg,
		logger:             logger,
		Bucket:             bucket,
		Health:             health.NewMonitor(logger, reg),
		subservicesWatcher: services.NewFailureWatcher(),
	}

	var opts []memdb.Option
	if cfg.Stash.VerifyChecksums {
		opts = append(opts, memdb.WithCRC())
	}
	var err error
	s.Stash, err = stash.New(cfg.Stash, stash.NewBucketLoader(bucket, opts...), logger, reg)
	if err != nil {
		return nil, err
	}
	s.Health.Register("stash", s.Stash)
	s.Symbolizer = symbolizer.New(logger, s.Stash, reg)
	s.API = api.New(logger, s.Symbolizer, s.Stash, s.Health, gatherer)

	s.listener, err = net.Listen("tcp", cfg.Server.address())
	if err != nil {
		return nil, errors.Wrap(err, "listening")
	}
	s.httpServer = &http.Server{
		Handler:      s.API.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.subservices, err = services.NewManager(s.Stash.Service(), s.newHTTPService())
	if err != nil {
		_ = s.listener.Close()
		return nil, err
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// Addr returns the address the HTTP server listens on.
func (s *SymbolServer) Addr() net.Addr { return s.listener.Addr() }

func (s *SymbolServer) starting(ctx context.Context) error {
	s.subservicesWatcher.WatchManager(s.subservices)
	if err := services.StartManagerAndAwaitHealthy(ctx, s.subservices); err != nil {
		return errors.Wrap(err, "unable to start symbol server subservices")
	}
	level.Info(s.logger).Log("msg", "symbol server started", "addr", s.Addr(), "version", version.Info())
	return nil
}

func (s *SymbolServer) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.subservicesWatcher.Chan():
		return errors.Wrap(err, "symbol server subservice failed")
	}
}

func (s *SymbolServer) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), s.subservices)
}

func (s *SymbolServer) newHTTPService() services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- s.httpServer.Serve(s.listener)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "server stopped unexpectedly")
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			level.Warn(s.logger).Log("msg", "graceful shutdown failed", "err", err)
			_ = s.httpServer.Close()
		}
		<-serverDone
		level.Info(s.logger).Log("msg", "server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// Run starts the server and blocks until ctx is canceled or a subservice
// fails.
func (s *SymbolServer) Run(ctx context.Context) error {
	if err := services.StartAndAwaitRunning(ctx, s); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, s.StopAsync)
	defer stop()
	return s.AwaitTerminated(context.Background())
}
