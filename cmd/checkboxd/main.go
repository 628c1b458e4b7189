// Package main is the checkbox server entrypoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/config"
	"github.com/ochmanski/tenmillioncheckboxes/internal/discovery"
	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/log"
	"github.com/ochmanski/tenmillioncheckboxes/internal/metrics"
	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"
	"github.com/ochmanski/tenmillioncheckboxes/internal/server"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()
	v                         = viper.New()

	rootCmd = &cobra.Command{
		Use:          "checkboxd",
		Short:        "Serves the shared checkbox grid over websocket.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         run,
	}
)

func openGateway(ctx context.Context, cfg config.Config) (gateway.Gateway, error) {
	switch cfg.Store {
	case config.StoreRedis:
		gw, err := gateway.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect to redis failed")
		}
		return gw, nil
	case config.StorePostgres:
		gw, err := gateway.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect to postgres failed")
		}
		return gw, nil
	case config.StoreBolt:
		gw, err := gateway.NewBolt(cfg.BoltPath)
		if err != nil {
			return nil, errors.Wrap(err, "open bolt store failed")
		}
		return gw, nil
	case config.StoreMemory:
		return gateway.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown store %q", cfg.Store)
}

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return errors.Wrap(err, "load config failed")
	}
	log.SetLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := openGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()
	logger.WithField("store", cfg.Store).Info("connected to store")

	reg, err := newRegistry()
	if err != nil {
		return errors.Wrap(err, "register metrics failed")
	}

	r, err := relay.NewRelay(
		relay.WithSubscriber(gw),
		relay.WithCapacity(cfg.RelayCapacity),
		relay.WithLogger(logger),
	)
	if err != nil {
		return errors.Wrap(err, "new relay failed")
	}
	if err := r.Start(ctx); err != nil {
		return errors.Wrap(err, "start relay failed")
	}

	srv, err := server.NewServer(
		server.WithGateway(gw),
		server.WithRelay(r),
		server.WithLogger(logger),
		server.WithStoreTimeout(cfg.StoreTimeout),
		server.WithGatherer(reg),
	)
	if err != nil {
		return errors.Wrap(err, "new server failed")
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		zs, err := discovery.Advertise(cfg.Port, server.WSPath)
		if err != nil {
			return errors.Wrap(err, "advertise server failed")
		}
		defer zs.Shutdown()
		logger.WithField("service", discovery.Service).Info("advertising over mDNS")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(r.Run(gctx), "relay stopped")
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.Addr()).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Wrap(httpServer.Shutdown(shutdownCtx), "shutdown http failed")
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func init() {
	if err := config.BindFlags(rootCmd, v); err != nil {
		logger.Fatalln(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
