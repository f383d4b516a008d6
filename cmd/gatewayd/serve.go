package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/engine"
	"github.com/oriys/nova/internal/funcconfig"
	"github.com/oriys/nova/internal/gatewayhttp"
	"github.com/oriys/nova/internal/grpcsurface"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/queue"
	"github.com/oriys/nova/internal/registry"
	"github.com/oriys/nova/internal/workerconn"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON config file (defaults are used if empty)")
	return cmd
}

func runServe(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.SetLevelFromString(cfg.Observability.LogLevel)
	logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Exporter:    cfg.Observability.TracingExporter,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: "nova-gatewayd",
		SampleRate:  cfg.Observability.SampleRate,
	}); err != nil {
		return err
	}
	defer observability.Shutdown(context.Background())

	fc, err := funcconfig.Load(cfg.FuncConfigPath)
	if err != nil {
		return err
	}

	gw := metrics.New(cfg.Metrics.Namespace, nil)

	eng := engine.New(engine.Config{
		MaxRunningExternal: cfg.Admission.MaxRunningExternal,
		MaxQueuePerFunc:    cfg.Admission.MaxQueuePerFunc,
		Breaker: circuitbreaker.Config{
			ErrorPct:       cfg.Breaker.ErrorPct,
			WindowDuration: cfg.Breaker.WindowDuration,
			OpenDuration:   cfg.Breaker.OpenDuration,
			HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		},
	}, fc, gw)

	notifier, err := buildNotifier(cfg.Queue)
	if err != nil {
		return err
	}
	eng.SetNotifier(notifier)
	defer notifier.Close()

	reg := registry.New(eng, fc)
	if !cfg.Admission.DisableMonitor {
		reg.SetMonitor(registry.LoggingMonitor{})
	}
	eng.SetRouter(reg)

	ipcServer, err := workerconn.NewServer(cfg.IPC.SocketPath, cfg.IPC.Backlog, eng, reg)
	if err != nil {
		return err
	}

	httpHandler := gatewayhttp.New(eng, fc, gw, stop)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: observability.HTTPMiddleware(httpHandler),
	}

	var grpcServer interface {
		Serve(net.Listener) error
		GracefulStop()
	}
	var grpcListener net.Listener
	if cfg.GRPC.Enabled {
		grpcListener, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		grpcServer = grpcsurface.NewServer(eng, fc)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Op().Info("gatewayd: ipc listening", "path", cfg.IPC.SocketPath)
		if err := ipcServer.Serve(); err != nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		logging.Op().Info("gatewayd: http listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if grpcServer != nil {
		group.Go(func() error {
			logging.Op().Info("gatewayd: grpc listening", "addr", cfg.GRPC.Addr)
			return grpcServer.Serve(grpcListener)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logging.Op().Info("gatewayd: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)

		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		ipcServer.Close()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	return nil
}

func buildNotifier(cfg config.QueueConfig) (queue.Notifier, error) {
	switch cfg.Backend {
	case "", "noop":
		return queue.NewNoopNotifier(), nil
	case "channel":
		return queue.NewChannelNotifier(), nil
	case "redis":
		return queue.NewRedisNotifier(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})), nil
	case "redis-list":
		return queue.NewRedisListNotifier(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})), nil
	default:
		return queue.NewNoopNotifier(), nil
	}
}
