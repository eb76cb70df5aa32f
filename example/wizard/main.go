// Command wizard serves the org.zeenix.Person example service.
//
//	wizard -config wizard.yaml
//
// Settings come from the YAML file, a .env file in the working directory
// and DISPATCH_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-dispatch/config"
	"github.com/cyberinferno/go-dispatch/logger"
	"github.com/cyberinferno/go-dispatch/metrics"
	"github.com/cyberinferno/go-dispatch/server"
	"github.com/cyberinferno/go-dispatch/statestore"
	"github.com/cyberinferno/go-dispatch/wizard"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	key := flag.String("key", "gandalf", "store key of the wizard")
	flag.Parse()

	if err := run(*configPath, *key); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, key string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Service: "wizard", Level: cfg.LogLevel, Dir: cfg.LogDir})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	w, err := wizard.Restore(ctx, store, key, wizard.Snapshot{Name: "Gandalf", Age: 100})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(cfg.MetricsNamespace, reg)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Name:              "wizard",
		Network:           cfg.Network,
		Address:           cfg.Address,
		BufferSize:        cfg.BufferSize,
		ReplyDecodeErrors: cfg.ReplyDecodeErrors,
		CallsPerSecond:    cfg.CallsPerSecond,
		CallBurst:         cfg.CallBurst,
	}, w, server.WithLogger(log), server.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.MetricsAddress != "" {
		httpSrv := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics listening", logger.Field{Key: "addr", Value: cfg.MetricsAddress})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("wizard exiting", logger.Field{Key: "name", Value: w.Snapshot().Name})
	return err
}

func openStore(ctx context.Context, cfg config.Config) (statestore.Store[wizard.Snapshot], func(), error) {
	if cfg.Store != config.StoreRedis {
		return statestore.NewMemoryStore[wizard.Snapshot](cfg.CleanupInterval), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	return statestore.NewRedisStore[wizard.Snapshot](client, cfg.RedisPrefix), func() { _ = client.Close() }, nil
}
