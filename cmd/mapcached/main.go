// Command mapcached serves TTL maps over HTTP on top of an in-process store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/IvanBrykalov/mapcache/eviction"
	"github.com/IvanBrykalov/mapcache/internal/api"
	"github.com/IvanBrykalov/mapcache/store/memstore"
)

func main() {
	// a missing .env is fine; flags and the real environment still apply
	_ = godotenv.Load()

	var opts Opts
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level}))
	slog.SetDefault(log)

	if err := run(opts, log); err != nil {
		log.Error("mapcached stopped", "error", err)
		os.Exit(1)
	}
}

func run(opts Opts, log *slog.Logger) error {
	st := memstore.New(memstore.Options{Slots: opts.Slots, Latency: opts.Latency})
	sched := eviction.New(opts.Eviction(log))
	defer func() { _ = sched.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	maps := api.NewRegistry(st, sched, api.RegistryOptions{
		Metrics:      reg,
		CleanupQueue: opts.CleanupQueue,
		Logger:       log,
	})
	defer func() { _ = maps.Close() }()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           api.NewServer(maps, reg, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", opts.Addr, "batch", opts.BatchSize, "interval", opts.Interval().Initial())
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
