package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/spdigital/kiosk-zoom/bus"
	"github.com/spdigital/kiosk-zoom/worker"
)

// BridgePath is where the worker serves the bridge websocket.
const BridgePath = "/bridge"

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker and serve the bridge to the pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			b, err := a.startWorker(ctx)
			if err != nil {
				return err
			}
			return a.serveBridge(ctx, b)
		},
	}
}

// startWorker starts the coordinator on a new bus.
func (a *app) startWorker(ctx context.Context) (*bus.Bus, error) {
	b := bus.New(a.logger)
	coord := worker.New(a.khaosClient(), a.state, b, worker.Options{
		KioskName: a.opts.KioskName,
		Nature:    a.opts.Nature,
	}, a.logger)
	go coord.Run(ctx)

	if err := b.Listen(ctx, coord); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return b, nil
}

func (a *app) serveBridge(ctx context.Context, b *bus.Bus) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(BridgePath, bus.NewBridgeHandler(b, a.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "ok, %d tabs\n", b.Tabs())
	})

	srv := &http.Server{
		Addr:              a.opts.BridgeAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	color.Green("worker listening on ws://%s%s", a.opts.BridgeAddr, BridgePath)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving bridge: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down bridge: %w", err)
	}
	return nil
}
