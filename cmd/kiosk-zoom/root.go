package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spdigital/kiosk-zoom/env"
	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/otel"
	"github.com/spdigital/kiosk-zoom/storage"
)

// version is set at build time.
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiosk-zoom",
		Short: "Kiosk video assistance extension",
		Long: `kiosk-zoom connects a kiosk to a remote agent over a video session.

Run "kiosk-zoom worker" for the background coordinator and "kiosk-zoom page"
for each page, or "kiosk-zoom run" to get everything in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML options file (overrides "+env.ConfigFile+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(pageCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kiosk-zoom %s\n", version)
		},
	}
}

// app holds what every context of the process shares.
type app struct {
	opts   *kiosk.Options
	logger *log.Logger
	store  *storage.Store
	state  *storage.State
	tp     otel.TraceProvider
}

func newApp(ctx context.Context) (*app, error) {
	opts := kiosk.NewOptions()
	lookup := env.Lookup
	if cfgFile != "" {
		lookup = withConfigFile(lookup, cfgFile)
	}
	if err := opts.Parse(lookup); err != nil {
		return nil, fmt.Errorf("parsing options: %w", err)
	}

	logger := log.New(logrus.New(), nil)
	level := opts.LogLevel
	if verbose {
		level = logrus.DebugLevel.String()
	}
	if err := logger.SetLevel(level); err != nil {
		return nil, err
	}
	if err := logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
		return nil, err
	}

	tp := otel.NewNoopTraceProvider()
	if opts.TracesEndpoint != "" {
		var err error
		if tp, err = otel.NewTraceProvider(ctx, opts.TracesEndpoint); err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
	}

	store, err := storage.OpenSQLite(ctx, opts.StorePath, logger)
	if err != nil {
		return nil, err
	}
	state := storage.NewState(store)
	seedKioskConfig(ctx, state, opts.Kiosk, logger)

	return &app{opts: opts, logger: logger, store: store, state: state, tp: tp}, nil
}

// seedKioskConfig stores a pre-provisioned kiosk config unless the page
// already provided one.
func seedKioskConfig(ctx context.Context, state *storage.State, cfg kiosk.Config, logger *log.Logger) {
	if cfg.IsZero() {
		return
	}
	current, err := state.KioskConfig(ctx)
	if err != nil {
		logger.Warnf("cmd:seedKioskConfig", "reading kiosk config: %v", err)
		return
	}
	if current.IsZero() {
		state.SetKioskConfig(cfg)
		logger.Infof("cmd:seedKioskConfig", "kiosk config seeded for %q", cfg.Name)
	}
}

func withConfigFile(lookup env.LookupFunc, path string) env.LookupFunc {
	return func(key string) (string, bool) {
		if key == env.ConfigFile {
			return path, true
		}
		return lookup(key)
	}
}

func (a *app) khaosClient() *khaos.Client {
	return khaos.NewClient(a.opts.DefaultHost, a.state.KioskConfig, a.logger)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.Flush(ctx); err != nil {
		a.logger.Warnf("cmd:close", "flushing store: %v", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnf("cmd:close", "closing store: %v", err)
	}
	if err := a.tp.Shutdown(ctx); err != nil {
		a.logger.Warnf("cmd:close", "shutting down tracing: %v", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			color.Yellow("\nReceived signal: %v - shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
