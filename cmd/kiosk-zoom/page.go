package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/bus"
	"github.com/spdigital/kiosk-zoom/content"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/videosim"
	"github.com/spdigital/kiosk-zoom/widget"
)

var pageHost string

func pageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "page",
		Short: "Run the content script of a page against a running worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			remote, err := bus.Dial(ctx, "ws://"+a.opts.BridgeAddr+BridgePath, a.logger)
			if err != nil {
				return err
			}
			defer remote.Close()

			go func() {
				select {
				case <-remote.Done():
					color.Red("lost the worker")
					cancel()
				case <-ctx.Done():
				}
			}()

			return a.runPage(ctx, remote, remote)
		},
	}
	cmd.Flags().StringVar(&pageHost, "host", "localhost", "host of the simulated page, port included")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker and a page in one process",
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
			tab := b.OpenTab()
			defer tab.Close()

			return a.runPage(ctx, b, tab)
		},
	}
	cmd.Flags().StringVar(&pageHost, "host", "localhost", "host of the simulated page, port included")
	return cmd
}

// runPage runs the content script of a simulated page and reports what the
// page shows until ctx is done.
func (a *app) runPage(ctx context.Context, rt api.Runtime, tab api.Tab) error {
	doc := dom.NewDocument()
	launcher := widget.NewLauncher(rt, a.state, func() api.VideoClient {
		return videosim.New(a.logger)
	}, widget.Options{KioskName: a.opts.KioskName}, a.logger)

	m := content.New(doc, rt, tab, a.state, a.khaosClient(), content.Options{
		Host:      pageHost,
		KioskName: a.opts.KioskName,
		Launcher:  launcher,
	}, a.logger)

	go reportUI(ctx, doc, m)

	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("running page %q: %w", pageHost, err)
	}
	return nil
}

func reportUI(ctx context.Context, doc *dom.Document, m *content.Mediator) {
	changed, stop := doc.Observe()
	defer stop()

	last := kiosk.UIHidden
	seen := map[string]bool{}
	color.Cyan("page %s: %s", pageHost, last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		if s := m.UIState(); s != last {
			last = s
			color.Cyan("page %s: %s", pageHost, s)
		}
		shown := map[string]bool{}
		for _, t := range m.Toaster().Toasts() {
			shown[t.ID()] = true
			if !seen[t.ID()] {
				color.Yellow("  toast: %s", t.Text())
			}
		}
		seen = shown
	}
}
