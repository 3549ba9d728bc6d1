package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"biochip-go/pkg/actuation"
	"biochip-go/pkg/config"
	"biochip-go/pkg/grid"
	"biochip-go/pkg/log"
	"biochip-go/pkg/metrics"
	"biochip-go/pkg/monitor"
	"biochip-go/pkg/motion"
	"biochip-go/pkg/program"
)

const (
	// shutdownTimeout bounds how long servers get to drain on exit.
	shutdownTimeout = 5 * time.Second
	// finishTimeout bounds the final plate clear after an interrupt.
	finishTimeout = 10 * time.Second
)

// run loads the configuration, compiles the program and, unless only
// checking, executes it while the optional servers run alongside.
func run(ctx context.Context, opts options, diag io.Writer) error {
	logger := log.GetLogger("biochip")

	hc, err := config.LoadHost(opts.configFile)
	if err != nil {
		return fmt.Errorf("config %s: %w", opts.configFile, err)
	}
	bounds, err := motion.NewBounds(hc.Grid.MaxX, hc.Grid.MaxY)
	if err != nil {
		return err
	}
	hm := metrics.Global()

	res, err := program.CompileFile(opts.programFile, program.WithBounds(bounds), program.WithMetrics(hm))
	if err != nil {
		return err
	}
	if !res.OK() && !opts.force {
		return res.Err()
	}
	printDiagnostics(diag, res)
	logger.Info("%s: %d operations", opts.programFile, len(res.Operations))
	if opts.check {
		return nil
	}

	client, err := actuation.Open(actuation.Config{
		Device:         hc.Serial.Device,
		Socket:         hc.Serial.Socket,
		BaudRate:       hc.Serial.Baud,
		StartupDelay:   hc.Serial.StartupDelay.Duration(),
		PendingTimeout: hc.Serial.PendingTimeout.Duration(),
		Bounds:         bounds,
	}, actuation.WithMetrics(hm))
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.versionCheck {
		if _, err := client.Handshake(ctx, actuation.DefaultHandshakeConfig()); err != nil {
			return err
		}
	}

	var mon *monitor.Server
	gridOpts := []grid.Option{grid.WithMetrics(hm)}
	if hc.Monitor.Addr != "" {
		// Events are only emitted during Run, after mon is set.
		gridOpts = append(gridOpts, grid.WithEventSink(grid.EventSinkFunc(func(e grid.Event) {
			mon.Publish(e)
		})))
	}
	orch, err := grid.New(client, grid.Config{
		Bounds:        bounds,
		SettleTime:    hc.Grid.SettleTime.Duration(),
		ClearOnFinish: hc.Grid.ClearOnFinish,
	}, gridOpts...)
	if err != nil {
		return err
	}

	srvCtx, stopServers := context.WithCancel(ctx)
	defer stopServers()
	g, gctx := errgroup.WithContext(srvCtx)

	if hc.Monitor.Addr != "" {
		mon = monitor.New(monitor.Config{
			Addr:     hc.Monitor.Addr,
			Username: hc.Monitor.Username,
			Password: hc.Monitor.Password,
			Grid:     orch,
			Link:     client,
		})
		serve(g, gctx, mon.Start, mon.Shutdown)
	}
	if hc.Metrics.Addr != "" {
		ms := metrics.NewMetricsServerWithConfig(hm, metrics.MetricsServerConfig{
			Address:      hc.Metrics.Addr,
			Username:     hc.Metrics.Username,
			Password:     hc.Metrics.Password,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		serve(g, gctx, ms.Start, ms.Shutdown)
	}

	g.Go(func() error {
		defer stopServers()
		runErr := orch.Run(gctx, res.Operations)

		// Plates are cleared even after a failed or interrupted run.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		if err := orch.Finish(fctx); err != nil {
			logger.WithError(err).Warn("finish failed")
			if runErr == nil {
				runErr = err
			}
		}
		if runErr == nil {
			st := orch.Status()
			logger.WithField("run_id", st.RunID).Infof("run complete: %d operations", st.Executed)
		}
		return runErr
	})

	return g.Wait()
}

// serve runs a server in g and shuts it down when ctx ends.
func serve(g *errgroup.Group, ctx context.Context, start func() error, shutdown func(context.Context) error) {
	g.Go(start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(sctx)
	})
}

// printDiagnostics lists the lines skipped by a forced run.
func printDiagnostics(w io.Writer, res program.Result) {
	if res.OK() {
		return
	}
	fmt.Fprintf(w, "Skipping %d lines with errors:\n", len(res.Diagnostics))
	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
