package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scott-cotton/cli"

	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/reflection"
	"github.com/hupe1980/flowkit/tracing"
)

const requestTimeout = 30 * time.Second

func runManager(cfg *ManagerConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Manager.Parse(cc, args); err != nil {
		return err
	}
	c, err := cfg.load()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: level, Format: c.Log.Format, Output: os.Stderr, Component: "manager"})
	p := newPrinter(cc.Out, cfg.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		telemetry    *tracing.Server
		telemetryURL string
	)
	if cfg.Telemetry != "" {
		store, closeStore, err := openTraceStore(cfg.Store, cfg.StorePath)
		if err != nil {
			return err
		}
		defer closeStore()
		l, err := net.Listen("tcp", cfg.Telemetry)
		if err != nil {
			return err
		}
		telemetryURL = "http://" + l.Addr().String()
		telemetry = tracing.NewServer(store, logger)
		go func() {
			if err := telemetry.Serve(l); err != nil {
				logger.Error("telemetry.server.failed", "error", err)
				stop()
			}
		}()
		fmt.Fprintf(cc.Out, "telemetry server listening on %s (%s store)\n", telemetryURL, cfg.Store)
	}

	mgr := reflection.NewManager(func(o *reflection.ManagerOptions) {
		o.Logger = logger
		o.TelemetryServerURL = telemetryURL
		o.OnRegister = func(info reflection.RuntimeInfo) {
			fmt.Fprintf(cc.Out, "%s %s %s (pid %d, flowkit %s)\n",
				p.ok.Sprint("+"), p.key.Sprint(info.ID), info.Name, info.PID, info.FlowkitVersion)
		}
		o.OnDisconnect = func(info reflection.RuntimeInfo) {
			fmt.Fprintf(cc.Out, "%s %s %s\n", p.fail.Sprint("-"), p.key.Sprint(info.ID), info.Name)
		}
	})
	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- mgr.Serve(l) }()
	fmt.Fprintf(cc.Out, "manager listening on ws://%s\n", l.Addr().String())

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := mgr.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if telemetry != nil {
		if serr := telemetry.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// openTraceStore opens the trace store kind the manager was asked for.
func openTraceStore(kind, path string) (tracing.TraceStore, func(), error) {
	switch kind {
	case "", "memory":
		return tracing.NewMemoryTraceStore(), func() {}, nil
	case "sqlite":
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		s, err := tracing.OpenSQLiteTraceStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown trace store %q", cli.ErrUsage, kind)
	}
}

func listActionsCmd(cfg *RuntimeConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Command.Parse(cc, args); err != nil {
		return err
	}
	base, err := cfg.runtimeURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	actions, err := newHTTPClient(base).listActions(ctx)
	if err != nil {
		return err
	}
	newPrinter(cc.Out, cfg.NoColor).actions(actions)
	return nil
}

func runActionCmd(cfg *RuntimeConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Command.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("%w: run requires an action key and optional json input", cli.ErrUsage)
	}
	req := reflection.RunActionRequest{Key: args[0]}
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("%w: input is not valid json", cli.ErrUsage)
		}
		req.Input = json.RawMessage(args[1])
	}
	base, err := cfg.runtimeURL()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := newPrinter(cc.Out, cfg.NoColor)
	c := newHTTPClient(base)
	var res *reflection.RunActionResponse
	if cfg.Stream {
		res, err = c.streamAction(ctx, req, p.chunk)
	} else {
		res, err = c.runAction(ctx, req)
	}
	if err != nil {
		return err
	}
	return p.result(res)
}

func cancelActionCmd(cfg *RuntimeConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Command.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: cancel requires one trace id", cli.ErrUsage)
	}
	base, err := cfg.runtimeURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	msg, err := newHTTPClient(base).cancelAction(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cc.Out, msg)
	return nil
}

func listTracesCmd(cfg *TelemetryConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Command.Parse(cc, args); err != nil {
		return err
	}
	base, err := cfg.telemetryURL()
	if err != nil {
		return err
	}
	if cfg.Filter != "" {
		if _, err := tracing.CompileFilter(cfg.Filter); err != nil {
			return fmt.Errorf("%w: %w", cli.ErrUsage, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := newHTTPClient(base).listTraces(ctx, cfg.Limit, cfg.Filter, cfg.Token)
	if err != nil {
		return err
	}
	newPrinter(cc.Out, cfg.NoColor).traces(res)
	return nil
}

func showTraceCmd(cfg *TelemetryConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Command.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: trace requires one trace id", cli.ErrUsage)
	}
	base, err := cfg.telemetryURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	t, err := newHTTPClient(base).loadTrace(ctx, args[0])
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("telemetry server %s did not answer", base)
	}
	if err != nil {
		return err
	}
	newPrinter(cc.Out, cfg.NoColor).trace(t)
	return nil
}
