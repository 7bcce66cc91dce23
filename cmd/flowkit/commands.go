package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/scott-cotton/cli"

	"github.com/hupe1980/flowkit/config"
)

// MainConfig holds the options shared by every subcommand.
type MainConfig struct {
	ConfigFile string `cli:"name=config desc='configuration file (yaml or json)'"`
	NoColor    bool   `cli:"name=no-color desc='disable coloured output'"`

	Main *cli.Command
}

// load reads the configuration file and the environment.
func (cfg *MainConfig) load() (config.Config, error) {
	return config.Load(cfg.ConfigFile)
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "flowkit").
		WithSynopsis("flowkit [-config file] command [opts]").
		WithDescription("flowkit is the developer CLI for flowkit runtimes.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return flowkitMain(cfg, cc, args)
		}).
		WithSubs(
			ManagerCommand(cfg),
			ActionsCommand(cfg),
			RunCommand(cfg),
			CancelCommand(cfg),
			TracesCommand(cfg),
			TraceCommand(cfg))
}

func flowkitMain(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}
	sub := cfg.Main.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	err = sub.Run(cc, args[1:])
	if errors.Is(err, cli.ErrUsage) {
		sub.Usage(cc, err)
		os.Exit(sub.Exit(cc, err))
	}
	return err
}

type ManagerConfig struct {
	*MainConfig
	Manager *cli.Command

	Addr      string `cli:"name=addr desc='manager listen address' default=127.0.0.1:4100"`
	Telemetry string `cli:"name=telemetry desc='telemetry server listen address, empty disables it'"`
	Store     string `cli:"name=store desc='trace store: memory or sqlite' default=memory"`
	StorePath string `cli:"name=store-path desc='sqlite trace store path' default=.genkit/traces.db"`
}

func ManagerCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ManagerConfig{MainConfig: mainCfg, Addr: "127.0.0.1:4100", Store: "memory", StorePath: ".genkit/traces.db"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Manager, "manager").
		WithAliases("m").
		WithSynopsis("manager [-addr addr] [-telemetry addr] [-store memory|sqlite]").
		WithDescription("run a reflection V2 manager that runtimes connect to").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return runManager(cfg, cc, args)
		})
}

type RuntimeConfig struct {
	*MainConfig
	Command *cli.Command

	Runtime string `cli:"name=runtime desc='runtime reflection URL (default from config)'"`
	Stream  bool   `cli:"name=stream desc='stream chunks while the action runs'"`
}

// runtimeURL returns the -runtime flag or the configured reflection address.
func (cfg *RuntimeConfig) runtimeURL() (string, error) {
	if cfg.Runtime != "" {
		return cfg.Runtime, nil
	}
	c, err := cfg.load()
	if err != nil {
		return "", err
	}
	return "http://" + c.Reflection.Addr, nil
}

func ActionsCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &RuntimeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Command, "actions").
		WithAliases("a").
		WithSynopsis("actions [-runtime url]").
		WithDescription("list the actions of a runtime").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return listActionsCmd(cfg, cc, args)
		})
}

func RunCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &RuntimeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Command, "run").
		WithAliases("r").
		WithSynopsis("run [-runtime url] [-stream] <key> [json input]").
		WithDescription("run an action on a runtime and print its result").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return runActionCmd(cfg, cc, args)
		})
}

func CancelCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &RuntimeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Command, "cancel").
		WithSynopsis("cancel [-runtime url] <traceId>").
		WithDescription("cancel a running action").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return cancelActionCmd(cfg, cc, args)
		})
}

type TelemetryConfig struct {
	*MainConfig
	Command *cli.Command

	Telemetry string `cli:"name=telemetry desc='telemetry server URL (default from config)'"`
	Limit     int    `cli:"name=limit desc='maximum number of traces' default=20"`
	Filter    string `cli:"name=filter desc='trace filter expression'"`
	Token     string `cli:"name=token desc='continuation token of the previous page'"`
}

// telemetryURL returns the -telemetry flag or the configured server.
func (cfg *TelemetryConfig) telemetryURL() (string, error) {
	if cfg.Telemetry != "" {
		return cfg.Telemetry, nil
	}
	c, err := cfg.load()
	if err != nil {
		return "", err
	}
	switch {
	case c.Telemetry.ServerURL != "":
		return c.Telemetry.ServerURL, nil
	case c.Telemetry.ServeAddr != "":
		return "http://" + c.Telemetry.ServeAddr, nil
	default:
		return "", fmt.Errorf("%w: no telemetry server configured, pass -telemetry", cli.ErrUsage)
	}
}

func TracesCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &TelemetryConfig{MainConfig: mainCfg, Limit: 20}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Command, "traces").
		WithAliases("ts").
		WithSynopsis("traces [-telemetry url] [-limit n] [-filter expr] [-token t]").
		WithDescription("list recent traces").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return listTracesCmd(cfg, cc, args)
		})
}

func TraceCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &TelemetryConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Command, "trace").
		WithAliases("t").
		WithSynopsis("trace [-telemetry url] <traceId>").
		WithDescription("show one trace as a span tree").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return showTraceCmd(cfg, cc, args)
		})
}
