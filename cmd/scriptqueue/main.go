// Package main provides the scriptqueue CLI entrypoint.
//
// Usage:
//
//	scriptqueue <command> [options]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lsst-ts/scriptqueue/allocator"
	"github.com/lsst-ts/scriptqueue/bus/redisbus"
	"github.com/lsst-ts/scriptqueue/discovery"
	"github.com/lsst-ts/scriptqueue/engine"
	"github.com/lsst-ts/scriptqueue/history/s3archive"
	"github.com/lsst-ts/scriptqueue/log"
	"github.com/lsst-ts/scriptqueue/queue"
	"github.com/lsst-ts/scriptqueue/queuecfg"
	"github.com/lsst-ts/scriptqueue/supervisor"
	"github.com/lsst-ts/scriptqueue/tui"
)

// commit is set via ldflags at build time.
var commit = "unknown"

// version is the module's reported version string.
const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:           "scriptqueue",
		Usage:          "LSST script queue control-plane core",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

const exitConfigError = 2

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the engine against a Redis command bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to YAML config file",
			},
			&cli.IntFlag{
				Name:  "index",
				Usage: "Component index (min_idx = index * 100000)",
			},
			&cli.StringFlag{
				Name:  "standardpath",
				Usage: "Directory of standard scripts",
			},
			&cli.StringFlag{
				Name:  "externalpath",
				Usage: "Directory of external scripts",
			},
			&cli.StringFlag{
				Name:     "bus-url",
				Usage:    "Redis connection URL",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "history-bound",
				Usage: "Maximum retained history entries",
				Value: 100,
			},
			&cli.StringFlag{
				Name:  "s3-bucket",
				Usage: "Optional S3 bucket to archive retired scripts to (opt-in)",
			},
			&cli.StringFlag{
				Name:  "s3-prefix",
				Usage: "Key prefix within --s3-bucket",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "AWS region for the S3 archive sink",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	var cfg *queuecfg.Config
	if configPath := c.String("config"); configPath != "" {
		loaded, err := queuecfg.Load(configPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to load config: %v", err), exitConfigError)
		}
		cfg = loaded
	}

	componentIndex := resolveInt(c, "index", configIntVal(cfg, func(c *queuecfg.Config) int { return c.ComponentIndex }))
	standardPath := resolveString(c, "standardpath", configVal(cfg, func(c *queuecfg.Config) string { return c.StandardPath }))
	externalPath := resolveString(c, "externalpath", configVal(cfg, func(c *queuecfg.Config) string { return c.ExternalPath }))
	historyBound := resolveInt(c, "history-bound", configIntVal(cfg, func(c *queuecfg.Config) int { return c.HistoryBound }))

	if standardPath == "" {
		return cli.Exit("--standardpath is required (provide via CLI flag or config file)", exitConfigError)
	}
	if externalPath == "" {
		return cli.Exit("--externalpath is required (provide via CLI flag or config file)", exitConfigError)
	}

	minIdx := componentIndex * 100000
	maxIdx := minIdx + 99999
	if cfg != nil && cfg.MinIndex != 0 {
		minIdx = cfg.MinIndex
	}
	if cfg != nil && cfg.MaxIndex != 0 {
		maxIdx = cfg.MaxIndex
	}

	logger := log.NewLogger(componentIndex)

	busCfg := redisbus.Config{URL: c.String("bus-url")}
	if cfg != nil {
		busCfg.CommandsChannel = cfg.Bus.CommandsChannel
		busCfg.AckChannel = cfg.Bus.AckChannel
		busCfg.QueueChannel = cfg.Bus.QueueChannel
		busCfg.ScriptChannel = cfg.Bus.ScriptChannel
		busCfg.AvailChannel = cfg.Bus.AvailChannel
		busCfg.Timeout = cfg.Bus.Timeout.Duration
		if cfg.Bus.Retries != nil {
			busCfg.Retries = *cfg.Bus.Retries
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	b, err := redisbus.New(ctx, busCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	q := queue.New(historyBound)

	supCfg := supervisor.Config{StandardRoot: standardPath, ExternalRoot: externalPath}
	if cfg != nil {
		supCfg.LoadTimeout = cfg.LoadTimeout.Duration
		supCfg.GraceWindow = cfg.GraceWindow.Duration
	}

	alloc := allocator.New(minIdx, maxIdx)
	disc := discovery.New(standardPath, externalPath)
	notifier := engine.NewBusNotifier(b, logger)

	sup := supervisor.New(supCfg, logger, nil)
	eng := engine.New(q, sup, alloc, disc, notifier, logger)
	sup.SetNotifier(eng)

	if bucket := c.String("s3-bucket"); bucket != "" {
		archiveCfg := s3archive.Config{
			Bucket: bucket,
			Prefix: c.String("s3-prefix"),
			Region: c.String("s3-region"),
		}
		archiver, err := s3archive.New(ctx, archiveCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to construct S3 archiver: %w", err)
		}
		eng.SetArchiver(archiver)
	}

	eng.SetEnabled(true)

	logger.Info("scriptqueue run starting", map[string]any{
		"component_index": componentIndex,
		"min_idx":         minIdx,
		"max_idx":         maxIdx,
	})

	eng.Serve(ctx, b, b)
	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Launch the read-only queue dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bus-url",
				Usage:    "Redis connection URL",
				Required: true,
			},
		},
		Action: watchAction,
	}
}

func watchAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	sub, err := redisbus.Subscribe(ctx, redisbus.Config{URL: c.String("bus-url")})
	if err != nil {
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}
	defer func() { _ = sub.Close() }()

	return tui.Run(sub.QueueEvents(), sub.ScriptEvents())
}

// resolveString applies CLI flag > config file > flag default precedence.
func resolveString(c *cli.Context, flag, fallback string) string {
	if v := c.String(flag); v != "" {
		return v
	}
	return fallback
}

func resolveInt(c *cli.Context, flag string, fallback int) int {
	if c.IsSet(flag) {
		return c.Int(flag)
	}
	return fallback
}

func configVal(cfg *queuecfg.Config, get func(*queuecfg.Config) string) string {
	if cfg == nil {
		return ""
	}
	return get(cfg)
}

func configIntVal(cfg *queuecfg.Config, get func(*queuecfg.Config) int) int {
	if cfg == nil {
		return 0
	}
	return get(cfg)
}
