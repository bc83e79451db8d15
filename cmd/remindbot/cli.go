package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"remindbot/internal/app"
	"remindbot/internal/config"
	"remindbot/internal/mcpserver"
	"remindbot/internal/reminder"
	"remindbot/internal/timeparse"
	logx "remindbot/pkg/logx"
)

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  "./config.json",
	Usage:  "path to the JSON or YAML config file",
	EnvVar: "REMINDBOT_CONFIG",
}

func Execute(args []string) error {
	a := cli.App{
		Name:      "remindbot",
		Usage:     "Telegram reminder bot",
		Version:   strings.TrimSuffix(version+"-"+commit, "-"),
		UsageText: "remindbot [command] [--config path]",
		Flags:     []cli.Flag{configFlag},
		Action:    run,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the bot and deliver reminders (default)",
				Flags:  []cli.Flag{configFlag},
				Action: run,
			},
			{
				Name:   "mcp",
				Usage:  "serve reminder tools over MCP (stdio) against the configured store",
				Flags:  []cli.Flag{configFlag},
				Action: serveMCP,
			},
			{
				Name:   "check-config",
				Usage:  "validate the config file and print a summary",
				Flags:  []cli.Flag{configFlag},
				Action: checkConfig,
			},
			{
				Name:      "parse-time",
				Usage:     "show how a time expression is understood",
				ArgsUsage: "<expression>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "tz", Value: "Local", Usage: "IANA timezone to parse in"},
				},
				Action: parseTime,
			},
		},
	}
	return a.Run(args)
}

func configPath(ctx *cli.Context) string {
	if ctx.IsSet("config") {
		return ctx.String("config")
	}
	if p := ctx.GlobalString("config"); p != "" {
		return p
	}
	return ctx.String("config")
}

func run(ctx *cli.Context) error {
	a, err := app.New(configPath(ctx))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func serveMCP(ctx *cli.Context) error {
	_, cfg, err := app.LoadConfig(configPath(ctx))
	if err != nil {
		return err
	}
	if !cfg.MCP.Enabled {
		return errors.New("mcp is disabled (set mcp.enabled to true)")
	}
	// stdout carries the protocol.
	lc := cfg.Logging
	logSvc, log := logx.New(logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Stderr:  true,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}, nil)
	defer logSvc.Close()
	log = log.With(logx.String("comp", "mcp"))

	st, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := app.NewScheduler(cfg, st, nil, log, nil)
	if err != nil {
		return err
	}
	srv := mcpserver.New(svc, st, mcpserver.Options{DefaultOwner: cfg.MCPOwner(), Logger: log})
	log.Info("mcp server starting", logx.Int64("default_owner", cfg.MCPOwner()))
	return srv.ServeStdio()
}

func checkConfig(ctx *cli.Context) error {
	path := configPath(ctx)
	_, cfg, err := app.LoadConfig(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%s: %v", path, err), 1)
	}
	tz := cfg.Scheduler.Timezone
	if tz == "" {
		tz = "UTC"
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	fmt.Printf("%s: ok\n", path)
	fmt.Printf("  token set:     %v\n", strings.TrimSpace(cfg.Telegram.Token) != "")
	fmt.Printf("  owners:        %d\n", len(cfg.Telegram.OwnerUserIDs))
	fmt.Printf("  scheduler:     enabled=%v timezone=%s\n", cfg.Scheduler.Enabled, tz)
	fmt.Printf("  housekeeping:  %s\n", orDefault(cfg.Scheduler.Housekeeping, "@daily"))
	fmt.Printf("  storage:       %s\n", driver)
	fmt.Printf("  mcp:           enabled=%v\n", cfg.MCP.Enabled)
	fmt.Printf("  env overrides: %v\n", config.HasEnvOverrides())
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func parseTime(ctx *cli.Context) error {
	expr := strings.Join(ctx.Args(), " ")
	if strings.TrimSpace(expr) == "" {
		return cli.NewExitError("usage: remindbot parse-time [--tz Area/City] <expression>", 2)
	}
	loc, err := time.LoadLocation(ctx.String("tz"))
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	now := time.Now().In(loc)
	at, err := timeparse.ParseFuture(expr, now)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("%s\n%s (%s)\n", at.Format(time.RFC3339), at.Format("Mon 02 Jan 2006 15:04 MST"), reminder.Until(at, now))
	return nil
}
