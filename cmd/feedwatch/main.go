package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedwatch/internal/app"
	"feedwatch/internal/config"
	logx "feedwatch/pkg/logx"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitPartial = 2
)

const usage = `usage: feedwatch <command> [flags]

commands:
  run [--once]                 watch sources (resident, or one pass with --once)
  prune --older-than <dur>     delete dedup records not seen for <dur>
  list-sources                 print configured sources

common flags:
  -config <path>               config file (default ./feedwatch.yaml)
  -env <path>                  .env file loaded before the config (default ./.env)
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitConfig
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", config.DefaultPath, "path to config yaml/json")
	envPath := fs.String("env", ".env", "path to .env file")
	once := fs.Bool("once", false, "run every source once and exit (run only)")
	olderThan := fs.String("older-than", "", "prune records not seen for this long (prune only)")

	switch cmd {
	case "run", "prune", "list-sources":
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitConfig
	}
	if err := fs.Parse(rest); err != nil {
		return exitConfig
	}
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "list-sources":
		cfg, err := config.Load(*cfgPath, config.LoadOptions{})
		if err != nil {
			fmt.Fprintln(stderr, "config error:", err)
			return exitConfig
		}
		if err := app.ListSources(stdout, cfg); err != nil {
			fmt.Fprintln(stderr, "config error:", err)
			return exitConfig
		}
		return exitOK

	case "prune":
		d, err := config.ParseDurationField("older-than", *olderThan)
		if err != nil || d <= 0 {
			fmt.Fprintln(stderr, "config error: --older-than must be a positive duration")
			return exitConfig
		}
		cfg, err := config.Load(*cfgPath, config.LoadOptions{})
		if err != nil {
			fmt.Fprintln(stderr, "config error:", err)
			return exitConfig
		}
		_, log := logx.New(logx.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Console: true})
		n, err := app.Prune(ctx, cfg, d, log)
		if err != nil {
			fmt.Fprintln(stderr, "prune failed:", err)
			return exitConfig
		}
		fmt.Fprintf(stdout, "pruned %d records\n", n)
		return exitOK
	}

	a, err := app.New(app.Options{ConfigPath: *cfgPath})
	if err != nil {
		if errors.Is(err, config.ErrInvalid) || errors.Is(err, config.ErrSecretMissing) {
			fmt.Fprintln(stderr, "config error:", err)
		} else {
			fmt.Fprintln(stderr, "startup error:", err)
		}
		return exitConfig
	}

	if *once || a.Config().Once() {
		if _, err := a.RunOnce(ctx); err != nil {
			fmt.Fprintln(stderr, "run failed:", err)
			return exitPartial
		}
		return exitOK
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return exitConfig
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitConfig
	}
	return exitOK
}
