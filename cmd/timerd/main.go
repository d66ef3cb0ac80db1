// Command timerd runs the timer daemon and manages its stored timers.
//
//	timerd [-config path] [run]
//	timerd [-config path] add -handler timer-start-event -repeat R3/PT1H -definition invoice:1
//	timerd [-config path] list | audit [-limit n] | fire <timer-id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timerd/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Usage = usage
	flag.Parse()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(cfgPath)
	case "add":
		err = withApp(cfgPath, func(ctx context.Context, a *app.App) error { return addTimer(ctx, a, args) })
	case "list":
		err = withApp(cfgPath, listTimers)
	case "audit":
		err = withApp(cfgPath, func(ctx context.Context, a *app.App) error { return listAudit(ctx, a, args) })
	case "fire":
		err = withApp(cfgPath, func(ctx context.Context, a *app.App) error { return fireTimer(ctx, a, args) })
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [run|add|list|audit|fire] [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx, a)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchdog pings systemd while the app supervisor is healthy. It is a no-op
// unless WatchdogSec is set on the unit.
func watchdog(ctx context.Context, a *app.App) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// withApp builds the app without starting acquisition, for one-shot commands
// against the configured store.
func withApp(cfgPath string, fn func(context.Context, *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
	return fn(ctx, a)
}
