package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"runtimekit/internal/app"
	logx "runtimekit/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json, yaml or toml)")
	flag.Parse()

	// Used until the app's own log service exists.
	boot := logx.NewConsole("info")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	notify(log, daemon.SdNotifyReady)

	// The supervisor context derives from ctx, so a.Done also fires on a
	// signal.
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
		log.Error("supervisor failed", logx.Err(a.Err()))
	}
	notify(log, daemon.SdNotifyStopping)

	// The scheduler gets its own grace inside Stop; the outer bound only
	// covers the remaining steps.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config().ShutdownGrace()+5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		boot.Error("stop failed", logx.String("reason", string(reason)), logx.Err(err))
		os.Exit(1)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
