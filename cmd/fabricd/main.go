package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatfabric/internal/app"
	"chatfabric/pkg/logx"
	"chatfabric/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "./configs/fabricd.yaml", "path to config (yaml or json)")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with FABRIC_* overrides")
	flag.Parse()

	log := logx.NewConsole("INFO").With(logx.Component("main"))
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("env file not loaded", logx.String("path", envFile), logx.Err(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := app.New(ctx, app.Options{ConfigPath: cfgPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := f.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = f.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}
	systemd.Ready(log)

	wdCtx, wdCancel := context.WithCancel(ctx)
	go func() {
		if err := systemd.Watchdog(wdCtx, log); err != nil {
			log.Warn("watchdog disabled", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-f.Done():
		reason = app.StopFatalError
		log.Error("fabric failed", logx.Err(f.Err()))
	}
	wdCancel()
	systemd.Stopping(log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := f.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
