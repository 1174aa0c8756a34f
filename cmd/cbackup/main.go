package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/kdrag0n/cbackup/internal/backup"
	"github.com/kdrag0n/cbackup/internal/cli"
	"github.com/kdrag0n/cbackup/internal/config"
	"github.com/kdrag0n/cbackup/internal/input"
	"github.com/kdrag0n/cbackup/internal/logging"
	"github.com/kdrag0n/cbackup/internal/pm"
	"github.com/kdrag0n/cbackup/internal/report"
	"github.com/kdrag0n/cbackup/internal/restore"
	"github.com/kdrag0n/cbackup/internal/types"
)

const version = "2.0.0"

func main() {
	os.Exit(run())
}

var closeStdinOnce sync.Once

func run() int {
	logger := logging.New(types.LogLevelInfo, true)
	logging.SetDefaultLogger(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Critical("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	// Handle SIGINT (Ctrl+C) and SIGTERM between apps; mid-app work runs to
	// completion or failure.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warning("Received signal %v, stopping after the current app...", sig)
		cancel()
		closeStdinOnce.Do(func() {
			if file := os.Stdin; file != nil {
				_ = file.Close()
			}
		})
	}()

	args, err := cli.Parse()
	if err != nil {
		logger.Error("%v", err)
		return types.ExitConfigError.Int()
	}
	if args.ShowVersion {
		cli.ShowVersion(version)
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	}

	logger.SetLevel(args.LogLevel)
	if args.NoColor {
		logger = logging.New(args.LogLevel, false)
		logging.SetDefaultLogger(logger)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Configuration: %v", err)
		return types.ExitConfigError.Int()
	}

	if os.Geteuid() != 0 {
		logger.Error("cbackup needs root: app data and install sessions are not reachable otherwise")
		return types.ExitEnvironmentError.Int()
	}

	password := cfg.Password
	if password == "" {
		password, err = input.PromptPassword(ctx, args.Mode == types.ModeBackup)
		if err != nil {
			if input.IsAborted(err) {
				return types.ExitInterrupted.Int()
			}
			logger.Error("Password entry: %v", err)
			return types.ExitAuthError.Int()
		}
	}

	service := pm.NewService(logger, nil)

	var summary *report.Summary
	var runErr error
	switch args.Mode {
	case types.ModeRestore:
		orch := restore.New(logger, service, nil, restore.Options{
			SourceRoot:  args.BackupDir,
			Password:    password,
			HostPackage: cfg.HostPackage,
		})
		summary, runErr = orch.Run(ctx)
	default:
		orch := backup.New(logger, service, nil, backup.Options{
			DestRoot:        args.BackupDir,
			Password:        password,
			HostPackage:     cfg.HostPackage,
			ExtraExclusions: cfg.ExtraExclusions,
			ZstdLevel:       cfg.ZstdLevel,
		})
		summary, runErr = orch.Run(ctx)
	}

	if summary != nil {
		summary.Print(logger)
	}

	failCode := types.ExitBackupError
	if args.Mode == types.ModeRestore {
		failCode = types.ExitRestoreError
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warning("Run interrupted")
			return types.ExitInterrupted.Int()
		}
		logger.Error("%v", runErr)
		return failCode.Int()
	}
	if summary != nil && !summary.Ok() {
		return failCode.Int()
	}

	logger.Info("Done")
	return types.ExitSuccess.Int()
}
