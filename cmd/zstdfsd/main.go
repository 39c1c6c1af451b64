// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/zstdfs/zstdfs/lib/clock"
	"github.com/zstdfs/zstdfs/lib/config"
	"github.com/zstdfs/zstdfs/lib/fsops"
	"github.com/zstdfs/zstdfs/lib/inodemap"
	"github.com/zstdfs/zstdfs/lib/sizexattr"
)

func main() {
	code := run()
	os.Exit(code)
}

// run returns the process exit code, matching spec.md §6 exactly: 0
// clean unmount, 1 configuration or permission error at startup, 2
// runtime fatal (backing filesystem rejected xattr, or KV store
// corruption).
func run() int {
	var (
		dataDir          string
		mountPoint       string
		convertMode      bool
		allowOther       bool
		compressionLevel int
		envFile          string
		verbosity        int
		debugFUSE        bool
		showVersion      bool
	)

	pflag.StringVar(&dataDir, "data-dir", "", "backing directory (required)")
	pflag.StringVar(&mountPoint, "mount-point", "", "empty directory to mount over (required)")
	pflag.BoolVar(&convertMode, "convert", false, "absorb plain files found in the backing directory into .zst form")
	pflag.BoolVar(&allowOther, "allow-other", false, "allow users other than the mount owner to access the filesystem")
	pflag.IntVar(&compressionLevel, "compression-level", 0, "zstd compression level, 0-19 (0 selects the library default)")
	pflag.StringVar(&envFile, "env-file", "", "path to a KEY=VALUE file supplying default flag values")
	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	pflag.BoolVar(&debugFUSE, "debug-fuse", false, "log every FUSE request and reply")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("zstdfsd (development build)")
		return 0
	}

	if envFile != "" {
		defaults, err := config.LoadEnvFile(envFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "zstdfsd: %v\n", err)
			return 1
		}
		applyEnvDefault(&dataDir, "data-dir", defaults)
		applyEnvDefault(&mountPoint, "mount-point", defaults)
	}

	cfg := config.Config{
		DataDir:          dataDir,
		MountPoint:       mountPoint,
		Convert:          convertMode,
		AllowOther:       allowOther,
		CompressionLevel: compressionLevel,
		LogLevel:         config.LevelFromVerbosity(verbosity),
		EnvFile:          envFile,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "zstdfsd: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	runtimeDir := filepath.Join(os.TempDir(), "fuse-zstd")
	scratchDir := filepath.Join(runtimeDir, "scratch")
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		logger.Error("creating runtime directory", "error", err)
		return 1
	}

	fsys, err := fsops.New(cfg.DataDir, scratchDir, cfg.CompressionLevel, cfg.Convert, clock.Real(), logger)
	if err != nil {
		logger.Error("initializing filesystem core", "error", err)
		if errors.Is(err, inodemap.ErrPersistCorrupt) || errors.Is(err, sizexattr.ErrUnsupported) {
			return 2
		}
		return 1
	}
	defer fsys.Close()

	server, err := fsops.Mount(fsys, cfg.MountPoint, cfg.AllowOther, debugFUSE)
	if err != nil {
		logger.Error("mounting filesystem", "error", err)
		return 1
	}

	logger.Info("zstdfs mounted",
		"data_dir", cfg.DataDir,
		"mount_point", cfg.MountPoint,
		"convert", cfg.Convert,
		"compression_level", cfg.CompressionLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down, unmounting", "mount_point", cfg.MountPoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	logger.Info("unmounted cleanly")
	return 0
}

func applyEnvDefault(target *string, flagName string, defaults map[string]string) {
	if *target != "" {
		return
	}
	envKey := "ZSTDFS_" + flagEnvSuffix(flagName)
	if v, ok := defaults[envKey]; ok {
		*target = v
	}
}

func flagEnvSuffix(flagName string) string {
	out := make([]byte, 0, len(flagName))
	for _, r := range flagName {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
