// Package cmd holds the startup plumbing shared by every marketplace command.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apsl-space/apsl/internal/platform/config"
	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service names, used for telemetry resources and logger names.
const (
	ServiceMarket  = "market"
	ServiceCompile = "compile"
)

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	LogLevel  string
	LogFormat string
	// Logger replaces the logger built from LogLevel and LogFormat.
	Logger *zap.Logger
	// ShutdownTimeout bounds the telemetry flush on exit.
	ShutdownTimeout time.Duration
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// SplitList splits a comma-separated flag value, dropping blanks.
func SplitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Run builds the process logger, configures tracing and executes run with a
// logger named after service.
func Run(ctx context.Context, service string, options RunOptions, run func(context.Context, *zap.Logger) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := options.Logger
	if logger == nil {
		built, err := logging.New(options.LogLevel, options.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = built.Sync() }()
		logger = built
	}
	logger = logger.Named(service)

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		timeout := options.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()
	return run(ctx, logger)
}
