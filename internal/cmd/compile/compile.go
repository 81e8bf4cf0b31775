// Package compile parses compile command flags and composes the marketplace
// server with the escrow contract compiler enabled.
package compile

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/apsl-space/apsl/internal/platform/cmd"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/services/compiler"
	server "github.com/apsl-space/apsl/internal/services/market/app"
)

// Config holds compile command configuration.
type Config struct {
	HTTPAddr        string        `env:"COMPILE_HTTP_ADDR"       envDefault:":8888"`
	GRPCAddr        string        `env:"COMPILE_GRPC_ADDR"`
	DBPath          string        `env:"DB_PATH"                 envDefault:"data/market.db"`
	AllowedOrigins  []string      `env:"COMPILE_ALLOWED_ORIGINS" envDefault:"https://apsl.space" envSeparator:","`
	RESTOrigins     []string      `env:"COMPILE_REST_ALLOWED_ORIGINS" envSeparator:","`
	ChatTokenSecret string        `env:"CHAT_TOKEN_SECRET"`
	ChatTokenTTL    time.Duration `env:"CHAT_TOKEN_TTL"          envDefault:"24h"`
	ProjectDir      string        `env:"COMPILE_PROJECT_DIR"     envDefault:"."`
	BuildCommand    string        `env:"COMPILE_BUILD_COMMAND"   envDefault:"yarn tact"`
	InitCommand     string        `env:"COMPILE_INIT_COMMAND"    envDefault:"yarn --silent ts-node"`
	OwnerAddress    string        `env:"COMPILE_OWNER_ADDRESS"   envDefault:"UQCvpZAXC3sFrBY9yJ3rNXtEBvgF9mgwZLtlHIPwr4g_4-OR"`
	Timeout         time.Duration `env:"COMPILE_TIMEOUT"         envDefault:"60s"`
	MaxConcurrent   int64         `env:"COMPILE_MAX_CONCURRENT"  envDefault:"2"`
	LogLevel        string        `env:"LOG_LEVEL"               envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"              envDefault:"json"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	restOrigins := strings.Join(cfg.RESTOrigins, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (disabled when empty)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&origins, "allowed-origins", origins, "comma-separated WebSocket origins")
	fs.StringVar(&restOrigins, "rest-allowed-origins", restOrigins, "comma-separated REST CORS origins (any origin when empty)")
	fs.StringVar(&cfg.ChatTokenSecret, "chat-token-secret", cfg.ChatTokenSecret, "HMAC secret for chat tokens (chat is open when empty)")
	fs.DurationVar(&cfg.ChatTokenTTL, "chat-token-ttl", cfg.ChatTokenTTL, "chat token lifetime")
	fs.StringVar(&cfg.ProjectDir, "project-dir", cfg.ProjectDir, "Tact project directory (package.json, node_modules)")
	fs.StringVar(&cfg.BuildCommand, "build-command", cfg.BuildCommand, "contract build command, run from the project dir")
	fs.StringVar(&cfg.InitCommand, "init-command", cfg.InitCommand, "state init command, run from the project dir")
	fs.StringVar(&cfg.OwnerAddress, "owner-address", cfg.OwnerAddress, "platform fee recipient address")
	fs.DurationVar(&cfg.Timeout, "compile-timeout", cfg.Timeout, "per-request build timeout")
	fs.Int64Var(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "parallel contract builds")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = entrypoint.SplitList(origins)
	cfg.RESTOrigins = entrypoint.SplitList(restOrigins)
	if _, err := compiler.ValidateAddress("owner", cfg.OwnerAddress); err != nil {
		return Config{}, fmt.Errorf("owner address: %w", err)
	}
	return cfg, nil
}

// Run builds the compile server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{LogLevel: cfg.LogLevel, LogFormat: cfg.LogFormat}
	return entrypoint.Run(ctx, entrypoint.ServiceCompile, options, func(ctx context.Context, logger *zap.Logger) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			GRPCAddr:        cfg.GRPCAddr,
			DBPath:          cfg.DBPath,
			AllowedOrigins:     cfg.AllowedOrigins,
			RESTAllowedOrigins: cfg.RESTOrigins,
			ChatTokenSecret: cfg.ChatTokenSecret,
			ChatTokenTTL:    cfg.ChatTokenTTL,
			Compile: server.CompileConfig{
				Enabled:       true,
				ProjectDir:    cfg.ProjectDir,
				BuildCommand:  cfg.BuildCommand,
				InitCommand:   cfg.InitCommand,
				OwnerAddress:  cfg.OwnerAddress,
				Timeout:       cfg.Timeout,
				MaxConcurrent: cfg.MaxConcurrent,
			},
			Logger:  logger,
			Metrics: metrics.NewRegistry(),
		}); err != nil {
			return fmt.Errorf("serve compile: %w", err)
		}
		return nil
	})
}
