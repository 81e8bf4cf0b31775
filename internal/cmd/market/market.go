// Package market parses market command flags and composes the marketplace
// server.
package market

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/apsl-space/apsl/internal/platform/cmd"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	server "github.com/apsl-space/apsl/internal/services/market/app"
)

// Config holds market command configuration.
type Config struct {
	HTTPAddr        string        `env:"MARKET_HTTP_ADDR"       envDefault:":3000"`
	GRPCAddr        string        `env:"MARKET_GRPC_ADDR"`
	DBPath          string        `env:"DB_PATH"                envDefault:"data/market.db"`
	AllowedOrigins  []string      `env:"MARKET_ALLOWED_ORIGINS" envDefault:"http://localhost:5173,http://localhost:5174" envSeparator:","`
	RESTOrigins     []string      `env:"MARKET_REST_ALLOWED_ORIGINS" envSeparator:","`
	ChatTokenSecret string        `env:"CHAT_TOKEN_SECRET"`
	ChatTokenTTL    time.Duration `env:"CHAT_TOKEN_TTL"         envDefault:"24h"`
	LogLevel        string        `env:"LOG_LEVEL"              envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"             envDefault:"json"`
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
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = entrypoint.SplitList(origins)
	cfg.RESTOrigins = entrypoint.SplitList(restOrigins)
	return cfg, nil
}

// Run builds the market server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{LogLevel: cfg.LogLevel, LogFormat: cfg.LogFormat}
	return entrypoint.Run(ctx, entrypoint.ServiceMarket, options, func(ctx context.Context, logger *zap.Logger) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			GRPCAddr:        cfg.GRPCAddr,
			DBPath:          cfg.DBPath,
			AllowedOrigins:     cfg.AllowedOrigins,
			RESTAllowedOrigins: cfg.RESTOrigins,
			ChatTokenSecret: cfg.ChatTokenSecret,
			ChatTokenTTL:    cfg.ChatTokenTTL,
			Logger:          logger,
			Metrics:         metrics.NewRegistry(),
		}); err != nil {
			return fmt.Errorf("serve market: %w", err)
		}
		return nil
	})
}
