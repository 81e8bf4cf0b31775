// Package server composes the marketplace HTTP, WebSocket and optional gRPC
// health surfaces over one store.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	platformgrpc "github.com/apsl-space/apsl/internal/platform/grpc"
	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/platform/timeouts"
	"github.com/apsl-space/apsl/internal/services/compiler"
	"github.com/apsl-space/apsl/internal/services/market/api/rest"
	"github.com/apsl-space/apsl/internal/services/market/chat"
	"github.com/apsl-space/apsl/internal/services/market/domain/chatgrant"
	"github.com/apsl-space/apsl/internal/services/market/service"
	"github.com/apsl-space/apsl/internal/services/market/storage/sqlite"
)

// HealthService is the gRPC health service name reported by the process.
const HealthService = "apsl.market"

// CompileConfig enables POST /compile.
type CompileConfig struct {
	Enabled       bool
	ProjectDir    string
	BuildCommand  string
	InitCommand   string
	OwnerAddress  string
	Timeout       time.Duration
	MaxConcurrent int64
	// Runner overrides the toolchain runner, for tests.
	Runner compiler.Runner
}

// Config defines the inputs for the marketplace server.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	DBPath   string
	// AllowedOrigins restricts the chat WebSocket handshake.
	AllowedOrigins []string
	// RESTAllowedOrigins lists the CORS origins for REST routes. Empty allows
	// any origin.
	RESTAllowedOrigins []string
	ChatTokenSecret    string
	ChatTokenTTL       time.Duration
	Compile            CompileConfig
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
	Logger             *zap.Logger
	Metrics            *metrics.Registry
}

// Server hosts the marketplace process.
type Server struct {
	httpListener    net.Listener
	grpcListener    net.Listener
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	relay           *chat.Relay
	store           *sqlite.Store
	logger          *zap.Logger
	shutdownTimeout time.Duration
	closeOnce       sync.Once
}

// NewServer opens storage, binds listeners and wires every handler.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	logger := logging.OrNop(config.Logger)

	store, err := sqlite.Open(ctx, config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open market store: %w", err)
	}

	srv := &Server{
		store:           store,
		logger:          logger,
		shutdownTimeout: config.ShutdownTimeout,
	}
	if err := srv.wire(config, httpAddr); err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) wire(config Config, httpAddr string) error {
	opts := []service.Option{
		service.WithLogger(s.logger),
		service.WithMetrics(config.Metrics),
	}
	if secret := strings.TrimSpace(config.ChatTokenSecret); secret != "" {
		opts = append(opts, service.WithGrantSigner(chatgrant.NewSigner(chatgrant.Config{
			Secret: []byte(secret),
			TTL:    config.ChatTokenTTL,
		})))
	}
	svc, err := service.New(s.store, opts...)
	if err != nil {
		return fmt.Errorf("init market service: %w", err)
	}

	relay, err := chat.NewRelay(svc,
		chat.WithLogger(s.logger),
		chat.WithMetrics(config.Metrics),
		chat.WithAllowedOrigins(config.AllowedOrigins),
	)
	if err != nil {
		return fmt.Errorf("init chat relay: %w", err)
	}
	s.relay = relay

	routerCfg := rest.Config{
		AllowedOrigins: config.RESTAllowedOrigins,
		Logger:         s.logger,
		Metrics:        config.Metrics,
		Chat:           relay.Handler(),
	}
	if config.Compile.Enabled {
		c, err := compiler.New(compiler.Config{
			ProjectDir:    config.Compile.ProjectDir,
			BuildCommand:  config.Compile.BuildCommand,
			InitCommand:   config.Compile.InitCommand,
			OwnerAddress:  config.Compile.OwnerAddress,
			Timeout:       config.Compile.Timeout,
			MaxConcurrent: config.Compile.MaxConcurrent,
			Runner:        config.Compile.Runner,
			Logger:        s.logger,
			Metrics:       config.Metrics,
		})
		if err != nil {
			return fmt.Errorf("init compiler: %w", err)
		}
		routerCfg.Compile = c.Handler()
	}
	handler, err := rest.NewRouter(svc, routerCfg)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	s.httpListener, err = net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen http on %s: %w", httpAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	if grpcAddr := strings.TrimSpace(config.GRPCAddr); grpcAddr != "" {
		s.grpcListener, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc on %s: %w", grpcAddr, err)
		}
		s.health = platformgrpc.NewHealthServer(s.logger, HealthService)
	}
	return nil
}

// HTTPAddr reports the bound HTTP address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr reports the bound gRPC address, or "" when gRPC is disabled.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a marketplace server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init market server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve market: %w", err)
	}
	return nil
}

// ListenAndServe serves HTTP and gRPC until the context ends, then drains
// WebSocket connections and in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("market server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	s.logger.Info("market server listening", zap.String("http_addr", s.HTTPAddr()), zap.String("grpc_addr", s.GRPCAddr()))
	group.Go(func() error {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if s.health != nil {
		s.health.SetServing(true)
		group.Go(func() error {
			return s.health.Serve(groupCtx, s.grpcListener)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		s.relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close releases listeners and storage. It is safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.relay != nil {
			s.relay.Close()
		}
		if s.health != nil {
			s.health.Stop()
		}
		if s.grpcListener != nil {
			_ = s.grpcListener.Close()
		}
		if s.httpServer != nil {
			_ = s.httpServer.Close()
		}
		if s.httpListener != nil {
			_ = s.httpListener.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("close market store", zap.Error(err))
			}
		}
	})
}
