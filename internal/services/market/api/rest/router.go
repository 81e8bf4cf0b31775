// Package rest exposes the marketplace HTTP surface kept compatible with the
// browser front-end: tasks, deals, chat history and escrow stages.
package rest

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/services/market/service"
)

// Config wires optional collaborators into the router.
type Config struct {
	// AllowedOrigins lists the CORS origins. Empty allows any origin.
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *metrics.Registry
	// Chat serves GET /ws when set.
	Chat http.Handler
	// Compile serves POST /compile when set.
	Compile http.Handler
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *service.Service, cfg Config) (http.Handler, error) {
	if svc == nil {
		return nil, errors.New("market service is required")
	}
	logger := logging.OrNop(cfg.Logger)
	h := &handlers{svc: svc, logger: logger}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		ExposedHeaders: []string{nextPageTokenHeader},
		MaxAge:         300,
	}))
	r.Use(traceRequests)
	r.Use(observeRequests(logger, cfg.Metrics))

	r.Get("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Post("/newtask", h.handleCreateTask)
	r.Get("/gettasks", h.handleListTasks)

	r.Post("/check-or-create-chat", h.handleCheckOrCreateChat)
	r.Get("/get-chats", h.handleListChats)
	r.Get("/get-chat/{chatId}", h.handleGetChat())
	r.Get("/get-messages/{chatId}", h.handleListMessages)
	r.Post("/update-transaction-stage", h.handleUpdateTransactionStage)
	r.Post("/update-address", h.handleUpdateAddress)
	r.Get("/get-address/{chatId}", h.handleGetAddress())
	r.Get("/get-dealer/{chatId}", h.handleGetDealer())
	r.Get("/get-dealer-customer/{chatId}", h.handleGetDealerCustomer())
	r.Get("/get-reward/{chatId}", h.handleGetReward())

	if cfg.Chat != nil {
		r.Handle("/ws", cfg.Chat)
	}
	if cfg.Compile != nil {
		r.Method(http.MethodPost, "/compile", cfg.Compile)
	}
	return r, nil
}
