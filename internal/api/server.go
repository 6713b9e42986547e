package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/septivank/energy-anomaly-engine/internal/config"
	"github.com/septivank/energy-anomaly-engine/internal/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Middleware wraps the router with recovery, CORS and access logging
func Middleware(router *mux.Router, cfg *config.Config, logger *zap.Logger) http.Handler {
	accessLog := logging.AccessLog(logger)

	var h http.Handler = router
	h = handlers.CORS(
		handlers.AllowedOrigins(cfg.HTTP.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(accessLog), handlers.PrintRecoveryStack(true))(h)
	return handlers.CombinedLoggingHandler(accessLog.Writer(), h)
}

// NewServer creates the HTTP server and binds it to the app lifecycle
func NewServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, router *mux.Router) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: Middleware(router, cfg, logger),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("[HTTP] failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})

	return srv
}
