// Package api exposes the capture engine over HTTP: session lifecycle,
// hook inspection, captured records, and exports.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/engine"
	"github.com/dgnsrekt/netlens/internal/hook"
	"github.com/dgnsrekt/netlens/internal/store"
)

// Service is the engine surface the API needs. *engine.Engine satisfies it.
type Service interface {
	StartMonitoring(ctx context.Context, sessionID, profileAlias string) error
	StopMonitoring(sessionID string) error
	Cleanup(sessionID string) error
	Status() engine.Status
	Records(sessionID string) ([]capture.Record, error)
	Export(sessionID, format, path string) (string, error)
	Hooks() []hook.Summary
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Netlens Capture API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerSessionHandlers(api, svc)
	registerHookHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrUnknownSession), errors.Is(err, store.ErrUnknownSession):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, engine.ErrSessionExists):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, store.ErrBadFormat):
		return huma.Error400BadRequest(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
