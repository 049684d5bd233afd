// Package server exposes the thin operational HTTP surface: stock queries,
// balance queries, and projection rebuild. The business API lives in the
// surrounding application layer; this listener exists for operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"stockline/internal/checks"
	"stockline/internal/domain"
	"stockline/internal/projection"
	"stockline/internal/rebuild"
)

// Config wires the listener's collaborators.
type Config struct {
	Available projection.AvailableQueries
	Balances  projection.BalanceQueries
	Units     projection.HandlingUnitQueries
	Rebuilds  *rebuild.Service
	Checker   *checks.Checker
	Log       zerolog.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds the ops router.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/stock", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		s, err := cfg.Available.Get(req.Context(), q.Get("warehouse"), q.Get("location"), q.Get("sku"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	})
	r.Get("/v1/balances", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		b, err := cfg.Balances.List(req.Context(), q.Get("warehouse"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	})
	r.Get("/v1/handling-units", func(w http.ResponseWriter, req *http.Request) {
		units, err := cfg.Units.List(req.Context(), req.URL.Query().Get("location"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, units)
	})
	r.Post("/v1/projections/{name}/rebuild", func(w http.ResponseWriter, req *http.Request) {
		verify, _ := strconv.ParseBool(req.URL.Query().Get("verify"))
		report, err := cfg.Rebuilds.Rebuild(req.Context(), chi.URLParam(req, "name"), verify)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
	r.Get("/v1/projections/{name}/verify", func(w http.ResponseWriter, req *http.Request) {
		report, err := cfg.Rebuilds.Verify(req.Context(), chi.URLParam(req, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
	r.Get("/v1/checks", func(w http.ResponseWriter, req *http.Request) {
		anomalies, err := cfg.Checker.Run(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if anomalies == nil {
			anomalies = []checks.Anomaly{}
		}
		writeJSON(w, http.StatusOK, anomalies)
	})
	return r
}

// Serve runs the listener until the context ends, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ops listener started")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case code == domain.CodeValidation, code == domain.CodeInvalidProjection:
		status = http.StatusBadRequest
	case code == domain.CodeConcurrency, code == domain.CodeHardLockConflict:
		status = http.StatusConflict
	case code == domain.CodeInsufficientAvailable, code == domain.CodeInsufficientBalance:
		status = http.StatusUnprocessableEntity
	}
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: err.Error()}})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}
