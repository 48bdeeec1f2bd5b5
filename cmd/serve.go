package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/pipeline"
)

const maxBodyBytes = 4 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recommendation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initPipeline(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Cache.SweepIntervalSecs > 0 {
			env.Cache.StartSweeper(ctx, seconds(cfg.Cache.SweepIntervalSecs))
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(env, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.Server.ShutdownTimeoutSecs))
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// rescoreRequest pairs a request with records from an earlier run.
type rescoreRequest struct {
	Request pipeline.Request          `json:"request"`
	Records []*model.EnrichmentRecord `json:"records"`
}

// buildRouter mounts the API on a chi router.
func buildRouter(env *pipelineEnv, sc config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: sc.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if sc.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(sc.RateLimitPerMin, time.Minute))
		}

		r.Get("/sources", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sources": describeSources(env.Registry)})
		})

		r.Post("/recommendations", func(w http.ResponseWriter, r *http.Request) {
			var req pipeline.Request
			if !decodeBody(w, r, &req) {
				return
			}
			resp, err := env.Pipeline.Run(r.Context(), req)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Post("/rescore", func(w http.ResponseWriter, r *http.Request) {
			var body rescoreRequest
			if !decodeBody(w, r, &body) {
				return
			}
			if len(body.Records) == 0 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "records is required", Field: "records"})
				return
			}
			resp, err := env.Pipeline.Rescore(body.Request, body.Records)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
			st, err := env.Cache.Stats(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	})

	return r
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps pipeline errors onto status codes: validation 400,
// configuration 500, anything else 502.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	var ce *model.ConfigError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
	case errors.As(err, &ce):
		zap.L().Error("configuration error", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: ce.Error()})
	default:
		zap.L().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
