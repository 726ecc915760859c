package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operational HTTP server",
	Long:  "Exposes queue/cache freshness statistics and a manual refresh trigger. Refreshes run under the same rate limit and call budget as the CLI paths.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := e.Store.Stats(req.Context(), staleCutoff())
			if err != nil {
				zap.L().Error("stats query failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats query failed"})
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Names []string `json:"names"`
				Stale bool     `json:"stale"`
				Limit int      `json:"limit"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if !body.Stale && len(body.Names) == 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "names or stale required"})
				return
			}

			var updated int
			var err error
			if body.Stale {
				updated, err = e.Resolver.RefreshStale(req.Context(), body.Limit)
			} else {
				updated, err = e.Resolver.Refresh(req.Context(), body.Names)
			}
			if err != nil {
				zap.L().Error("refresh failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
				return
			}

			writeJSON(w, http.StatusOK, map[string]int{
				"updated":          updated,
				"budget_remaining": e.Budget.Remaining(),
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
