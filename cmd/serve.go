package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/monitoring"
	"github.com/shelfwise/flyer-pipeline/internal/pipeline"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		// The webhook drives extraction, so the pipeline config must be
		// usable too.
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		extractor := initExtractor(st)
		repairer := pipeline.NewRepairer(st, 0)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Handle("/metrics", promhttp.Handler())

		r.Post("/webhook/flyer-uploaded", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				StorageRef string `json:"storage_ref"`
				FileName   string `json:"file_name"`
				FlyerID    string `json:"flyer_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			flyerID := body.FlyerID
			if flyerID == "" {
				if body.StorageRef == "" {
					writeError(w, http.StatusBadRequest, "storage_ref is required")
					return
				}
				f, err := st.CreateFlyerImage(req.Context(), model.FlyerImage{
					StorageRef: body.StorageRef,
					FileName:   body.FileName,
				})
				if err != nil {
					zap.L().Error("webhook: flyer registration failed", zap.Error(err))
					writeError(w, http.StatusInternalServerError, "could not register flyer")
					return
				}
				flyerID = f.ID
			}

			// Completed and failed flyers are skipped inside ProcessFlyer, so
			// webhook retries for the same flyer are harmless.
			go func() {
				if err := extractor.ProcessFlyer(ctx, flyerID); err != nil {
					zap.L().Error("webhook: flyer processing failed",
						zap.String("flyer_id", flyerID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("webhook: flyer processed", zap.String("flyer_id", flyerID))
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"flyer_id": flyerID,
			})
		})

		r.Post("/discounts/apply", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ItemID     string  `json:"item_id"`
				ProductID  string  `json:"product_id"`
				Percentage float64 `json:"percentage"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if body.ItemID == "" || body.ProductID == "" {
				writeError(w, http.StatusBadRequest, "item_id and product_id are required")
				return
			}

			product, err := st.ApplyDiscount(req.Context(), body.ItemID, body.ProductID, body.Percentage, false)
			switch {
			case err == nil:
			case eris.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, err.Error())
				return
			case eris.Is(err, store.ErrConflict):
				writeError(w, http.StatusConflict, "concurrent update, retry the request")
				return
			default:
				zap.L().Error("discount apply failed",
					zap.String("item_id", body.ItemID),
					zap.String("product_id", body.ProductID),
					zap.Error(err),
				)
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			monitoring.DiscountsApplied.WithLabelValues("manual").Inc()
			writeJSON(w, http.StatusOK, product)
		})

		r.Delete("/discounts/{productID}", func(w http.ResponseWriter, req *http.Request) {
			productID := chi.URLParam(req, "productID")
			if err := st.RemoveDiscount(req.Context(), productID); err != nil {
				if eris.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, err.Error())
					return
				}
				zap.L().Error("discount removal failed", zap.String("product_id", productID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "product_id": productID})
		})

		r.Post("/repair", func(w http.ResponseWriter, req *http.Request) {
			count, err := repairer.RepairAll(req.Context())
			if err != nil {
				zap.L().Error("repair failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"repaired": count})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownServer(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// drainTimeout bounds how long in-flight requests may finish after a stop
// signal.
const drainTimeout = 10 * time.Second

// shutdownServer drains the server with its own deadline. The signal context
// is already canceled by the time shutdown starts, so it cannot be reused.
func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	srv.Shutdown(ctx) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
