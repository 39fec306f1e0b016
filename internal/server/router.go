package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/config"
	"github.com/biswas2200/mechant-pwr-ai/internal/engine"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
	"github.com/biswas2200/mechant-pwr-ai/internal/results"
	"github.com/biswas2200/mechant-pwr-ai/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is implemented by the stores the health endpoint probes.
type Health interface {
	Ping(ctx context.Context) error
}

func SetupRouter(r *chi.Mux, cfg *config.Config, eng *engine.Engine, resultStore *results.Store, schedStore *scheduler.Store, checks []Health) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.Ping(r.Context()); err != nil {
				logger.Error("Health check failed", zap.Error(err))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Type           string          `json:"type"`
				Payload        json.RawMessage `json:"payload"`
				IdempotencyKey string          `json:"idempotency_key"`
				Priority       string          `json:"priority"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode submit request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Type == "" {
				http.Error(w, "Missing job type", http.StatusBadRequest)
				return
			}
			if len(req.Payload) == 0 {
				req.Payload = json.RawMessage("{}")
			}
			jobID, duplicate, err := eng.Submit(r.Context(), req.Type, req.Payload,
				req.IdempotencyKey, job.ParsePriority(req.Priority))
			if err != nil {
				if errors.Is(err, registry.ErrUnknownJobType) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				logger.Error("Failed to submit job", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			status := http.StatusAccepted
			if duplicate {
				status = http.StatusOK
			}
			writeJSON(w, status, map[string]any{"job_id": jobID, "duplicate": duplicate}, logger)
		})

		r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := eng.Status(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				if errors.Is(err, results.ErrNotFound) {
					http.Error(w, "Job not found", http.StatusNotFound)
					return
				}
				logger.Error("Failed to get job status", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, recordResponse(rec), logger)
		})

		r.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			jobID := chi.URLParam(r, "id")
			if err := eng.Cancel(r.Context(), jobID); err != nil {
				if errors.Is(err, results.ErrNotFound) {
					http.Error(w, "Job not found", http.StatusNotFound)
					return
				}
				if errors.Is(err, results.ErrTerminalState) {
					http.Error(w, "Job already finished", http.StatusConflict)
					return
				}
				logger.Error("Failed to cancel job", zap.Error(err), zap.String("job_id", jobID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/deadletters", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			recs, err := resultStore.ListDeadLettered(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := make([]map[string]any, 0, len(recs))
			for _, rec := range recs {
				out = append(out, recordResponse(rec))
			}
			writeJSON(w, http.StatusOK, out, logger)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", func(w http.ResponseWriter, r *http.Request) {
				var sc scheduler.Schedule
				if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if err := scheduler.Validate(sc); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				now := time.Now()
				sc.ID = uuid.NewString()
				sc.Enabled = true
				sc.CreatedAt = now
				sc.UpdatedAt = now
				next, err := scheduler.NextFire(sc, now)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				sc.NextFire = next
				if err := schedStore.Create(r.Context(), sc); err != nil {
					logger.Error("Failed to create schedule", zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusCreated, sc, logger)
			})

			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				list, err := schedStore.List(r.Context())
				if err != nil {
					logger.Error("Failed to list schedules", zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, list, logger)
			})

			r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
				sc, err := schedStore.Get(r.Context(), chi.URLParam(r, "id"))
				if err != nil {
					if errors.Is(err, scheduler.ErrScheduleNotFound) {
						http.Error(w, "Schedule not found", http.StatusNotFound)
						return
					}
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, sc, logger)
			})

			r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
				var sc scheduler.Schedule
				if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				sc.ID = chi.URLParam(r, "id")
				if err := scheduler.Validate(sc); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				next, err := scheduler.NextFire(sc, time.Now())
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				sc.NextFire = next
				if err := schedStore.Update(r.Context(), sc); err != nil {
					if errors.Is(err, scheduler.ErrScheduleNotFound) {
						http.Error(w, "Schedule not found", http.StatusNotFound)
						return
					}
					logger.Error("Failed to update schedule", zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, sc, logger)
			})

			r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				if err := schedStore.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
					if errors.Is(err, scheduler.ErrScheduleNotFound) {
						http.Error(w, "Schedule not found", http.StatusNotFound)
						return
					}
					logger.Error("Failed to delete schedule", zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Write([]byte("OK"))
			})
		})
	})
}

func recordResponse(rec results.Record) map[string]any {
	out := map[string]any{
		"job_id":   rec.JobID,
		"type":     rec.Type,
		"state":    rec.State,
		"attempts": rec.Attempts,
	}
	if len(rec.Result) > 0 {
		out["result"] = json.RawMessage(rec.Result)
	}
	if rec.LastError != nil {
		out["error"] = *rec.LastError
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
