package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/manager"
	"modelgate/internal/telemetry"
	"modelgate/internal/tuner"
	"modelgate/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelDescriptor
	Status() types.StatusResponse
	Stats() telemetry.Stats
	Generate(ctx context.Context, in manager.GenerateInput) (string, string, error)
	GenerateStream(ctx context.Context, in manager.GenerateInput) (string, backend.TokenStream, error)
	Embed(ctx context.Context, model string, texts []string) (string, [][]float32, error)
	SetProfile(p tuner.Profile)
	Ready(ctx context.Context) bool
}

// NewMux builds the router. svc is typically the *manager.Manager.
func NewMux(svc Service, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	// ListModels godoc
	// @Summary  List configured models
	// @Produce  json
	// @Success  200 {object} types.ModelsResponse
	// @Router   /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.ListModels()})
	})

	// Status godoc
	// @Summary  Residency snapshot
	// @Produce  json
	// @Success  200 {object} types.StatusResponse
	// @Router   /status [get]
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	// Stats godoc
	// @Summary  Aggregates over the recent-request window
	// @Produce  json
	// @Success  200 {object} types.StatsResponse
	// @Router   /stats [get]
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		s := svc.Stats()
		writeJSON(w, types.StatsResponse{
			AvgLatencyMs:       s.AvgLatencyMs,
			SuccessRatePercent: s.SuccessRatePercent,
			TotalRequests:      s.TotalRequests,
		})
	})

	// SetProfile godoc
	// @Summary  Set the performance profile
	// @Accept   json
	// @Param    request body types.ProfileRequest true "profile"
	// @Success  200 {object} types.ProfileRequest
	// @Failure  400 {object} types.ErrorResponse
	// @Router   /profile [put]
	r.Put("/profile", func(w http.ResponseWriter, r *http.Request) {
		var req types.ProfileRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := tuner.ParseProfile(req.Profile)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		svc.SetProfile(p)
		log.Info().Str("profile", string(p)).Msg("performance profile changed")
		writeJSON(w, types.ProfileRequest{Profile: string(p)})
	})

	// Generate godoc
	// @Summary  Generate a completion, optionally streamed as NDJSON
	// @Accept   json
	// @Produce  json
	// @Param    request body types.GenerateRequest true "generation request"
	// @Success  200 {object} types.GenerateResponse
	// @Failure  400 {object} types.ErrorResponse
	// @Failure  404 {object} types.ErrorResponse
	// @Failure  502 {object} types.ErrorResponse
	// @Failure  504 {object} types.ErrorResponse
	// @Router   /generate [post]
	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		in := manager.GenerateInput{
			Model:    req.Model,
			TaskType: types.TaskType(req.TaskType),
			Prompt:   req.Prompt,
			System:   req.System,
			Overrides: tuner.Overrides{
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
				Timeout:     timeoutOverride(req.TimeoutSeconds),
			},
		}
		start := time.Now()
		rid := middleware.GetReqID(r.Context())

		if !req.Stream {
			modelID, text, err := svc.Generate(r.Context(), in)
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				writeJSONError(w, statusFor(err), err.Error())
				log.Info().Str("request_id", rid).Str("model", modelID).Dur("dur", time.Since(start)).Err(err).Msg("generate failed")
				return
			}
			writeJSON(w, types.GenerateResponse{Model: modelID, Response: text})
			log.Info().Str("request_id", rid).Str("model", modelID).Dur("dur", time.Since(start)).Msg("generate ok")
			return
		}

		modelID, stream, err := svc.GenerateStream(r.Context(), in)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeJSONError(w, statusFor(err), err.Error())
			log.Info().Str("request_id", rid).Str("model", modelID).Dur("dur", time.Since(start)).Err(err).Msg("stream failed")
			return
		}
		defer stream.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		enc := json.NewEncoder(w)
		for {
			tok, err := stream.Recv()
			if err != nil {
				// Normal completion and mid-stream failure end with distinct
				// terminal lines; consumers must not treat them alike.
				if errors.Is(err, io.EOF) {
					_ = enc.Encode(types.StreamChunk{Done: true})
					log.Info().Str("request_id", rid).Str("model", modelID).Dur("dur", time.Since(start)).Msg("stream done")
				} else {
					_ = enc.Encode(types.StreamChunk{Error: err.Error()})
					log.Info().Str("request_id", rid).Str("model", modelID).Dur("dur", time.Since(start)).Err(err).Msg("stream aborted")
				}
				if flush != nil {
					flush()
				}
				return
			}
			_ = enc.Encode(types.StreamChunk{Response: tok})
			if flush != nil {
				flush()
			}
		}
	})

	// Embeddings godoc
	// @Summary  Embed texts, one vector per input
	// @Accept   json
	// @Produce  json
	// @Param    request body types.EmbeddingsRequest true "embedding request"
	// @Success  200 {object} types.EmbeddingsResponse
	// @Failure  400 {object} types.ErrorResponse
	// @Router   /embeddings [post]
	r.Post("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req types.EmbeddingsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Texts) == 0 {
			writeJSONError(w, http.StatusBadRequest, "texts is required")
			return
		}
		modelID, vecs, err := svc.Embed(r.Context(), req.Model, req.Texts)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, types.EmbeddingsResponse{Model: modelID, Embeddings: vecs})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// decodeJSON enforces content type and body size, then decodes into dst.
// Writes the error response itself and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func timeoutOverride(seconds *float64) *time.Duration {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds * float64(time.Second))
	return &d
}
