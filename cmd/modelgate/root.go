package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelgate/internal/backend"
	"modelgate/internal/config"
	"modelgate/internal/httpapi"
	"modelgate/internal/manager"
	"modelgate/internal/registry"
	"modelgate/internal/sysload"
	"modelgate/internal/telemetry"
	"modelgate/internal/tuner"
)

func newRootCmd() *cobra.Command {
	var (
		cfgPath      string
		addr         string
		backendURL   string
		defaultModel string
		maxModels    int
		profile      string
		corsEnabled  bool
		corsOrigins  []string
	)

	root := &cobra.Command{
		Use:           "modelgate",
		Short:         "Gateway that manages which backend models are resident and routes calls to them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags override file values when set.
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("backend-url") {
				cfg.BackendURL = backendURL
			}
			if cmd.Flags().Changed("default-model") {
				cfg.DefaultModel = defaultModel
			}
			if cmd.Flags().Changed("max-concurrent-models") {
				cfg.MaxConcurrentModels = maxModels
			}
			if cmd.Flags().Changed("profile") {
				cfg.PerformanceProfile = profile
			}
			if cmd.Flags().Changed("cors-enabled") {
				cfg.CORSEnabled = corsEnabled
			}
			if cmd.Flags().Changed("cors-origins") {
				cfg.CORSOrigins = corsOrigins
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	serve.Flags().StringVar(&cfgPath, "config", "", "Path to config file (.toml/.yaml/.json)")
	serve.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serve.Flags().StringVar(&backendURL, "backend-url", "http://localhost:11434", "Base URL of the inference backend")
	serve.Flags().StringVar(&defaultModel, "default-model", "", "Default model id when a request names none")
	serve.Flags().IntVar(&maxModels, "max-concurrent-models", 2, "Hard cap on concurrently resident models")
	serve.Flags().StringVar(&profile, "profile", "balanced", "Performance profile: speed|balanced|quality")
	serve.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	serve.Flags().StringSliceVar(&corsOrigins, "cors-origins", nil, "Allowed CORS origins")

	root.AddCommand(serve)
	return root
}

func run(cfg config.Config) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	reg, err := registry.New(cfg.Models)
	if err != nil {
		return err
	}

	prof, err := tuner.ParseProfile(cfg.PerformanceProfile)
	if err != nil {
		return err
	}
	tn := tuner.New(prof, cfg.CPUThresholdPercent, cfg.MemThresholdPercent, familyTables(cfg.FamilyParams))
	rec := telemetry.NewRecorder(telemetry.DefaultCapacity)
	probe := sysload.NewHostProbe()

	kind := backend.Kind(cfg.BackendKind)
	clients := func(modelID string) (backend.Client, error) {
		return backend.New(kind, modelID, backend.Options{
			BaseURL:    cfg.BackendURL,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay(),
			Logger:     log,
		})
	}

	mgr := manager.New(manager.Config{
		MaxConcurrentModels:   cfg.MaxConcurrentModels,
		UnloadTimeout:         cfg.UnloadTimeout(),
		ReapInterval:          cfg.ReapInterval(),
		DefaultModel:          cfg.DefaultModel,
		DefaultEmbeddingModel: cfg.DefaultEmbeddingModel,
		MaxRetries:            cfg.MaxRetries,
		RetryDelay:            cfg.RetryDelay(),
	}, reg, probe, clients, tn, rec, log)
	defer mgr.Close()

	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(mgr, log)}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.BackendURL).Int("models", reg.Len()).Msg("modelgate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// familyTables converts config family overrides to tuner parameter tables.
func familyTables(in map[string]config.FamilyParams) map[string]backend.Params {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]backend.Params, len(in))
	for fam, p := range in {
		out[fam] = backend.Params{
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Timeout:     time.Duration(p.TimeoutSeconds * float64(time.Second)),
		}
	}
	return out
}
