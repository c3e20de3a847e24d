// Package main is the entry point for the stagehand service and CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-ci/stagehand/internal/api"
	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/auth"
	"github.com/stagehand-ci/stagehand/internal/config"
	"github.com/stagehand-ci/stagehand/internal/driver"
	"github.com/stagehand-ci/stagehand/internal/export"
	"github.com/stagehand-ci/stagehand/internal/k8s"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/report"
	"github.com/stagehand-ci/stagehand/internal/runstore"
	"github.com/stagehand-ci/stagehand/internal/scheduler"
	"github.com/stagehand-ci/stagehand/internal/step"
	"github.com/stagehand-ci/stagehand/internal/tracing"
	"github.com/stagehand-ci/stagehand/internal/validator"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Deployment pipeline engine with gated stages and artifact flow",
		Long: `Stagehand executes deployment pipelines: a DAG of stages with
boolean admission gates, retried steps, and write-once artifacts that
carry data between stages.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stagehand HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.Load()
	logger := newLogger(cfg)

	logger.Info("starting stagehand",
		slog.String("port", cfg.Port),
		slog.String("runstore", cfg.RunStoreType),
		slog.String("driver", cfg.DriverType),
	)

	ctx := context.Background()

	// Tracing
	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "stagehand",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Storage: run state, pipeline registry, artifacts. The Redis variants
	// share one client.
	var store runstore.RunStore
	var reg registry.PipelineRegistry
	var arts artifact.Store

	switch cfg.RunStoreType {
	case "redis":
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "stagehand:runs",
			TTL:      cfg.RunStoreTTL,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		store = redisStore
		reg = registry.NewRedisRegistryFromClient(redisStore.Client())
		arts = artifact.NewRedisStore(redisStore.Client(), "stagehand:artifacts", cfg.RunStoreTTL)
		logger.Info("using Redis stores", slog.String("url", cfg.RedisURL))
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		})
		reg = registry.NewMemoryRegistry()
		arts = artifact.NewMemoryStore()
		logger.Info("using in-memory stores")
	}
	defer store.Close()
	defer arts.Close()

	// Step driver
	emitter := driver.NewRunStoreEmitter(store)
	var drv driver.Driver
	switch cfg.DriverType {
	case "k8s":
		k8sDriver, err := driver.NewK8sDriver(emitter, &driver.K8sDriverConfig{
			K8sConfig: &k8s.Config{
				InCluster:  cfg.K8sInCluster,
				Kubeconfig: cfg.K8sKubeconfig,
				Namespace:  cfg.K8sNamespace,
			},
		})
		if err != nil {
			return fmt.Errorf("init k8s driver: %w", err)
		}
		drv = k8sDriver
		logger.Info("using k8s step driver", slog.String("namespace", cfg.K8sNamespace))
	default:
		drv = driver.NewSubprocessDriver(emitter, &driver.SubprocessConfig{CWD: cfg.WorkDir})
		logger.Info("using subprocess step driver")
	}

	runner := step.NewRunner(drv, arts, emitter)
	runner.RetryBaseDelay = cfg.RetryBaseDelay
	runner.RetryMaxDelay = cfg.RetryMaxDelay

	sched := scheduler.New(store, runner, arts, &scheduler.Config{
		MaxParallelism: cfg.MaxParallelism,
		WorkDir:        cfg.WorkDir,
	})
	logger.Info("scheduler initialized", slog.Int("max_parallelism", cfg.MaxParallelism))

	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	// Result export (optional)
	var exporter *export.S3Exporter
	if cfg.ExportEnabled {
		exporter, err = export.NewS3Exporter(&export.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3PathPrefix,
		})
		if err != nil {
			return fmt.Errorf("init s3 exporter: %w", err)
		}
		logger.Info("run export enabled", slog.String("bucket", cfg.S3Bucket))
	}

	handlers := api.NewHandlers(&api.HandlersConfig{
		Store:     store,
		Registry:  reg,
		Scheduler: sched,
		Validator: v,
		Artifacts: arts,
		Exporter:  exporter,
		Config:    cfg,
		Logger:    logger,
	})

	opts := []api.ServerOption{
		api.WithRateLimit(auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			return fmt.Errorf("init oidc provider: %w", err)
		}
		opts = append(opts, api.WithAuth(auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})))
		logger.Info("oidc auth enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	server := api.NewServer(handlers, opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	var (
		environment string
		actor       string
		action      string
		event       string
		params      []string
		workDir     string
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "run [pipeline.yaml]",
		Short: "Execute a pipeline locally and print the run summary",
		Long: `Loads a pipeline manifest, runs it to completion with the
subprocess driver and in-memory stores, and prints the run summary.
Exits non-zero when the run fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)

			spec, err := types.LoadPipelineFile(args[0])
			if err != nil {
				return err
			}
			plan, err := scheduler.Compile(spec)
			if err != nil {
				return err
			}

			trig := types.Trigger{
				Event:       types.TriggerEvent(event),
				Action:      action,
				Actor:       actor,
				Environment: environment,
				Params:      map[string]string{},
			}
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, want key=value", p)
				}
				trig.Params[k] = v
			}

			store := runstore.NewMemoryStore(runstore.DefaultConfig())
			arts := artifact.NewMemoryStore()
			emitter := driver.NewRunStoreEmitter(store)
			drv := driver.NewSubprocessDriver(emitter, &driver.SubprocessConfig{CWD: workDir})
			runner := step.NewRunner(drv, arts, emitter)
			runner.RetryBaseDelay = cfg.RetryBaseDelay
			runner.RetryMaxDelay = cfg.RetryMaxDelay
			sched := scheduler.New(store, runner, arts, &scheduler.Config{
				MaxParallelism: cfg.MaxParallelism,
				WorkDir:        workDir,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			runID, err := sched.CreateRun(ctx, plan, trig)
			if err != nil {
				return err
			}
			logger.Info("run created",
				slog.String("run_id", runID),
				slog.String("pipeline", spec.Name),
			)

			run, err := sched.Execute(ctx, runID, plan, trig)
			if err != nil {
				return err
			}

			artifacts, err := arts.List(ctx, runID)
			if err != nil {
				return err
			}
			summary := report.Build(run, artifacts)

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return err
				}
			} else {
				fmt.Print(summary.Text())
			}

			if run.Status != types.RunStatusSucceeded && run.Status != types.RunStatusSkipped {
				return fmt.Errorf("run %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&event, "event", "manual", "trigger event (push, pull_request, manual)")
	cmd.Flags().StringVar(&environment, "environment", "", "target environment")
	cmd.Flags().StringVar(&actor, "actor", "", "who initiated the run")
	cmd.Flags().StringVar(&action, "action", "", "requested action, e.g. plan or apply")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "trigger parameter key=value (repeatable)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for steps")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline manifest without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			v, err := validator.New()
			if err != nil {
				return err
			}
			result := v.ValidatePipelineYAML(data)
			if !result.Valid {
				for _, e := range result.Errors {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Path, e.Message)
				}
				return fmt.Errorf("pipeline manifest is invalid")
			}

			spec, err := types.ParsePipeline(data)
			if err != nil {
				return err
			}
			if _, err := scheduler.Compile(spec); err != nil {
				return err
			}

			fmt.Println("Pipeline manifest is valid.")
			return nil
		},
	}
}
