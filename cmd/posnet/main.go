package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/takeru403/Ipoca-network/internal/config"
	"github.com/takeru403/Ipoca-network/internal/graphdb"
	"github.com/takeru403/Ipoca-network/internal/httpapi"
	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/orchestrator"
	"github.com/takeru403/Ipoca-network/internal/segment"
	"github.com/takeru403/Ipoca-network/internal/storage"
	"github.com/takeru403/Ipoca-network/internal/telegram"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "posnet",
		Short:         "Shop affinity networks from POS transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.AddCommand(serveCmd(), analyzeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads .env, the config file and the environment, then sets up
// logging.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if configPath != "" {
		logger.Info("Configuration loaded from %s", configPath)
	}
	return cfg, nil
}

func newNamer(cfg *config.Config) segment.Namer {
	if !cfg.OpenAI.Enabled {
		return segment.StaticNamer{}
	}
	logger.Info("Naming clusters with %s", cfg.OpenAI.Model)
	return segment.NewOpenAINamer(segment.OpenAINamerConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout,
	})
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Workers:          cfg.Jobs.Workers,
		QueueSize:        cfg.Jobs.QueueSize,
		EvictionInterval: cfg.Jobs.EvictionInterval,
		ArtifactDir:      cfg.Storage.ArtifactDir,
		Defaults: orchestrator.Defaults{
			MinSupport:  cfg.Analysis.MinSupport,
			MaxLen:      cfg.Analysis.MaxLen,
			MinLift:     cfg.Analysis.MinLift,
			MaxItemsets: cfg.Analysis.MaxItemsets,
			StrictGraph: cfg.Analysis.StrictGraph,
			NClusters:   cfg.Analysis.NClusters,
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	storeOpts := storage.Options{TTL: cfg.Jobs.TTL, MaxRecords: cfg.Jobs.MaxRecords}
	if cfg.Storage.DBPath != "" {
		db, err := storage.OpenSQLite(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		storeOpts.Persister = db
	}
	store := storage.New(storeOpts)
	if n, err := store.Restore(ctx); err != nil {
		logger.Warn("Failed to restore jobs: %v", err)
	} else if n > 0 {
		logger.Info("Restored %d jobs from %s", n, cfg.Storage.DBPath)
	}

	deps := orchestrator.Deps{Store: store, Namer: newNamer(cfg)}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		deps.Notifier = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Neo4j.Enabled {
		gdb, err := graphdb.NewClient(ctx, graphdb.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Timeout:  cfg.Neo4j.Timeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := gdb.Close(closeCtx); err != nil {
				logger.Error("Failed to close Neo4j connection: %v", err)
			}
		}()
		deps.Sink = gdb
	} else {
		logger.Debug("Neo4j export disabled")
	}

	orch := orchestrator.New(orchestratorConfig(cfg), deps)
	handler := httpapi.NewHandler(orch, httpapi.Options{
		MaxUploadBytes:   int64(cfg.Server.MaxUploadMB) << 20,
		SubmitRatePerMin: cfg.Server.SubmitRatePerMin,
		SubmitBurst:      cfg.Server.SubmitBurst,
		AllowedOrigin:    cfg.Server.AllowedOrigin,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	workersDone := make(chan error, 1)
	go func() { workersDone <- orch.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, cleaning up...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}
	if err := <-workersDone; err != nil {
		logger.Error("Workers stopped with error: %v", err)
	}

	logger.Info("Service stopped")
	return runErr
}

func analyzeCmd() *cobra.Command {
	var (
		req     orchestrator.Request
		mapping string
		strict  bool
		tenants []string
	)
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Run the pipeline on one file and print a JSON summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mapping != "" {
				if err := json.Unmarshal([]byte(mapping), &req.Mapping); err != nil {
					return fmt.Errorf("invalid --mapping: %w", err)
				}
			}
			if cmd.Flags().Changed("strict") {
				req.StrictGraph = &strict
			}
			req.FullTenantList = tenants

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			orch := orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
				Store: storage.New(storage.Options{}),
				Namer: newNamer(cfg),
			})
			id, res, err := orch.Analyze(cmd.Context(), raw, filepath.Base(args[0]), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"process_id":   id,
				"rules_count":  res.RulesCount,
				"nodes_count":  res.NodesCount,
				"edges_count":  res.EdgesCount,
				"filename":     filepath.Join(orch.ArtifactDir(), res.Filename),
				"communities":  res.Network.Communities,
				"modularity":   res.Network.Modularity,
				"segmentation": res.Segmentation,
				"report":       res.Report,
				"warnings":     res.Warnings,
			})
		},
	}

	f := cmd.Flags()
	f.Float64Var(&req.MinSupport, "min-support", 0, "Minimum itemset support (default from config)")
	f.IntVar(&req.MaxLen, "max-len", 0, "Maximum itemset length (default from config)")
	f.IntVar(&req.NClusters, "clusters", 0, "Number of customer segments (default from config)")
	f.StringVar(&mapping, "mapping", "", `Column mapping as JSON, e.g. {"member":"customer_id"}`)
	f.BoolVar(&strict, "strict", true, "Fail when the network has fewer than two shops")
	f.StringSliceVar(&tenants, "tenants", nil, "Full tenant list to merge into the network")
	return cmd
}
