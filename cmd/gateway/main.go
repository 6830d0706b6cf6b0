package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application"
	"github.com/nimbusllm/gateway/internal/infrastructure/config"
	"github.com/nimbusllm/gateway/internal/infrastructure/logger"
)

const appName = "nimbus-gateway"

const shutdownTimeout = 30 * time.Second

func main() {
	var envFile, configFile string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "NimbusLLM Gateway — OpenAI-compatible LLM proxy",
		Long: "NimbusLLM Gateway fronts LightLLM, vLLM, OpenAI, Azure and Bedrock backends\n" +
			"behind one OpenAI-compatible API, with SSE streaming, response caching,\n" +
			"rate limiting and load balancing.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile, configFile, cmd.Flags().Changed("env-file"))
		},
	}
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.Flags().StringVar(&configFile, "config", "", "config file (default: search . and ./config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, application.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(envFile, configFile string, envFileExplicit bool) error {
	// The dotenv file loads before viper reads the environment, so its
	// values bind to the same UPPERCASE option names.
	if err := godotenv.Load(envFile); err != nil {
		if envFileExplicit || !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envFile, err)
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	log.Info("Starting NimbusLLM Gateway",
		zap.String("name", appName),
		zap.String("version", application.Version),
		zap.String("environment", cfg.Environment),
		zap.String("backend_url", cfg.BackendURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.New(cfg, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}
