package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"local-qa-bot/internal/config"
	"local-qa-bot/internal/telemetry"
)

const configFilePath = "./configs/config.yaml"

var (
	configPath string
	debug      bool
	flush      = func() {}
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	rootCmd := &cobra.Command{
		Use:           "local-qa-bot",
		Short:         "Ask questions about a folder of local documents",
		Long:          "Ingest local documents into a vector index and answer questions grounded in them, falling back to the bare model when the documents do not help.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", configFilePath, "Path to the config file (.yaml, .json or .toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())

	err := rootCmd.Execute()
	flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config, sets the log level and starts error
// reporting. Configuration errors are fatal.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Error loading config")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	flush = telemetry.Init(cfg.Telemetry)
	log.Debug().
		Str("embed_provider", cfg.EmbedLLM.Provider).
		Str("inference_provider", cfg.InferenceLLM.Provider).
		Str("backend", cfg.Store.Backend).
		Msg("Loaded config")
	return cfg
}

// fatal reports err and exits.
func fatal(err error, msg string) {
	telemetry.CaptureError(context.Background(), err)
	flush()
	log.Fatal().Err(err).Msg(msg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ingestCmd() *cobra.Command {
	var dryRun, watch bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Read, chunk and embed the context directory and persist the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runIngest(ctx, loadConfig(), dryRun, watch)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the chunks without embedding or saving them")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-ingest whenever a supported file changes")
	return cmd
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runAsk(ctx, loadConfig(), strings.Join(args, " "))
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive question and answer session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runChat(ctx, loadConfig())
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve questions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			cfg := loadConfig()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
