package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/requiem-ai/apiai/config"
	appctx "github.com/requiem-ai/apiai/context"
	"github.com/requiem-ai/apiai/services"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	skipSetup  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "apiai",
		Short: "Relay questions to Anthropic, OpenAI or an encrypted relay",
		Long: `apiai sends queries to Anthropic or OpenAI directly, or through a relay
server that can encrypt the exchange end to end. Without a subcommand it runs
the Telegram bot.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("APIAI_CONFIG"), "path to a TOML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	for _, cmd := range []*cobra.Command{root, serve} {
		cmd.Flags().BoolVar(&opts.skipSetup, "skip-setup", false, "skip the interactive setup prompts")
	}

	root.AddCommand(serve, newAskCmd(opts), newCancelCmd(opts), newKeyCmd())
	return root
}

// loadConfig loads the config and applies its log level.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
	zerolog.TimeFieldFormat = time.RFC3339

	logLevel := strings.ToLower(strings.TrimSpace(level))
	switch logLevel {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		fallthrough
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Debug().Str("level", logLevel).Msg("Setting Log Level")
}

func runServe(opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	log.Info().Str("provider", cfg.Provider).Msg("Starting apiai")

	svcs := []appctx.Service{}
	if opts.skipSetup {
		log.Warn().Msg("Skipping interactive setup")
	} else {
		svcs = append(svcs, &services.SetupService{})
	}
	svcs = append(svcs,
		&services.MetricsService{},
		&services.SearchService{},
		&services.TelegramService{},
	)

	ctx, err := appctx.NewCtx(cfg, svcs...)
	if err != nil {
		log.Error().Err(err).Msg("failed to create context")
		return err
	}
	defer ctx.Shutdown()

	if opts.configPath != "" {
		err := config.Watch(ctx.Root(), opts.configPath, func(next *config.Config) {
			setupLogging(next.LogLevel)
			ctx.SetConfig(next)
		})
		if err != nil {
			log.Warn().Err(err).Str("path", opts.configPath).Msg("config hot reload disabled")
		}
	}

	if err := ctx.Run(); err != nil {
		log.Error().Err(err).Msg("failed to run services")
		return err
	}
	return nil
}
