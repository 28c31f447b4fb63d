package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vehicle-monitor/internal/api"
	"vehicle-monitor/internal/config"
	"vehicle-monitor/internal/logger"
	"vehicle-monitor/internal/repository"
	"vehicle-monitor/internal/service"
	"vehicle-monitor/internal/session"
	"vehicle-monitor/internal/token"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// app is the wired client for one command invocation.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	client *api.Client
	store  *session.Store
	auth   *service.AuthService
}

// repositoryFactory lets tests swap the session backend.
var repositoryFactory = func(cfg *config.Config) repository.SessionRepository {
	if cfg.UseKeyring() {
		return repository.NewKeyringRepository(cfg.Session.KeyringService, session.Keys...)
	}
	return repository.NewMemoryRepository()
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log := logger.New(level, cfg.Log.Format)

	client := api.NewClient(cfg.Server.URL, cfg.Server.Timeout, log.With().Str("component", "api").Logger())
	store := session.NewStore(repositoryFactory(cfg), log.With().Str("component", "session").Logger())
	authService := service.NewAuthService(client, token.NewCodec(), store, log.With().Str("component", "auth").Logger())

	return &app{
		cfg:    cfg,
		log:    log,
		client: client,
		store:  store,
		auth:   authService,
	}, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "monitor",
		Short:         "Vehicle monitoring client",
		Long:          "Sign in to the vehicle detection service, watch a camera's live detections and the parking board.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ./monitor.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	root.AddCommand(
		newLoginCmd(opts),
		newRegisterCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newRefreshCmd(opts),
		newOAuthCmd(opts),
		newCamerasCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}
