package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TallManCycles/challenge-sub001/internal/api"
	"github.com/TallManCycles/challenge-sub001/internal/auth"
	"github.com/TallManCycles/challenge-sub001/internal/config"
	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/intake"
	"github.com/TallManCycles/challenge-sub001/internal/logging"
	"github.com/TallManCycles/challenge-sub001/internal/persistence"
	httptransport "github.com/TallManCycles/challenge-sub001/internal/transport/http"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "challenge-api",
		Short: "Fitness challenge activity pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, retry scheduler and outbox dispatcher",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context())
			},
		},
		newReprocessCommand(),
		newReconcileCommand(),
	)
	return rootCmd
}

func newReprocessCommand() *cobra.Command {
	var includePermanent bool
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Requeue failed notifications and process them once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReprocess(cmd.Context(), includePermanent)
		},
	}
	cmd.Flags().BoolVar(&includePermanent, "include-permanent", false, "Also requeue permanently failed and poison notifications")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	var link domain.AccountLink
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link an external account and aggregate its waiting activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), link)
		},
	}
	cmd.Flags().StringVar(&link.Provider, "provider", "", "External provider name")
	cmd.Flags().StringVar(&link.ExternalUserID, "external-user-id", "", "Account id at the provider")
	cmd.Flags().StringVar(&link.UserID, "user-id", "", "Platform user id")
	_ = cmd.MarkFlagRequired("external-user-id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "postgres:// URL or SQLite path")
	cmd.PersistentFlags().String("kafka-brokers", defaults.GetString("kafka.brokers"), "Comma separated Kafka brokers; empty disables event publishing")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the leaderboard cache; empty disables caching")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("scheduler-workers", defaults.GetInt("scheduler.workers"), "Concurrent normalization workers")
	cmd.PersistentFlags().String("jwt-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "scheduler.workers", "scheduler-workers")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServe(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	intakeSvc, err := intake.NewService(intake.ServiceConfig{
		Store:    p.store,
		Notifier: p.scheduler,
		Logger:   logger.Named("intake"),
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Intake:              intakeSvc,
		Normalizer:          p.normalizer,
		Progress:            p.aggregator,
		Leaderboard:         p.ranker,
		Pipeline:            p.scheduler,
		Store:               p.store,
		WebhookHeader:       appConfig.WebhookRequiredHeader,
		UploadSecret:        appConfig.UploadSharedSecret,
		MaxBodyBytes:        appConfig.MaxBodyBytes,
		WebhookMaxBodyBytes: appConfig.WebhookMaxBodyBytes,
		Logger:              logger.Named("http"),
	})
	if err != nil {
		return err
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: appConfig.JWTSecret, Issuer: appConfig.JWTIssuer})
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(appConfig.HTTPAddress),
		authMiddleware.Wrap(handler.Routes()),
		logger,
	)

	dispatcher, err := p.dispatcher(appConfig, logger.Named("outbox"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return p.scheduler.Run(gctx) })
	if dispatcher != nil {
		g.Go(func() error {
			dispatcher.Start(gctx)
			return nil
		})
	} else {
		logger.Warn("kafka.brokers not set; participant events stay in the outbox")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runMigrate(ctx context.Context) error {
	appConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := persistence.Open(ctx, appConfig.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations complete")
	return store.Close()
}

func runReprocess(ctx context.Context, includePermanent bool) error {
	appConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	p, err := buildPipeline(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	requeued, err := p.scheduler.Reprocess(ctx, includePermanent)
	if err != nil {
		return err
	}

	attempted := 0
	for {
		n, err := p.scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		attempted += n
	}
	logger.Info("reprocess complete", zap.Int("requeued", requeued), zap.Int("attempted", attempted))
	return nil
}

func runReconcile(ctx context.Context, link domain.AccountLink) error {
	appConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	p, err := buildPipeline(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	promoted, err := p.normalizer.Reconcile(ctx, link)
	if err != nil {
		return err
	}
	for _, activity := range promoted {
		if _, err := p.aggregator.Apply(ctx, activity); err != nil {
			logger.Warn("aggregation deferred to scheduler sweep", zap.String("activity_id", activity.ID), zap.Error(err))
		}
	}
	logger.Info("reconcile complete", zap.Int("promoted", len(promoted)))
	return nil
}
