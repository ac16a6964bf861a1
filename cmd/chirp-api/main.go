package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	"github.com/MarcoPoloResearchLab/chirp/internal/config"
	"github.com/MarcoPoloResearchLab/chirp/internal/database"
	"github.com/MarcoPoloResearchLab/chirp/internal/logging"
	"github.com/MarcoPoloResearchLab/chirp/internal/metrics"
	"github.com/MarcoPoloResearchLab/chirp/internal/posts"
	"github.com/MarcoPoloResearchLab/chirp/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/chirp/internal/server"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chirp-api",
		Short: "Chirp social feed backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to make credentialed requests")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Issued session lifetime in minutes")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("feed.page_size"), "Maximum posts returned by a feed call")
	cmd.PersistentFlags().String("ratelimit-store", defaults.GetString("ratelimit.store"), "Rate limit counter store (sqlite, memory)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "feed.page_size", "page-size")
	bindFlag(cmd, "ratelimit.store", "ratelimit-store")
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

func newIssueSessionCommand() *cobra.Command {
	var claims auth.SessionClaims
	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Print a signed session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSecret),
				Issuer:        appConfig.SessionIssuer,
				TTL:           appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSession(claims)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", appConfig.SessionCookieName, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&claims.UserID, "user-id", "", "User identifier")
	cmd.Flags().StringVar(&claims.Username, "username", "", "Username")
	cmd.Flags().StringVar(&claims.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&claims.ProfileImageURL, "profile-image-url", "", "Profile image URL")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := metrics.New()

	postStore, err := posts.NewStore(posts.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: posts.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewDirectory(users.DirectoryConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	counterStore, err := newCounterStore(appConfig, db)
	if err != nil {
		return err
	}
	gate, err := ratelimit.NewGate(ratelimit.GateConfig{
		Store:    counterStore,
		MaxCount: appConfig.RateLimitMaxCount,
		Window:   appConfig.RateLimitWindow,
		Recorder: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	procedures, err := api.NewRouter(api.RouterConfig{
		Posts:    postStore,
		Users:    directory,
		Limiter:  gate,
		PageSize: appConfig.FeedPageSize,
		Observer: registry,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Procedures:     procedures,
		Sessions:       sessionValidator,
		Users:          directory,
		Events:         server.NewFeedDispatcher(),
		Metrics:        registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("ratelimit_store", appConfig.RateLimitStoreKind))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCounterStore(appConfig config.AppConfig, db *gorm.DB) (ratelimit.CounterStore, error) {
	if appConfig.RateLimitStoreKind == config.RateLimitStoreMemory {
		return ratelimit.NewMemoryStore(time.Now), nil
	}
	return ratelimit.NewSQLStore(db, time.Now)
}
