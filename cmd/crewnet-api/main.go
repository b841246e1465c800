package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crewnet/backend/internal/auth"
	"github.com/crewnet/backend/internal/blob"
	"github.com/crewnet/backend/internal/comments"
	"github.com/crewnet/backend/internal/config"
	"github.com/crewnet/backend/internal/groups"
	"github.com/crewnet/backend/internal/logging"
	"github.com/crewnet/backend/internal/notify"
	"github.com/crewnet/backend/internal/posts"
	"github.com/crewnet/backend/internal/profiles"
	"github.com/crewnet/backend/internal/server"
	"github.com/crewnet/backend/internal/social"
	"github.com/crewnet/backend/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crewnet-api",
		Short: "CrewNet social backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("media-dir", defaults.GetString("media.dir"), "Directory for uploaded media")
	cmd.PersistentFlags().String("token-ttl", defaults.GetString("auth.token_ttl"), "Session token TTL")
	cmd.PersistentFlags().String("oidc-audience", defaults.GetString("auth.oidc_audience"), "OIDC client ID to accept")
	cmd.PersistentFlags().String("oidc-jwks-url", defaults.GetString("auth.oidc_jwks_url"), "OIDC provider JWKS URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "media.dir", "media-dir")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.oidc_audience", "oidc-audience")
	bindFlag(cmd, "auth.oidc_jwks_url", "oidc-jwks-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	documentStore, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := documentStore.DB().DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      tokenAudience(appConfig),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewOIDCVerifier(auth.OIDCVerifierConfig{
		Audience:       appConfig.OIDCAudience,
		JWKSURL:        appConfig.OIDCJWKSURL,
		AllowedIssuers: appConfig.OIDCIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	profileService, err := profiles.NewService(profiles.ServiceConfig{Store: documentStore, Logger: logger})
	if err != nil {
		return err
	}
	postService, err := posts.NewService(posts.ServiceConfig{Store: documentStore, Logger: logger})
	if err != nil {
		return err
	}
	commentService, err := comments.NewService(comments.ServiceConfig{Store: documentStore, Logger: logger})
	if err != nil {
		return err
	}
	socialService, err := social.NewService(social.ServiceConfig{Store: documentStore, Profiles: profileService, Logger: logger})
	if err != nil {
		return err
	}
	groupService, err := groups.NewService(groups.ServiceConfig{Store: documentStore, Logger: logger})
	if err != nil {
		return err
	}
	notifyService, err := notify.NewService(notify.ServiceConfig{Store: documentStore, Logger: logger})
	if err != nil {
		return err
	}
	uploader, err := blob.NewDirUploader(blob.DirUploaderConfig{Dir: appConfig.MediaDir, Logger: logger})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		TokenManager:   tokenManager,
		Profiles:       profileService,
		Posts:          postService,
		Comments:       commentService,
		Social:         socialService,
		Groups:         groupService,
		Notifications:  notifyService,
		Uploader:       uploader,
		MediaDir:       appConfig.MediaDir,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

func tokenAudience(appConfig config.AppConfig) string {
	if appConfig.TokenAudience != "" {
		return appConfig.TokenAudience
	}
	return appConfig.TokenIssuer
}
