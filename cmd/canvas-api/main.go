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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/collab"
	"github.com/MarcoPoloResearchLab/canvas/internal/config"
	"github.com/MarcoPoloResearchLab/canvas/internal/database"
	"github.com/MarcoPoloResearchLab/canvas/internal/logging"
	"github.com/MarcoPoloResearchLab/canvas/internal/presence"
	"github.com/MarcoPoloResearchLab/canvas/internal/remote"
	"github.com/MarcoPoloResearchLab/canvas/internal/scene"
	"github.com/MarcoPoloResearchLab/canvas/internal/server"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/canvas/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "canvas-api",
		Short: "Collaborative canvas backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newWatchCommand())

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
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for presence")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("lock-ttl-ms", defaults.GetInt("locks.ttl_ms"), "Shape lease TTL in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "locks.ttl_ms", "lock-ttl-ms")
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

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
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

	redisClient, err := presence.Connect(ctx, appConfig.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	shapeService, err := shapes.NewService(shapes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: canvas.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	presenceStore, err := presence.NewStore(presence.StoreConfig{
		Client:    redisClient,
		RecordTTL: appConfig.PresenceRecordTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenIssuer,
		Shapes:   shapeService,
		Presence: presenceStore,
		Profiles: profiles,
		Logger:   logger,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newTokenCommand() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokenIssuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenIssuer.IssueToken(cmd.Context(), auth.Claims{Subject: userID, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Token subject (user id)")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var (
		baseURL  string
		token    string
		canvasID string
		userID   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a canvas headlessly and log roster and shape counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), watchOptions{
				baseURL:  baseURL,
				token:    token,
				canvasID: canvasID,
				userID:   userID,
				interval: interval,
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "Access token (see the token command)")
	cmd.Flags().StringVar(&canvasID, "canvas", "", "Canvas id to join")
	cmd.Flags().StringVar(&userID, "user", "", "User id matching the token subject")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Reporting interval")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("canvas")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type watchOptions struct {
	baseURL  string
	token    string
	canvasID string
	userID   string
	interval time.Duration
}

func runWatch(ctx context.Context, opts watchOptions) error {
	// The watcher only talks to the API, so the server-side keys are not validated.
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	clientConfig := remote.ClientConfig{BaseURL: opts.baseURL, Token: opts.token, Logger: logger}
	shapeClient, err := remote.NewShapeClient(clientConfig)
	if err != nil {
		return err
	}
	presenceClient, err := remote.NewPresenceClient(clientConfig)
	if err != nil {
		return err
	}

	session, err := collab.NewSession(collab.SessionConfig{
		CanvasID: opts.canvasID,
		UserID:   opts.userID,
		Shapes:   shapeClient,
		Presence: presenceClient,
		LockTTL:  time.Duration(viper.GetInt("locks.ttl_ms")) * time.Millisecond,
		Logger:   logger,
	})
	if err != nil {
		presenceClient.Close()
		return err
	}
	defer func() {
		session.Close()
		// Closing the socket is what removes this session from the roster.
		presenceClient.Disconnect(opts.canvasID)
		presenceClient.Close()
	}()

	session.Store().OnChange(func(snapshot scene.Snapshot) {
		logger.Debug("scene changed",
			zap.String("canvas_id", opts.canvasID),
			zap.Uint64("revision", snapshot.Revision),
			zap.Int("shapes", len(snapshot.Nodes)),
			zap.Int("selected", len(snapshot.Selection)),
		)
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("watching canvas",
		zap.String("canvas_id", opts.canvasID),
		zap.String("session_key", session.Presence().SessionKey()),
	)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-ticker.C:
			roster := session.Presence().Roster()
			names := make([]string, 0, len(roster))
			for _, record := range roster {
				names = append(names, record.DisplayName)
			}
			logger.Info("canvas status",
				zap.String("canvas_id", opts.canvasID),
				zap.Int("shapes", len(session.Store().Nodes())),
				zap.Int("participants", len(roster)),
				zap.Strings("names", names),
				zap.Int("cursors", len(session.Interpolator().Keys())),
			)
		}
	}
}
