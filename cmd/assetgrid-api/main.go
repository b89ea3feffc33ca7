package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/config"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/database"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/replica"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/server"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/users"
)

const (
	shutdownTimeout = 10 * time.Second
	compactClientID = "replica-compactor"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "assetgrid-api",
		Short: "Asset library collaboration backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	compactCmd := &cobra.Command{
		Use:   "replica-compact",
		Short: "Fold every library in the local replica into a single snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicaCompaction(cmd.Context())
		},
	}
	rootCmd.AddCommand(compactCmd)

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
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("replica-path", defaults.GetString("replica.path"), "SQLite path of the local replica")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("presence-timeout-seconds", defaults.GetInt("presence.timeout_seconds"), "Seconds without activity before a collaborator is away")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("stream.heartbeat_seconds"), "Seconds between stream heartbeats")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "replica.path", "replica-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "presence.timeout_seconds", "presence-timeout-seconds")
	bindFlag(cmd, "stream.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.cookie_name", "cookie-name")
	bindFlag(cmd, "session.issuer", "session-issuer")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	libraryService, err := library.NewService(library.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	collaborators, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionValidator,
		Collaborators:     collaborators,
		Library:           libraryService,
		Bus:               events.NewBus(),
		IDs:               library.NewUUIDProvider(),
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		PresenceTimeout:   appConfig.PresenceTimeout,
		Clock:             time.Now,
		Logger:            logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runReplicaCompaction rewrites every library of the replica as one snapshot. Pending local operations stay
// pending so a later reconcile still pushes them.
// The server-only session settings are not required here.
func runReplicaCompaction(ctx context.Context) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	replicaPath := viper.GetString("replica.path")
	if replicaPath == "" {
		return errors.New("replica.path is required")
	}
	db, err := database.OpenReplica(replicaPath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := replica.NewStore(replica.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	libraries, err := store.Libraries(ctx)
	if err != nil {
		return err
	}

	for _, libraryID := range libraries {
		document := crdt.NewDocument(compactClientID)
		handle, err := store.Open(ctx, libraryID, document)
		if err != nil {
			logger.Error("replica open failed", zap.String("library_id", libraryID.String()), zap.Error(err))
			return err
		}
		compactErr := handle.Compact(ctx)
		handle.Close()
		if compactErr != nil {
			logger.Error("replica compaction failed", zap.String("library_id", libraryID.String()), zap.Error(compactErr))
			return compactErr
		}
		logger.Info("replica compacted",
			zap.String("library_id", libraryID.String()),
			zap.Int("rows", document.Len()))
	}
	return nil
}
