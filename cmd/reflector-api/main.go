package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/config"
	"github.com/MarcoPoloResearchLab/reflector/internal/database"
	"github.com/MarcoPoloResearchLab/reflector/internal/journal"
	"github.com/MarcoPoloResearchLab/reflector/internal/kvstore"
	"github.com/MarcoPoloResearchLab/reflector/internal/logging"
	"github.com/MarcoPoloResearchLab/reflector/internal/probe"
	"github.com/MarcoPoloResearchLab/reflector/internal/provision"
	"github.com/MarcoPoloResearchLab/reflector/internal/recordstore"
	"github.com/MarcoPoloResearchLab/reflector/internal/registry"
	"github.com/MarcoPoloResearchLab/reflector/internal/server"
	"github.com/MarcoPoloResearchLab/reflector/internal/tokens"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reflector-api",
		Short: "Reflector board-sync backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("board-api-base-url", defaults.GetString("board.api_base_url"), "Board vendor API base URL")
	cmd.PersistentFlags().String("board-oauth-client-id", defaults.GetString("board.oauth_client_id"), "Board OAuth client ID")
	cmd.PersistentFlags().String("board-oauth-redirect-url", defaults.GetString("board.oauth_redirect_url"), "Board OAuth redirect URL")
	cmd.PersistentFlags().String("board-template-id", defaults.GetString("board.template_board_id"), "Template board to duplicate during setup")
	cmd.PersistentFlags().String("records-base-url", defaults.GetString("records.base_url"), "Record store base URL")
	cmd.PersistentFlags().String("records-mappings-table", defaults.GetString("records.mappings_table"), "Board mappings table name")
	cmd.PersistentFlags().String("records-projects-table", defaults.GetString("records.projects_table"), "Projects table name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "board.api_base_url", "board-api-base-url")
	bindFlag(cmd, "board.oauth_client_id", "board-oauth-client-id")
	bindFlag(cmd, "board.oauth_redirect_url", "board-oauth-redirect-url")
	bindFlag(cmd, "board.template_board_id", "board-template-id")
	bindFlag(cmd, "records.base_url", "records-base-url")
	bindFlag(cmd, "records.mappings_table", "records-mappings-table")
	bindFlag(cmd, "records.projects_table", "records-projects-table")
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

	viewerPattern, err := regexp.Compile(appConfig.ViewerURLPattern)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	kv, err := kvstore.NewStore(kvstore.StoreConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	boardClient, err := boardapi.NewClient(boardapi.ClientConfig{
		BaseURL:           appConfig.BoardAPIBaseURL,
		OAuthClientID:     appConfig.OAuthClientID,
		OAuthClientSecret: appConfig.OAuthClientSecret,
		OAuthRedirectURL:  appConfig.OAuthRedirectURL,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	recordClient, err := recordstore.NewClient(recordstore.ClientConfig{
		BaseURL:  appConfig.RecordsBaseURL,
		APIToken: appConfig.RecordsAPIToken,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenStore, err := tokens.NewStore(tokens.StoreConfig{
		KV:        kv,
		Refresher: boardClient,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	boardRegistry, err := registry.New(registry.Config{
		Records:               recordClient,
		Boards:                boardClient,
		KV:                    kv,
		MappingsTable:         appConfig.RecordsMappingsTable,
		ProjectsTable:         appConfig.RecordsProjectsTable,
		ViewerURLPattern:      viewerPattern,
		LegacyFallbackBoardID: appConfig.LegacyFallbackBoard,
		Logger:                logger,
	})
	if err != nil {
		return err
	}

	prober, err := probe.New(probe.Config{
		Boards:  boardClient,
		Pattern: viewerPattern,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := provision.New(provision.Config{
		Boards:              boardClient,
		Tokens:              tokenStore,
		Registry:            boardRegistry,
		Prober:              prober,
		AllowedWorkspaceIDs: appConfig.AllowedWorkspaceIDs,
		TemplateBoardID:     appConfig.TemplateBoardID,
		RoomName:            appConfig.RoomName,
		BoardLabel:          appConfig.JournalBoardLabel,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	journalEngine, err := journal.NewEngine(journal.EngineConfig{
		Boards: boardClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	stateCodec, err := server.NewStateCodec(server.StateCodecConfig{
		SigningSecret: []byte(appConfig.StateSigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		OAuth:       boardClient,
		Tokens:      tokenStore,
		States:      stateCodec,
		Provisioner: orchestrator,
		Resolver:    boardRegistry,
		Journal:     journalEngine,
		Logger:      logger,
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
