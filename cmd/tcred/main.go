package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tcred/internal/authority"
	"github.com/tyemirov/tcred/internal/credkit"
	"github.com/tyemirov/tcred/internal/devauthd"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tcred",
		Short: "Credential lifecycle client with encrypted at-rest storage, expiry-guarded requests, and single-flight renewal",
	}

	rootCmd.PersistentFlags().String("keyring_url", "sqlite://tcred.db", "Keyring URL (memory://, sqlite://, postgres://, or redis://)")
	rootCmd.PersistentFlags().String("key_dir", ".", "Directory holding the master key file")
	rootCmd.PersistentFlags().String("key_name", "tcred-master", "Base name of the master key file")

	_ = viper.BindPFlag("keyring_url", rootCmd.PersistentFlags().Lookup("keyring_url"))
	_ = viper.BindPFlag("key_dir", rootCmd.PersistentFlags().Lookup("key_dir"))
	_ = viper.BindPFlag("key_name", rootCmd.PersistentFlags().Lookup("key_name"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newDevServerCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newClearCommand())
	rootCmd.AddCommand(newDemoCommand())

	return rootCmd
}

const (
	configCodeMissingSigningKey       = "config.missing_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeMissingAuthorityURL     = "config.missing_authority_url"
	configCodeMissingUserID           = "config.missing_user_id"
)

type contextKey string

const serverConfigContextKey contextKey = "devServerConfig"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func newDevServerCommand() *cobra.Command {
	devServerCmd := &cobra.Command{
		Use:     "devserver",
		Short:   "Run the development token authority",
		PreRunE: prepareDevServerConfig,
		RunE:    runDevServer,
	}

	devServerCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	devServerCmd.Flags().String("signing_key", "", "HS256 signing secret for access JWT")
	devServerCmd.Flags().String("issuer", "tcred-dev", "Issuer claim stamped into access tokens")
	devServerCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	devServerCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	devServerCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	devServerCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	_ = viper.BindPFlag("listen_addr", devServerCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("signing_key", devServerCmd.Flags().Lookup("signing_key"))
	_ = viper.BindPFlag("issuer", devServerCmd.Flags().Lookup("issuer"))
	_ = viper.BindPFlag("access_ttl", devServerCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", devServerCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("enable_cors", devServerCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", devServerCmd.Flags().Lookup("cors_allowed_origins"))

	return devServerCmd
}

func prepareDevServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadDevServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func LoadDevServerConfig() (devauthd.ServerConfig, error) {
	signingKey := viper.GetString("signing_key")
	if signingKey == "" {
		return devauthd.ServerConfig{}, configError(configCodeMissingSigningKey, "signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return devauthd.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return devauthd.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	issuer := viper.GetString("issuer")
	if issuer == "" {
		issuer = "tcred-dev"
	}

	return devauthd.ServerConfig{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}, nil
}

func runDevServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(devauthd.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := devauthd.PermissiveCORS(corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	devauthd.MountAuthorityRoutes(router, serverConfig, devauthd.NewMemoryRefreshStore(), logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether stored credentials exist, without printing them",
		RunE:  runStatus,
	}
}

func runStatus(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := commandOrBackground(command)
	store, ring, openErr := openCredentialStore(ctx, logger)
	if openErr != nil {
		return openErr
	}
	defer store.Close()
	defer func() { _ = ring.Close() }()

	authenticated, authErr := store.IsAuthenticated(ctx)
	if authErr != nil {
		return authErr
	}

	command.Printf("keyring: %s\n", viper.GetString("keyring_url"))
	command.Printf("authenticated: %t\n", authenticated)
	if authenticated {
		issuedAtMillis, accessLifespanMillis := store.AccessMetadataSync()
		command.Printf("access_lifespan_ms: %d\n", accessLifespanMillis)
		command.Printf("issued_at_ms: %d\n", issuedAtMillis)
		if userID, present := store.UserIDSync(); present {
			command.Printf("user_id: %s\n", userID)
		}
	}
	return nil
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Erase stored credentials from cache and durable storage",
		RunE:  runClear,
	}
}

func runClear(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := commandOrBackground(command)
	store, ring, openErr := openCredentialStore(ctx, logger)
	if openErr != nil {
		return openErr
	}
	defer store.Close()
	defer func() { _ = ring.Close() }()

	if clearErr := store.ClearCredentialsBlocking(ctx); clearErr != nil {
		return clearErr
	}
	command.Println("credentials cleared")
	return nil
}

func newDemoCommand() *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Bootstrap a credential pair from a dev authority and call its protected endpoint through the renewal pipeline",
		RunE:  runDemo,
	}

	demoCmd.Flags().String("authority_url", "http://localhost:8080", "Base URL of the token authority")
	demoCmd.Flags().String("user_id", "demo-user", "User identifier to bootstrap credentials for")

	_ = viper.BindPFlag("authority_url", demoCmd.Flags().Lookup("authority_url"))
	_ = viper.BindPFlag("user_id", demoCmd.Flags().Lookup("user_id"))

	return demoCmd
}

func runDemo(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	authorityURL := viper.GetString("authority_url")
	if authorityURL == "" {
		return configError(configCodeMissingAuthorityURL, "authority_url must be provided")
	}
	userID := viper.GetString("user_id")
	if userID == "" {
		return configError(configCodeMissingUserID, "user_id must be provided")
	}

	ctx := commandOrBackground(command)
	store, ring, openErr := openCredentialStore(ctx, logger)
	if openErr != nil {
		return openErr
	}
	defer store.Close()
	defer func() { _ = ring.Close() }()

	clock := credkit.NewSystemMonotonicClock()
	authorityClient, clientErr := authority.NewClient(authorityURL, nil, store, clock, logger)
	if clientErr != nil {
		return clientErr
	}

	if bootstrapErr := authorityClient.Bootstrap(ctx, userID); bootstrapErr != nil {
		return bootstrapErr
	}
	logger.Info("bootstrapped credential pair", zap.String("user_id", userID))

	metricsRecorder := credkit.NewCounterMetrics()
	pipelineClient := credkit.NewHTTPClient(nil, store, authorityClient, clock, credkit.DefaultClientConfig(), logger, metricsRecorder)

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, authorityURL+"/api/whoami", nil)
	if requestErr != nil {
		return requestErr
	}
	response, doErr := pipelineClient.Do(request)
	if doErr != nil {
		return doErr
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return readErr
	}
	command.Printf("status: %d\n", response.StatusCode)
	command.Printf("body: %s\n", string(body))
	return nil
}

func openCredentialStore(ctx context.Context, logger *zap.Logger) (*credkit.CredentialStore, credkit.Keyring, error) {
	keyringURL := viper.GetString("keyring_url")
	ring, ringErr := credkit.OpenKeyring(ctx, keyringURL, credkit.DefaultKeyringNamespace)
	if ringErr != nil {
		return nil, nil, ringErr
	}

	keySource, keyErr := credkit.NewFileMasterKeySource(viper.GetString("key_dir"), viper.GetString("key_name"))
	if keyErr != nil {
		_ = ring.Close()
		return nil, nil, keyErr
	}

	store, storeErr := credkit.NewCredentialStore(ctx, ring, keySource, logger, credkit.NewCounterMetrics())
	if storeErr != nil {
		_ = ring.Close()
		return nil, nil, storeErr
	}
	return store, ring, nil
}

func commandOrBackground(command *cobra.Command) context.Context {
	if commandContext := command.Context(); commandContext != nil {
		return commandContext
	}
	return context.Background()
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
