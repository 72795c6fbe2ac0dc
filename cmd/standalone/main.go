package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"accountd/core"
	"accountd/core/providers"
	"accountd/storage"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Core   core.Config             `yaml:",inline"`
	Google *providers.GoogleConfig `yaml:"google,omitempty"`
	Yandex *providers.YandexConfig `yaml:"yandex,omitempty"`

	DB   DBConfig `yaml:"db"`
	Port string   `yaml:"port"`
}

type DBConfig struct {
	Type        string `yaml:"type"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig := loadConfigFromYAML(configPath, logger)
	appConfig.Core.ApplyDefaults()

	repo := initRepository(appConfig.DB, logger)
	providerMap := initProviders(appConfig, logger)

	codec, err := core.NewTokenCodec(appConfig.Core.JWT)
	if err != nil {
		logger.Fatal("failed to initialize token codec", zap.Error(err))
	}

	crypto, err := core.NewCryptoService(appConfig.Core.Crypto.EncryptionKey)
	if err != nil {
		logger.Fatal("failed to initialize crypto service", zap.Error(err))
	}

	hasher := core.NewPasswordHasher()
	states := core.NewStateManager(repo, time.Duration(appConfig.Core.OAuthStateTTL)*time.Second)
	sessions := core.NewSessionManager(repo, repo, codec, hasher, &appConfig.Core, logger)
	linker := core.NewAccountLinker(repo, repo, states, sessions, crypto, providerMap, logger)
	authsrv := core.NewAuthorizationServer(repo, codec, crypto, &appConfig.Core, logger)
	server := core.NewServer(sessions, linker, authsrv, codec, &appConfig.Core, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/register", server.HandleRegister)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/refresh", server.HandleRefresh)
	mux.HandleFunc("/logout", server.HandleLogout)
	mux.HandleFunc("/logout-all", server.HandleLogoutAll)
	mux.HandleFunc("GET /sessions", server.HandleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", server.HandleRevokeSession)
	mux.HandleFunc("POST /sessions/cleanup", server.HandleSessionCleanup)
	mux.HandleFunc("/userinfo", server.HandleUserInfo)
	mux.HandleFunc("/health", server.HandleHealth)

	mux.HandleFunc("POST /link/authorize-url", server.HandleLinkAuthorizeURL)
	mux.HandleFunc("POST /link/callback", server.HandleLinkCallback)
	mux.HandleFunc("GET /link/accounts", server.HandleListAccounts)
	mux.HandleFunc("DELETE /link/{provider}", server.HandleUnlink)

	mux.HandleFunc("/.well-known/oauth-authorization-server", server.HandleDiscovery)
	mux.HandleFunc("/oauth2/authorize", server.HandleProviderAuthorize)
	mux.HandleFunc("/oauth2/token", server.HandleProviderToken)
	mux.HandleFunc("/oauth2/revoke", server.HandleProviderRevoke)

	logger.Info("starting accountd server",
		zap.String("port", appConfig.Port),
		zap.Strings("providers", configuredProviders(providerMap)),
	)

	if err := http.ListenAndServe(":"+appConfig.Port, mux); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func loadConfigFromYAML(path string, logger *zap.Logger) *AppConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("failed to read config file", zap.String("path", path), zap.Error(err))
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		logger.Fatal("failed to parse config file", zap.Error(err))
	}

	return &config
}

func initRepository(dbConfig DBConfig, logger *zap.Logger) core.Repository {
	switch strings.ToLower(dbConfig.Type) {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(dbConfig.SQLitePath)
		if err != nil {
			logger.Fatal("failed to initialize sqlite repository", zap.Error(err))
		}
		logger.Info("using sqlite database", zap.String("path", dbConfig.SQLitePath))
		return repo

	case "postgres":
		repo, err := storage.NewPostgresRepository(dbConfig.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to initialize postgres repository", zap.Error(err))
		}
		logger.Info("using postgres database")
		return repo

	case "memory":
		logger.Info("using in-memory repository")
		return storage.NewMemoryRepository()

	default:
		logger.Fatal("unsupported db type", zap.String("type", dbConfig.Type))
		return nil
	}
}

func initProviders(cfg *AppConfig, logger *zap.Logger) map[core.Provider]core.AuthProvider {
	providerMap := make(map[core.Provider]core.AuthProvider)

	if cfg.Google != nil {
		providerMap[core.ProviderGoogle] = providers.NewGoogleProvider(cfg.Google)
		logger.Info("google oauth provider initialized")
	}

	if cfg.Yandex != nil {
		providerMap[core.ProviderYandex] = providers.NewYandexProvider(cfg.Yandex)
		logger.Info("yandex oauth provider initialized")
	}

	return providerMap
}

func configuredProviders(providerMap map[core.Provider]core.AuthProvider) []string {
	names := make([]string, 0, len(providerMap))
	for provider := range providerMap {
		names = append(names, string(provider))
	}
	return names
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
