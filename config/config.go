// Package config gathers server settings from a .env file, the environment
// and command line flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const DefaultTitle = "Phillips Exeter Academy Marketplace"

type (
	Config struct {
		ListenAddress     string
		LogLevel          string
		Title             string
		MaxImageBytes     int64
		ClientIdleTimeout time.Duration
		MaxClients        int
		AllowedOrigins    []string
		Storage           Storage
		Auth              Auth
	}

	Storage struct {
		Type           string
		LocalPath      string
		DataSourceName string
		S3Bucket       string
		PollInterval   time.Duration
		Surreal        Surreal
	}

	Surreal struct {
		URL       string
		Namespace string
		Database  string
		User      string
		Password  string
	}

	Auth struct {
		JWTSecret          []byte
		SessionTTL         time.Duration
		OIDCIssuerURL      string
		OIDCClientID       string
		OIDCClientSecret   string
		OIDCRedirectURL    string
		GitHubClientID     string
		GitHubClientSecret string
		GitHubRedirectURL  string
	}
)

var storageTypes = map[string]bool{
	"memory":     true,
	"filesystem": true,
	"sqlite":     true,
	"mysql":      true,
	"postgres":   true,
	"s3":         true,
	"surrealdb":  true,
}

// Load reads .env (when present), then the environment, then args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	cfg := &Config{
		Title:          getenv("MARKETPLACE_TITLE", DefaultTitle),
		AllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "https://*,http://*")),
		Storage: Storage{
			Type:           getenv("STORAGE_TYPE", "memory"),
			LocalPath:      getenv("LOCAL_STORAGE_PATH", "./data"),
			DataSourceName: os.Getenv("DATA_SOURCE_NAME"),
			S3Bucket:       os.Getenv("S3_BUCKET_NAME"),
			Surreal: Surreal{
				URL:       getenv("SURREAL_URL", "ws://localhost:8000"),
				Namespace: getenv("SURREAL_NAMESPACE", "marketplace"),
				Database:  getenv("SURREAL_DATABASE", "marketplace"),
				User:      os.Getenv("SURREAL_USER"),
				Password:  os.Getenv("SURREAL_PASSWORD"),
			},
		},
		Auth: Auth{
			JWTSecret:          []byte(os.Getenv("JWT_SECRET")),
			OIDCIssuerURL:      os.Getenv("OIDC_ISSUER_URL"),
			OIDCClientID:       os.Getenv("OIDC_CLIENT_ID"),
			OIDCClientSecret:   os.Getenv("OIDC_CLIENT_SECRET"),
			OIDCRedirectURL:    os.Getenv("OIDC_REDIRECT_URL"),
			GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
			GitHubRedirectURL:  os.Getenv("GITHUB_REDIRECT_URL"),
		},
	}

	var err error
	if cfg.Storage.PollInterval, err = durationEnv("FEED_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Auth.SessionTTL, err = durationEnv("SESSION_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ClientIdleTimeout, err = durationEnv("CLIENT_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxImageBytes, err = int64Env("MAX_IMAGE_BYTES", 1<<20); err != nil {
		return nil, err
	}
	maxClients, err := int64Env("MAX_CLIENTS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.MaxClients = int(maxClients)

	fs := flag.NewFlagSet("marketplace", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddress, "listen", ":3002", "The address to listen on.")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "The log level (debug, info, warn, error).")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Storage.DataSourceName == "" {
		cfg.Storage.DataSourceName = defaultDataSource(cfg.Storage.Type)
	}
	if len(cfg.Auth.JWTSecret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Sessions will not survive a restart.")
		cfg.Auth.JWTSecret = randomSecret()
	}

	return cfg, cfg.Validate()
}

// Validate checks that the selected storage backend has what it needs.
func (c *Config) Validate() error {
	if !storageTypes[c.Storage.Type] {
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.Storage.Type)
	}
	switch c.Storage.Type {
	case "s3":
		if c.Storage.S3Bucket == "" {
			return errors.New("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
	case "mysql", "postgres":
		if c.Storage.DataSourceName == "" {
			return fmt.Errorf("DATA_SOURCE_NAME environment variable must be set for %s storage type", c.Storage.Type)
		}
	case "surrealdb":
		if c.Storage.Surreal.URL == "" {
			return errors.New("SURREAL_URL environment variable must be set for surrealdb storage type")
		}
	}
	if c.MaxImageBytes <= 0 {
		return errors.New("MAX_IMAGE_BYTES must be positive")
	}
	if c.ClientIdleTimeout <= 0 {
		return errors.New("CLIENT_IDLE_TIMEOUT must be positive")
	}
	if c.MaxClients <= 0 {
		return errors.New("MAX_CLIENTS must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// OIDCEnabled reports whether an OIDC provider is configured. It takes
// precedence over GitHub.
func (a Auth) OIDCEnabled() bool {
	return a.OIDCIssuerURL != "" && a.OIDCClientID != ""
}

func (a Auth) GitHubEnabled() bool {
	return a.GitHubClientID != "" && a.GitHubClientSecret != ""
}

func defaultDataSource(storageType string) string {
	if storageType == "sqlite" {
		return "marketplace.db"
	}
	return ""
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomSecret() []byte {
	b := make([]byte, 32)
	rand.Read(b)
	return []byte(hex.EncodeToString(b))
}
