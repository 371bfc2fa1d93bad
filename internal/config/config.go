package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port               int
	MasterSecret       string
	GinMode            string
	TLSCertFile        string
	TLSKeyFile         string
	TokenExpiry        time.Duration
	RefreshTokenExpiry time.Duration
	StateFile          string
	LogLevel           string
}

type ClientConfig struct {
	APIURL            string
	WSURL             string
	CredentialFile    string
	TokenLeeway       time.Duration
	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	RefetchAfterWrite bool
	LogLevel          string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return ServerConfig{}, err
	}
	return LoadServerConfigFromEnv(osEnv{})
}

func LoadServerConfigFromEnv(env Env) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:               3000,
		GinMode:            "release",
		TokenExpiry:        15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		LogLevel:           "info",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return ServerConfig{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return ServerConfig{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.StateFile = env.Getenv("STATE_FILE")
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	var err error
	if cfg.TokenExpiry, err = seconds(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return ServerConfig{}, err
	}
	if cfg.RefreshTokenExpiry, err = seconds(env, "REFRESH_TOKEN_EXPIRY_SECONDS", cfg.RefreshTokenExpiry); err != nil {
		return ServerConfig{}, err
	}
	if cfg.TokenExpiry <= 0 || cfg.RefreshTokenExpiry <= 0 {
		return ServerConfig{}, fmt.Errorf("token expiry must be positive")
	}

	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	if err := LoadDotEnv(); err != nil {
		return ClientConfig{}, err
	}
	return LoadClientConfigFromEnv(osEnv{})
}

func LoadClientConfigFromEnv(env Env) (ClientConfig, error) {
	cfg := ClientConfig{
		TokenLeeway:    10 * time.Second,
		RequestTimeout: 15 * time.Second,
		ReconnectBase:  time.Second,
		ReconnectMax:   30 * time.Second,
		LogLevel:       "info",
	}

	cfg.APIURL = strings.TrimRight(env.Getenv("CHATSYNC_API_URL"), "/")
	if cfg.APIURL == "" {
		return ClientConfig{}, fmt.Errorf("CHATSYNC_API_URL is required")
	}
	api, err := url.Parse(cfg.APIURL)
	if err != nil || (api.Scheme != "http" && api.Scheme != "https") || api.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid CHATSYNC_API_URL")
	}

	cfg.WSURL = env.Getenv("CHATSYNC_WS_URL")
	if cfg.WSURL == "" {
		cfg.WSURL = DeriveWSURL(cfg.APIURL)
	}

	cfg.CredentialFile = env.Getenv("CHATSYNC_CREDENTIAL_FILE")
	if raw := env.Getenv("CHATSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	if cfg.TokenLeeway, err = seconds(env, "CHATSYNC_TOKEN_LEEWAY_SECONDS", cfg.TokenLeeway); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RequestTimeout, err = seconds(env, "CHATSYNC_REQUEST_TIMEOUT_SECONDS", cfg.RequestTimeout); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ReconnectBase, err = millis(env, "CHATSYNC_RECONNECT_BASE_MS", cfg.ReconnectBase); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ReconnectMax, err = millis(env, "CHATSYNC_RECONNECT_MAX_MS", cfg.ReconnectMax); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		return ClientConfig{}, fmt.Errorf("CHATSYNC_RECONNECT_MAX_MS must not be below CHATSYNC_RECONNECT_BASE_MS")
	}

	if raw := env.Getenv("CHATSYNC_REFETCH_AFTER_WRITE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid CHATSYNC_REFETCH_AFTER_WRITE")
		}
		cfg.RefetchAfterWrite = v
	}

	return cfg, nil
}

// DeriveWSURL maps http(s)://host/base to ws(s)://host/base/ws.
func DeriveWSURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/") + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func seconds(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(v) * time.Second, nil
}

func millis(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(v) * time.Millisecond, nil
}
