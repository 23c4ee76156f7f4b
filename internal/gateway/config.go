package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/meblog/internal/login"
	"github.com/nao1215/meblog/pkg/session"
	"github.com/spf13/viper"
)

// セッションストアの種類。
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// 設定キー。環境変数名は大文字にしたもの。
const (
	KeyPort                 = "port"
	KeyAdminPort            = "admin_port"
	KeyContentServiceURL    = "content_service_url"
	KeySessionBackend       = "session_backend"
	KeyRedisAddr            = "redis_addr"
	KeyRedisPassword        = "redis_password"
	KeyRedisDB              = "redis_db"
	KeyRedisPoolSize        = "redis_pool_size"
	KeySQLitePath           = "sqlite_path"
	KeySessionTTL           = "session_ttl"
	KeySessionPurgeInterval = "session_purge_interval"
	KeyCookieSecure         = "cookie_secure"
	KeyLandingPath          = "landing_path"
	KeyOAuthClientID        = "oauth_client_id"
	KeyOAuthClientSecret    = "oauth_client_secret"
	KeyOAuthProviderURL     = "oauth_provider_url"
	KeyOAuthAPIURL          = "oauth_api_url"
	KeyOAuthTimeout         = "oauth_timeout"
	KeyProxyTimeout         = "proxy_timeout"
	KeyIdentitySecret       = "identity_signing_secret"
	KeyLogLevel             = "log_level"
)

// Config はgatewayの設定。起動時に一度だけ読み込み、以後は変更しない。
type Config struct {
	Port      string
	AdminPort string
	// ContentService は転送先のコンテンツサービス。
	ContentService *url.URL

	SessionBackend string
	Redis          session.RedisOptions
	SQLitePath     string
	SessionTTL     time.Duration
	PurgeInterval  time.Duration
	CookieSecure   bool
	// LandingPath はログイン成功後のリダイレクト先。
	LandingPath string

	OAuth login.OAuthProviderConfig

	ProxyTimeout time.Duration
	// IdentitySecret が空の場合、上流への識別情報ヘッダーを付与しない。
	IdentitySecret string

	LogLevel string
}

// SetDefaults は既定値を設定し、環境変数からの読み込みを有効にする。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyAdminPort, "9090")
	v.SetDefault(KeyContentServiceURL, "http://127.0.0.1:3000")
	v.SetDefault(KeySessionBackend, BackendRedis)
	v.SetDefault(KeyRedisAddr, "127.0.0.1:6379")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyRedisPoolSize, 20)
	v.SetDefault(KeySQLitePath, "/data/sessions.db")
	v.SetDefault(KeySessionTTL, session.DefaultTTL)
	v.SetDefault(KeySessionPurgeInterval, 10*time.Minute)
	v.SetDefault(KeyCookieSecure, false)
	v.SetDefault(KeyLandingPath, "/")
	v.SetDefault(KeyOAuthClientID, "")
	v.SetDefault(KeyOAuthClientSecret, "")
	v.SetDefault(KeyOAuthProviderURL, "https://github.com")
	v.SetDefault(KeyOAuthAPIURL, "https://api.github.com")
	v.SetDefault(KeyOAuthTimeout, 10*time.Second)
	v.SetDefault(KeyProxyTimeout, 30*time.Second)
	v.SetDefault(KeyIdentitySecret, "")
	v.SetDefault(KeyLogLevel, "info")
	v.AutomaticEnv()
}

// LoadConfig はviperから設定を読み込み、検証する。
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:           v.GetString(KeyPort),
		AdminPort:      v.GetString(KeyAdminPort),
		SessionBackend: strings.ToLower(v.GetString(KeySessionBackend)),
		Redis: session.RedisOptions{
			Addr:         v.GetString(KeyRedisAddr),
			Password:     v.GetString(KeyRedisPassword),
			DB:           v.GetInt(KeyRedisDB),
			PoolSize:     v.GetInt(KeyRedisPoolSize),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		SQLitePath:    v.GetString(KeySQLitePath),
		SessionTTL:    v.GetDuration(KeySessionTTL),
		PurgeInterval: v.GetDuration(KeySessionPurgeInterval),
		CookieSecure:  v.GetBool(KeyCookieSecure),
		LandingPath:   v.GetString(KeyLandingPath),
		OAuth: login.OAuthProviderConfig{
			ClientID:     v.GetString(KeyOAuthClientID),
			ClientSecret: v.GetString(KeyOAuthClientSecret),
			ProviderURL:  v.GetString(KeyOAuthProviderURL),
			APIURL:       v.GetString(KeyOAuthAPIURL),
			Timeout:      v.GetDuration(KeyOAuthTimeout),
		},
		ProxyTimeout:   v.GetDuration(KeyProxyTimeout),
		IdentitySecret: v.GetString(KeyIdentitySecret),
		LogLevel:       v.GetString(KeyLogLevel),
	}

	target, err := parseServiceURL(v.GetString(KeyContentServiceURL))
	if err != nil {
		return Config{}, fmt.Errorf("CONTENT_SERVICE_URLが不正です: %w", err)
	}
	cfg.ContentService = target

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.AdminPort == "" {
		errs = append(errs, errors.New("ADMIN_PORTが空です"))
	}
	switch c.SessionBackend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDRが空です"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATHが空です"))
		}
		if c.PurgeInterval <= 0 {
			errs = append(errs, errors.New("SESSION_PURGE_INTERVALは正の値が必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKENDが不正です: %q", c.SessionBackend))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTLは正の値が必要です"))
	}
	if !strings.HasPrefix(c.LandingPath, "/") || strings.HasPrefix(c.LandingPath, "//") {
		errs = append(errs, fmt.Errorf("LANDING_PATHはサイト内のパスである必要があります: %q", c.LandingPath))
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		errs = append(errs, errors.New("OAUTH_CLIENT_IDとOAUTH_CLIENT_SECRETは必須です"))
	}
	for name, raw := range map[string]string{"OAUTH_PROVIDER_URL": c.OAuth.ProviderURL, "OAUTH_API_URL": c.OAuth.APIURL} {
		if _, err := parseServiceURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%sが不正です: %w", name, err))
		}
	}
	if c.OAuth.Timeout <= 0 {
		errs = append(errs, errors.New("OAUTH_TIMEOUTは正の値が必要です"))
	}
	if c.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("PROXY_TIMEOUTは正の値が必要です"))
	}
	return errors.Join(errs...)
}

// parseServiceURL はhttpまたはhttpsの絶対URLだけを受け付ける。
func parseServiceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("httpまたはhttpsの絶対URLが必要です: %q", raw)
	}
	return u, nil
}
