package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/meblog/pkg/httpclient"
	"golang.org/x/oauth2"
)

// DefaultUserAgent はプロバイダAPI呼び出し時のUser-Agent。
const DefaultUserAgent = "meblog-gateway"

// Profile は外部IDプロバイダから取得した利用者情報。
type Profile struct {
	// Account はプロバイダ上のアカウント名。空であってはならない。
	Account string `json:"account"`
	// Nickname は表示名。
	Nickname string `json:"nickname"`
	// Address は連絡先。
	Address string `json:"address"`
}

// Provider は外部IDプロバイダとのやりとりを抽象化する。
type Provider interface {
	// Exchange は認可コードをアクセストークンに交換する。
	Exchange(ctx context.Context, code string) (string, error)
	// Profile はアクセストークンで利用者情報を取得する。
	Profile(ctx context.Context, accessToken string) (Profile, error)
}

// OAuthProviderConfig はOAuthProviderの設定。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	// ProviderURL はトークンエンドポイントを持つホスト（例: https://github.com）。
	ProviderURL string
	// APIURL はプロフィールAPIのホスト（例: https://api.github.com）。
	APIURL string
	// Timeout はプロバイダへの1リクエストあたりのタイムアウト。
	Timeout time.Duration
	// UserAgent が空の場合はDefaultUserAgentを使う。
	UserAgent string
}

// OAuthProvider はGitHub互換のOAuth2プロバイダ。
type OAuthProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	api        *httpclient.Client
}

// NewOAuthProvider は新しいOAuthProviderを生成する。
func NewOAuthProvider(cfg OAuthProviderConfig) *OAuthProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	hc := &http.Client{Timeout: timeout}

	return &OAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimRight(cfg.ProviderURL, "/") + "/login/oauth/authorize",
				TokenURL:  strings.TrimRight(cfg.ProviderURL, "/") + "/login/oauth/access_token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: hc,
		api: httpclient.New(cfg.APIURL,
			httpclient.WithHTTPClient(hc),
			httpclient.WithHeader("User-Agent", userAgent),
		),
	}
}

// Exchange は認可コードをアクセストークンに交換する。
// 使用済みのコードはプロバイダが拒否するため、ここでは再利用の検査をしない。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("accept", "json"))
	if err != nil {
		return "", fmt.Errorf("アクセストークンの取得に失敗: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("アクセストークンが空です")
	}
	return tok.AccessToken, nil
}

// Profile はアクセストークンで利用者情報を取得する。
func (p *OAuthProvider) Profile(ctx context.Context, accessToken string) (Profile, error) {
	var profile Profile
	query := url.Values{"access_token": {accessToken}}
	if err := p.api.GetJSON(ctx, "/user", query, &profile); err != nil {
		return Profile{}, fmt.Errorf("利用者情報の取得に失敗: %w", err)
	}
	if profile.Account == "" {
		return Profile{}, errors.New("利用者情報にアカウントが含まれていません")
	}
	return profile, nil
}
