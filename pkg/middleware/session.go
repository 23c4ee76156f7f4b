package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/meblog/pkg/session"
	"go.uber.org/zap"
)

// ginKeyAccount はGinコンテキストにアカウントIDを格納するキー。
const ginKeyAccount = "account"

type accountContextKey struct{}

// SessionReader はSessionAuthが必要とするストアの読み出し操作。
type SessionReader interface {
	Get(ctx context.Context, token string) (account string, ok bool, err error)
}

// SessionAuthConfig はSessionAuthの設定。
type SessionAuthConfig struct {
	// Store はセッションの参照先。
	Store SessionReader
	// Logger はストア障害の記録に使う。nilの場合は何も出力しない。
	Logger *zap.Logger
	// OnStoreError はストアに到達できなかったときに呼ばれる。
	OnStoreError func(err error)
}

// SessionAuth はセッションCookieから利用者を解決するGinミドルウェアを返す。
//
// Cookieがない、トークンが未知または期限切れ、ストアに到達できない、のいずれの場合も
// 匿名のままリクエストを続行する。認可の判断は行わないため、ログインが必要な
// ハンドラはGetAccountで自ら確認すること。
func SessionAuth(cfg SessionAuthConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		token, ok := session.TokenFromRequest(c.Request)
		if !ok {
			c.Next()
			return
		}

		account, found, err := cfg.Store.Get(c.Request.Context(), token)
		switch {
		case err != nil:
			logger.Warn("セッションストアに到達できないため匿名として処理します",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			if cfg.OnStoreError != nil {
				cfg.OnStoreError(err)
			}
		case found:
			c.Set(ginKeyAccount, account)
			c.Request = c.Request.WithContext(WithAccount(c.Request.Context(), account))
		}

		c.Next()
	}
}

// GetAccount はGinコンテキストからアカウントIDを取得する。匿名の場合は空文字列を返す。
func GetAccount(c *gin.Context) string {
	return c.GetString(ginKeyAccount)
}

// WithAccount はコンテキストにアカウントIDを設定する。
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, account)
}

// AccountFromContext はコンテキストからアカウントIDを取得する。
func AccountFromContext(ctx context.Context) (string, bool) {
	account, ok := ctx.Value(accountContextKey{}).(string)
	return account, ok && account != ""
}
