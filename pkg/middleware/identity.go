package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityHeader はgatewayが上流サービスに利用者を伝えるHTTPヘッダー。
// クライアントから届いた同名ヘッダーはgatewayで必ず取り除く。
const IdentityHeader = "X-Meblog-Identity"

// identityIssuer は識別情報トークンの発行者。
const identityIssuer = "meblog-gateway"

// IdentityTTL は識別情報トークンの有効期間。
const IdentityTTL = 5 * time.Minute

// IdentityClaims は上流サービスに渡す識別情報トークンのクレーム。
type IdentityClaims struct {
	jwt.RegisteredClaims
	// Account は認証済み利用者のアカウントID。
	Account string `json:"account"`
}

// SignIdentity はアカウントIDをHS256で署名したトークンにする。
func SignIdentity(secret, account string, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("署名用の秘密鍵が空です")
	}

	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(now.Add(IdentityTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    identityIssuer,
		},
		Account: account,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("識別情報トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseIdentity は識別情報トークンを検証してクレームを返す。
// 上流サービス側の検証手順と同じものをテストで使う。
func ParseIdentity(secret, token string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(identityIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("識別情報トークンが無効です: %w", err)
	}
	if !parsed.Valid || claims.Account == "" {
		return nil, errors.New("識別情報トークンが無効です")
	}
	return claims, nil
}
