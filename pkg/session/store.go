package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL はセッションの既定の有効期間（60日）。
const DefaultTTL = 60 * 24 * 3600 * time.Second

// keyPrefix はストア上のキーの接頭辞。
const keyPrefix = "meblog_session:"

// tokenSize はトークンのバイト長（256ビット）。
const tokenSize = 32

var (
	// ErrUnavailable はセッションストアに到達できないことを表す。
	// 「セッションが存在しない」とは区別して扱うこと。
	ErrUnavailable = errors.New("session: store unavailable")
	// ErrInvalid は不正な引数（空のトークン、空のアカウント、0以下のTTL）を表す。
	ErrInvalid = errors.New("session: invalid argument")
)

// Store はセッショントークンからアカウントIDへの対応を有効期限付きで保存する。
type Store interface {
	// Put はトークンとアカウントの対応を保存し、同じ操作でttlを設定する。
	Put(ctx context.Context, token, account string, ttl time.Duration) error
	// Get はトークンに対応するアカウントを返す。
	// 存在しないか期限切れの場合はエラーではなく ok == false を返す。
	Get(ctx context.Context, token string) (account string, ok bool, err error)
	// Close はストアが保持する接続を解放する。
	Close() error
}

// NewToken は新しいセッショントークンを生成する。
func NewToken() (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: トークンの生成に失敗: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StorageKey はトークンからストア上のキーを導出する。
// 書き込み・有効期限・読み出しは必ずこのキーを使う。
func StorageKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func validatePut(token, account string, ttl time.Duration) error {
	switch {
	case token == "":
		return fmt.Errorf("%w: empty token", ErrInvalid)
	case account == "":
		return fmt.Errorf("%w: empty account", ErrInvalid)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalid, ttl)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
