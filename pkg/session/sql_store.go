package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/meblog/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLiteドライバ
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLStore はSQLiteをバックエンドとするStore。
// 有効期限はexpires_at列で管理し、期限切れの行はGetで無視され、Purgeで削除される。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore はSQLiteファイルを開き、スキーマを適用したSQLStoreを返す。
func OpenSQLStore(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, db, migrationFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return NewSQLStore(db), nil
}

// NewSQLStore はスキーマ適用済みのデータベースからSQLStoreを生成する。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Put はキー・アカウント・有効期限を1つの文で書き込む。
func (s *SQLStore) Put(ctx context.Context, token, account string, ttl time.Duration) error {
	if err := validatePut(token, account, ttl); err != nil {
		return err
	}

	expiresAt := s.now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, account, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET account = excluded.account, expires_at = excluded.expires_at
	`, StorageKey(token), account, expiresAt)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Get はトークンに対応する期限内のアカウントを返す。
func (s *SQLStore) Get(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}

	var account string
	err := s.db.QueryRowContext(ctx,
		"SELECT account FROM sessions WHERE key = ? AND expires_at > ?",
		StorageKey(token), s.now().UnixMilli(),
	).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return account, true, nil
}

// Purge は期限切れのセッションを削除し、削除した件数を返す。
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return res.RowsAffected()
}

// Close はデータベース接続を閉じる。
func (s *SQLStore) Close() error {
	return s.db.Close()
}
