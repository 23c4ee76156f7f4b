package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions はRedisへの接続設定。
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DialRedis はコネクションプール付きのRedisクライアントを生成し、疎通を確認する。
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// RedisStore はRedisをバックエンドとするStore。
// go-redisのクライアントはプールから接続を取得するため、複数のgoroutineから共有できる。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put は SET key account EX ttl を1コマンドで実行する。
func (s *RedisStore) Put(ctx context.Context, token, account string, ttl time.Duration) error {
	if err := validatePut(token, account, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, StorageKey(token), account, ttl).Err(); err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Get はトークンに対応するアカウントを返す。
func (s *RedisStore) Get(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	account, err := s.client.Get(ctx, StorageKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return account, true, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
