// gatewayのエントリポイント。
// セッションCookieによる認証とIDプロバイダを使ったログインを担当し、
// それ以外のリクエストは全てコンテンツサービスに転送する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/meblog/internal/gateway"
	"github.com/nao1215/meblog/pkg/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	gateway.SetDefaults(v)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Session and identity gateway in front of the content service",
		Long: `gateway authenticates browser sessions, handles the OAuth login callback
and forwards every other request to the content service.

Every flag can also be set through the environment variable of the same name
in upper case (for example --content-service-url and CONTENT_SERVICE_URL).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("port", v.GetString(gateway.KeyPort), "public listen port")
	flags.String("admin-port", v.GetString(gateway.KeyAdminPort), "admin listen port for /metrics and /health")
	flags.String("content-service-url", v.GetString(gateway.KeyContentServiceURL), "base URL of the content service")
	flags.String("session-backend", v.GetString(gateway.KeySessionBackend), "session store backend (redis or sqlite)")
	flags.String("redis-addr", v.GetString(gateway.KeyRedisAddr), "redis address")
	flags.String("sqlite-path", v.GetString(gateway.KeySQLitePath), "sqlite database file for the sqlite backend")
	flags.String("log-level", v.GetString(gateway.KeyLogLevel), "log level (debug, info, warn, error)")

	for flag, key := range map[string]string{
		"port":                gateway.KeyPort,
		"admin-port":          gateway.KeyAdminPort,
		"content-service-url": gateway.KeyContentServiceURL,
		"session-backend":     gateway.KeySessionBackend,
		"redis-addr":          gateway.KeyRedisAddr,
		"sqlite-path":         gateway.KeySQLitePath,
		"log-level":           gateway.KeyLogLevel,
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := gateway.LoadConfig(v)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("セッションストアの初期化に失敗しました", zap.String("backend", cfg.SessionBackend), zap.Error(err))
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	server, err := gateway.NewServer(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		logger.Error("gatewayの初期化に失敗しました", zap.Error(err))
		return err
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("gatewayが異常終了しました", zap.Error(err))
		return err
	}
	logger.Info("gatewayを停止しました")
	return nil
}

// openStore は設定に応じたセッションストアを開く。
func openStore(ctx context.Context, cfg gateway.Config, logger *zap.Logger) (session.Store, error) {
	switch cfg.SessionBackend {
	case gateway.BackendSQLite:
		store, err := session.OpenSQLStore(ctx, cfg.SQLitePath, logger.Named("migration"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		client, err := session.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return session.NewRedisStore(client), nil
	}
}

// newLogger はJSON形式で出力する本番用のロガーを生成する。
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("不正なログレベルです: %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build(zap.Fields(zap.String("service", "gateway")))
}
