package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/meblog/internal/login"
	"github.com/nao1215/meblog/pkg/httpclient"
	"github.com/nao1215/meblog/pkg/middleware"
	"github.com/nao1215/meblog/pkg/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CallbackPath はIDプロバイダからのリダイレクトを受け付けるパス。
const CallbackPath = "/user/login_with_provider_callback"

// shutdownTimeout はシャットダウン時に処理中のリクエストを待つ時間。
const shutdownTimeout = 10 * time.Second

// purger は期限切れセッションの削除が必要なストア。
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Server はgatewayのHTTPサーバー。
type Server struct {
	// cfg は起動時に読み込んだ設定。
	cfg Config
	// router は公開側のGinルーター。
	router *gin.Engine
	// admin はメトリクスとヘルスチェック用のGinルーター。
	admin *gin.Engine
	// store はセッションストア。Runの終了時に閉じる。
	store session.Store
	// flow はログインの状態機械。
	flow *login.Flow
	// dispatcher はコンテンツサービスへの転送を担う。
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *metrics
}

// NewServer は新しいgatewayサーバーを生成する。storeの所有権はServerに移る。
func NewServer(cfg Config, store session.Store, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("セッションストアが指定されていません")
	}
	if cfg.ContentService == nil {
		return nil, errors.New("コンテンツサービスのURLが指定されていません")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := newMetrics()
	content := httpclient.New(cfg.ContentService.String(), httpclient.WithTimeout(cfg.OAuth.Timeout))

	s := &Server{
		cfg:     cfg,
		router:  gin.New(),
		admin:   gin.New(),
		store:   store,
		logger:  logger,
		metrics: m,
		flow: login.NewFlow(login.Config{
			Provider:  login.NewOAuthProvider(cfg.OAuth),
			Directory: login.NewContentDirectory(content, login.DefaultSource),
			Store:     store,
			TTL:       cfg.SessionTTL,
			Logger:    logger.Named("login"),
		}),
		dispatcher: NewDispatcher(DispatcherConfig{
			Target:         cfg.ContentService,
			Timeout:        cfg.ProxyTimeout,
			IdentitySecret: cfg.IdentitySecret,
			Logger:         logger.Named("proxy"),
			OnError: func(kind string) {
				m.proxyErrors.WithLabelValues(kind).Inc()
			},
			OnForward: func(method string, elapsed time.Duration) {
				m.proxyDuration.WithLabelValues(method).Observe(elapsed.Seconds())
			},
		}),
	}
	// 予約済みパスの末尾にスラッシュを付けたものも転送の対象とする。
	s.router.RedirectTrailingSlash = false
	s.router.RedirectFixedPath = false

	s.setupRoutes()
	s.setupAdminRoutes()

	return s, nil
}

// Handler は公開側のHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// AdminHandler は管理用のHTTPハンドラを返す。
func (s *Server) AdminHandler() http.Handler {
	return s.admin
}

// setupRoutes は公開側のルーティングを設定する。
// gatewayが自ら処理するのはログインのコールバックとエラーページだけで、
// それ以外は全てコンテンツサービスに転送する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestLogger(s.logger.Named("access")))
	s.router.Use(middleware.SessionAuth(middleware.SessionAuthConfig{
		Store:  s.store,
		Logger: s.logger,
		OnStoreError: func(error) {
			s.metrics.storeErrors.WithLabelValues("get").Inc()
		},
	}))
	s.router.SetHTMLTemplate(errorPageTemplate)

	s.router.GET(CallbackPath, s.handleLoginCallback())
	s.router.GET(ErrorPagePath, s.handleErrorInfo())

	s.router.NoRoute(s.forward)
}

// forward はリクエストをコンテンツサービスに転送する。
// NoRouteのハンドラは未書き込みの404を独自の本文で上書きされるため、
// 上流の応答が空でも書き込み済みとして確定させる。
func (s *Server) forward(c *gin.Context) {
	s.dispatcher.ServeHTTP(c.Writer, c.Request)
	c.Writer.WriteHeaderNow()
}

// setupAdminRoutes は管理用のルーティングを設定する。
func (s *Server) setupAdminRoutes() {
	s.admin.Use(middleware.Recovery(s.logger))

	s.admin.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.admin.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
}

// handleLoginCallback はIDプロバイダからのコールバックを処理するハンドラを返す。
// Cookieはセッションの保存に成功した後にだけ発行する。
func (s *Server) handleLoginCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		out := s.flow.Run(c.Request.Context(), c.Query("code"))
		if !out.Succeeded() {
			s.metrics.logins.WithLabelValues("failure", out.Failure.Reason).Inc()
			if out.Failure.Reason == login.ReasonStoreUnavailable {
				s.metrics.storeErrors.WithLabelValues("put").Inc()
			}
			c.Redirect(http.StatusSeeOther, ErrorRedirectURL(out.Failure.Action, out.Failure.Reason))
			return
		}

		s.metrics.logins.WithLabelValues("success", "").Inc()
		session.SetCookie(c.Writer, out.Token, s.cfg.SessionTTL, session.CookieOptions{Secure: s.cfg.CookieSecure})
		c.Redirect(http.StatusSeeOther, s.cfg.LandingPath)
	}
}

// Run は公開側と管理用のHTTPサーバーを起動し、ctxが終了するまでブロックする。
// ctxの終了後は処理中のリクエストを待ってから停止し、セッションストアを閉じる。
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.AdminPort),
		Handler:           s.admin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gatewayを起動します", zap.String("addr", public.Addr))
		return listen(public)
	})
	g.Go(func() error {
		s.logger.Info("管理用サーバーを起動します", zap.String("addr", admin.Addr))
		return listen(admin)
	})
	if p, ok := s.store.(purger); ok && s.cfg.PurgeInterval > 0 {
		g.Go(func() error {
			s.purgeLoop(gctx, p)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("シャットダウンします")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(public.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
	})

	err := g.Wait()
	if closeErr := s.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("セッションストアのクローズに失敗: %w", closeErr))
	}
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%sでの待ち受けに失敗: %w", srv.Addr, err)
	}
	return nil
}

// purgeLoop は期限切れセッションを定期的に削除する。
func (s *Server) purgeLoop(ctx context.Context, p purger) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.metrics.storeErrors.WithLabelValues("purge").Inc()
				s.logger.Warn("期限切れセッションの削除に失敗しました", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("期限切れセッションを削除しました", zap.Int64("count", n))
			}
		}
	}
}
