package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/nao1215/meblog/pkg/middleware"
	"go.uber.org/zap"
)

// 転送失敗の種類。proxy_errors_totalのラベルに使う。
const (
	proxyErrorTimeout     = "timeout"
	proxyErrorCancelled   = "cancelled"
	proxyErrorUnreachable = "unreachable"
)

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	// Target は転送先のベースURL。
	Target *url.URL
	// Timeout は1回の転送に許す時間。
	Timeout time.Duration
	// IdentitySecret が空でなければ、認証済みリクエストに署名付きの識別情報ヘッダーを付与する。
	IdentitySecret string
	Logger         *zap.Logger
	// Transport がnilの場合はDialとレスポンスヘッダー待ちに上限を設けたものを使う。
	Transport http.RoundTripper
	// OnError は転送に失敗したときに種類とともに呼ばれる。
	OnError func(kind string)
	// OnForward は転送が終わるたびに所要時間とともに呼ばれる。
	OnForward func(method string, elapsed time.Duration)
}

// Dispatcher は専用のハンドラを持たない全てのリクエストをコンテンツサービスに転送する。
// メソッド、パス、クエリ、ヘッダー、ボディはそのまま渡し、レスポンスもそのまま返す。
type Dispatcher struct {
	proxy     *httputil.ReverseProxy
	timeout   time.Duration
	logger    *zap.Logger
	onError   func(kind string)
	onForward func(method string, elapsed time.Duration)
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg.Timeout)
	}

	d := &Dispatcher{
		timeout:   cfg.Timeout,
		logger:    logger,
		onError:   cfg.OnError,
		onForward: cfg.OnForward,
	}
	target := cfg.Target
	secret := cfg.IdentitySecret

	d.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			// クライアントが送ってきた識別情報は信用しない。
			pr.Out.Header.Del(middleware.IdentityHeader)
			if secret == "" {
				return
			}
			account, ok := middleware.AccountFromContext(pr.In.Context())
			if !ok {
				return
			}
			token, err := middleware.SignIdentity(secret, account, time.Now())
			if err != nil {
				logger.Error("識別情報の署名に失敗しました", zap.Error(err))
				return
			}
			pr.Out.Header.Set(middleware.IdentityHeader, token)
		},
		Transport:    transport,
		ErrorHandler: d.handleError,
		ErrorLog:     zap.NewStdLog(logger),
	}
	return d
}

// ServeHTTP はリクエストを転送する。転送はTimeoutで打ち切る。
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()

	d.proxy.ServeHTTP(w, r.WithContext(ctx))

	if d.onForward != nil {
		d.onForward(r.Method, time.Since(start))
	}
}

func (d *Dispatcher) handleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := classifyProxyError(r.Context(), err)
	if d.onError != nil {
		d.onError(kind)
	}

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(err),
	}

	status := http.StatusBadGateway
	message := "上流サービスとの通信に失敗しました"
	switch kind {
	case proxyErrorTimeout:
		status = http.StatusGatewayTimeout
		message = "上流サービスが時間内に応答しませんでした"
		d.logger.Warn("転送がタイムアウトしました", fields...)
	case proxyErrorCancelled:
		d.logger.Debug("クライアントが転送中にリクエストを取り消しました", fields...)
	default:
		d.logger.Warn("転送に失敗しました", fields...)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func classifyProxyError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return proxyErrorTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return proxyErrorCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyErrorTimeout
	}
	return proxyErrorUnreachable
}

// newTransport はコンテンツサービスへの接続に使うTransportを生成する。
func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.ResponseHeaderTimeout = timeout
	t.MaxIdleConnsPerHost = 64
	return t
}
