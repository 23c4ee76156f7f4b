package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/meblog/internal/login"
	"github.com/nao1215/meblog/internal/login/logintest"
	"github.com/nao1215/meblog/pkg/middleware"
	"github.com/nao1215/meblog/pkg/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
	testIdentityKey  = "test-identity-secret"
)

// echoed はテスト用コンテンツサービスが受け取ったリクエストの内容。
type echoed struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Query    string `json:"query"`
	Host     string `json:"host"`
	Body     string `json:"body"`
	Identity string `json:"identity"`
	Cookie   string `json:"cookie"`
}

// echoHandler は受け取ったリクエストをJSONで返すコンテンツサービスの代わり。
// /teapot は独自のステータスとヘッダーを、/missing は本文のない404を、
// /slow は応答の遅延を再現する。
func echoHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/teapot":
		w.Header().Set("X-Content-Service", "teapot")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
		return
	case "/missing":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		return
	case "/slow":
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Service", "echo")
	_ = json.NewEncoder(w).Encode(echoed{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Host:     r.Host,
		Body:     string(body),
		Identity: r.Header.Get(middleware.IdentityHeader),
		Cookie:   r.Header.Get("Cookie"),
	})
}

// testEnv はgatewayと、その背後の偽のサービス群。
type testEnv struct {
	server   *Server
	provider *logintest.ProviderServer
	content  *logintest.ContentServer
	redis    *miniredis.Miniredis
	store    *session.RedisStore
}

// newTestEnv はminiredisと偽のプロバイダ・コンテンツサービスに接続したgatewayを生成する。
func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := session.NewRedisStore(client)

	provider := logintest.NewProviderServer(t, testClientID, testClientSecret)
	content := logintest.NewContentServer(t, http.HandlerFunc(echoHandler))

	target, err := url.Parse(content.URL)
	require.NoError(t, err)

	cfg := Config{
		Port:           "0",
		AdminPort:      "0",
		ContentService: target,
		SessionBackend: BackendRedis,
		SessionTTL:     session.DefaultTTL,
		LandingPath:    "/",
		OAuth: login.OAuthProviderConfig{
			ClientID:     testClientID,
			ClientSecret: testClientSecret,
			ProviderURL:  provider.URL,
			APIURL:       provider.URL,
			Timeout:      2 * time.Second,
		},
		ProxyTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{server: srv, provider: provider, content: content, redis: mr, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// login はストアに直接セッションを作り、そのトークンを返す。
func (e *testEnv) login(t *testing.T, account string) string {
	t.Helper()

	token, err := session.NewToken()
	require.NoError(t, err)
	require.NoError(t, e.store.Put(context.Background(), token, account, time.Hour))
	return token
}

func decodeEcho(t *testing.T, w *httptest.ResponseRecorder) echoed {
	t.Helper()

	var got echoed
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got), "body=%s", w.Body.String())
	return got
}

func withCookie(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	return req
}

// TestForwarding はコンテンツサービスへの転送を検証する。
func TestForwarding(t *testing.T) {
	t.Parallel()

	t.Run("Cookieなしのリクエストがそのまま転送されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, "/article/list?page=2&tag=go", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "echo", w.Header().Get("X-Content-Service"))

		got := decodeEcho(t, w)
		assert.Equal(t, http.MethodGet, got.Method)
		assert.Equal(t, "/article/list", got.Path)
		assert.Equal(t, "page=2&tag=go", got.Query)
		assert.Equal(t, e.server.cfg.ContentService.Host, got.Host)
		assert.Empty(t, got.Identity)
	})

	t.Run("未知のトークンを持つリクエストもCookieなしと同じく転送されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		anonymous := e.do(httptest.NewRequest(http.MethodGet, "/article/list", nil))
		unknown := e.do(withCookie(httptest.NewRequest(http.MethodGet, "/article/list", nil), "unknown-token"))

		require.Equal(t, http.StatusOK, unknown.Code)
		assert.Equal(t, anonymous.Code, unknown.Code)

		a, u := decodeEcho(t, anonymous), decodeEcho(t, unknown)
		assert.Equal(t, a.Path, u.Path)
		assert.Empty(t, u.Identity)
	})

	t.Run("ステータス・ヘッダー・ボディがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, "/teapot", nil))

		assert.Equal(t, http.StatusTeapot, w.Code)
		assert.Equal(t, "teapot", w.Header().Get("X-Content-Service"))
		assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
		assert.Equal(t, "short and stout", w.Body.String())
	})

	t.Run("本文のない404がヘッダーを変えずにそのまま返ること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			w := e.do(httptest.NewRequest(method, "/missing", nil))

			assert.Equal(t, http.StatusNotFound, w.Code, method)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"), method)
			assert.Empty(t, w.Body.String(), method)
		}
	})

	t.Run("POSTのボディとメソッドが転送されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/article/create", strings.NewReader("title=hello&body=world"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := e.do(req)

		require.Equal(t, http.StatusOK, w.Code)
		got := decodeEcho(t, w)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "title=hello&body=world", got.Body)
	})

	t.Run("予約済みパスへのGET以外のメソッドは転送されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodPost, ErrorPagePath, nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ErrorPagePath, decodeEcho(t, w).Path)
	})

	t.Run("末尾にスラッシュの付いた予約済みパスはリダイレクトせず転送されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		for _, path := range []string{ErrorPagePath + "/", CallbackPath + "/"} {
			w := e.do(httptest.NewRequest(http.MethodGet, path, nil))

			require.Equal(t, http.StatusOK, w.Code, path)
			assert.Equal(t, path, decodeEcho(t, w).Path)
		}
	})
}

// TestIdentityForwarding は上流への識別情報ヘッダーを検証する。
func TestIdentityForwarding(t *testing.T) {
	t.Parallel()

	withSecret := func(cfg *Config) { cfg.IdentitySecret = testIdentityKey }

	t.Run("署名鍵が設定されていればログイン中の利用者を署名付きで伝えること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, withSecret)
		token := e.login(t, "u1")

		w := e.do(withCookie(httptest.NewRequest(http.MethodGet, "/article/list", nil), token))

		require.Equal(t, http.StatusOK, w.Code)
		claims, err := middleware.ParseIdentity(testIdentityKey, decodeEcho(t, w).Identity)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.Account)
	})

	t.Run("クライアントが送った識別情報ヘッダーは取り除かれること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, withSecret)
		forged, err := middleware.SignIdentity("attacker-key", "admin", time.Now())
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/article/list", nil)
		req.Header.Set(middleware.IdentityHeader, forged)
		w := e.do(req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decodeEcho(t, w).Identity)
	})

	t.Run("署名鍵が未設定ならログイン中でもヘッダーを付与しないこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		token := e.login(t, "u1")

		req := withCookie(httptest.NewRequest(http.MethodGet, "/article/list", nil), token)
		req.Header.Set(middleware.IdentityHeader, "forged")
		w := e.do(req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decodeEcho(t, w).Identity)
	})
}

// TestLoginCallback はログインのコールバックを検証する。
func TestLoginCallback(t *testing.T) {
	t.Parallel()

	callback := func(code string) *http.Request {
		return httptest.NewRequest(http.MethodGet, CallbackPath+"?"+url.Values{"code": {code}}.Encode(), nil)
	}

	t.Run("未登録の利用者が作成されセッションCookieとともにトップへリダイレクトされること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, func(cfg *Config) { cfg.IdentitySecret = testIdentityKey })
		e.provider.AddCode("abc", login.Profile{Account: "u1", Nickname: "User One", Address: "u1@example.com"})

		w := e.do(callback("abc"))

		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "/", w.Header().Get("Location"))
		assert.True(t, e.content.HasUser("u1"))

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		c := cookies[0]
		assert.Equal(t, session.CookieName, c.Name)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, int(session.DefaultTTL/time.Second), c.MaxAge)

		account, ok, err := e.store.Get(context.Background(), c.Value)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "u1", account)

		// 発行されたCookieで以降のリクエストが認証されること
		next := e.do(withCookie(httptest.NewRequest(http.MethodGet, "/article/list", nil), c.Value))
		claims, err := middleware.ParseIdentity(testIdentityKey, decodeEcho(t, next).Identity)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.Account)

		assert.InDelta(t, 1, testutil.ToFloat64(e.server.metrics.logins.WithLabelValues("success", "")), 0)
	})

	t.Run("同じコードを再送した場合はエラーページへリダイレクトされCookieが発行されないこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		e.provider.AddCode("abc", login.Profile{Account: "u1"})

		first := e.do(callback("abc"))
		require.Equal(t, http.StatusSeeOther, first.Code)
		require.Len(t, first.Result().Cookies(), 1)

		second := e.do(callback("abc"))
		require.Equal(t, http.StatusSeeOther, second.Code)
		assert.Empty(t, second.Result().Cookies())

		loc, err := url.Parse(second.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, ErrorPagePath, loc.Path)
		assert.NotEmpty(t, loc.Query().Get("action"))
		assert.Equal(t, login.ReasonExchangeFailed, loc.Query().Get("err_info"))
		assert.NotContains(t, second.Header().Get("Location"), "abc", "認可コードをURLに含めない")

		assert.Len(t, e.redis.Keys(), 1)
	})

	t.Run("codeがない場合はプロバイダに問い合わせずエラーページへリダイレクトされること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?error=access_denied", nil))

		require.Equal(t, http.StatusSeeOther, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, login.ReasonMissingCode, loc.Query().Get("err_info"))
		assert.Zero(t, e.provider.Exchanges())
	})

	t.Run("ストアに書き込めない場合はエラーページへリダイレクトされCookieが発行されないこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		e.provider.AddCode("abc", login.Profile{Account: "u1"})
		e.content.AddUser(login.User{ID: "id-u1", Account: "u1"})
		e.redis.Close()

		w := e.do(callback("abc"))

		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Empty(t, w.Result().Cookies())
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, login.ReasonStoreUnavailable, loc.Query().Get("err_info"))
		assert.InDelta(t, 1, testutil.ToFloat64(e.server.metrics.storeErrors.WithLabelValues("put")), 0)
	})

	t.Run("ログイン成功後のリダイレクト先を設定で変更できること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, func(cfg *Config) { cfg.LandingPath = "/dashboard" })
		e.provider.AddCode("abc", login.Profile{Account: "u1"})

		w := e.do(callback("abc"))

		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "/dashboard", w.Header().Get("Location"))
	})
}

// TestFailureHandling はストアや上流の障害時の挙動を検証する。
func TestFailureHandling(t *testing.T) {
	t.Parallel()

	t.Run("ストアに到達できなくても通常のリクエストは匿名として成功すること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, func(cfg *Config) { cfg.IdentitySecret = testIdentityKey })
		token := e.login(t, "u1")
		e.redis.Close()

		w := e.do(withCookie(httptest.NewRequest(http.MethodGet, "/article/list", nil), token))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decodeEcho(t, w).Identity)
		assert.InDelta(t, 1, testutil.ToFloat64(e.server.metrics.storeErrors.WithLabelValues("get")), 0)
	})

	t.Run("コンテンツサービスに到達できない場合は502が返ること", func(t *testing.T) {
		t.Parallel()

		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL, err := url.Parse(dead.URL)
		require.NoError(t, err)
		dead.Close()

		e := newTestEnv(t, func(cfg *Config) { cfg.ContentService = deadURL })
		w := e.do(httptest.NewRequest(http.MethodGet, "/article/list", nil))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
		assert.NotContains(t, body["error"], deadURL.Host, "内部の接続先を利用者に見せない")
		assert.InDelta(t, 1, testutil.ToFloat64(e.server.metrics.proxyErrors.WithLabelValues(proxyErrorUnreachable)), 0)
	})

	t.Run("コンテンツサービスが時間内に応答しない場合は504が返ること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t, func(cfg *Config) { cfg.ProxyTimeout = 100 * time.Millisecond })

		start := time.Now()
		w := e.do(httptest.NewRequest(http.MethodGet, "/slow", nil))

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Less(t, time.Since(start), 3*time.Second)
		assert.InDelta(t, 1, testutil.ToFloat64(e.server.metrics.proxyErrors.WithLabelValues(proxyErrorTimeout)), 0)
	})
}

// TestErrorPage はエラーページを検証する。
func TestErrorPage(t *testing.T) {
	t.Parallel()

	t.Run("パラメータがエスケープされて表示されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		target := ErrorRedirectURL("<script>alert(1)</script>", "token exchange failed")
		w := e.do(httptest.NewRequest(http.MethodGet, target, nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.NotContains(t, w.Body.String(), "<script>alert(1)</script>")
		assert.Contains(t, w.Body.String(), "&lt;script&gt;")
		assert.Contains(t, w.Body.String(), "token exchange failed")
	})

	t.Run("長すぎるパラメータは切り詰められること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, ErrorRedirectURL(strings.Repeat("あ", 1000), "x"), nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, maxErrorParam, strings.Count(w.Body.String(), "あ"))
	})
}

// TestErrorRedirectURL はエラーページURLの組み立てを検証する。
func TestErrorRedirectURL(t *testing.T) {
	t.Parallel()

	raw := ErrorRedirectURL("Register user: a&b=c", "registration failed")
	assert.True(t, strings.HasPrefix(raw, ErrorPagePath+"?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Register user: a&b=c", u.Query().Get("action"))
	assert.Equal(t, "registration failed", u.Query().Get("err_info"))
	assert.Len(t, u.Query(), 2, "&がエンコードされずにパラメータが増えてはならない")
}

// TestAdminRoutes は管理用エンドポイントを検証する。
func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	t.Run("ヘルスチェックが200を返すこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := httptest.NewRecorder()
		e.server.AdminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok","service":"gateway"}`, w.Body.String())
	})

	t.Run("ログインの結果がメトリクスに出力されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		e.do(httptest.NewRequest(http.MethodGet, CallbackPath, nil))

		w := httptest.NewRecorder()
		e.server.AdminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `meblog_gateway_login_total{outcome="failure",reason="missing code"} 1`)
	})

	t.Run("公開側にはメトリクスを公開しないこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		w := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "/metrics", decodeEcho(t, w).Path, "コンテンツサービスに転送される")
	})
}

// lifecycleStore はRunのテスト用のストア。
type lifecycleStore struct {
	session.Store
	purges atomic.Int32
	closed atomic.Bool
}

func (s *lifecycleStore) Purge(context.Context) (int64, error) {
	s.purges.Add(1)
	return 0, nil
}

func (s *lifecycleStore) Close() error {
	s.closed.Store(true)
	return nil
}

// TestRun はサーバーの起動と停止を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)

	store := &lifecycleStore{}
	srv, err := NewServer(Config{
		Port:           "0",
		AdminPort:      "0",
		ContentService: target,
		SessionTTL:     time.Hour,
		PurgeInterval:  10 * time.Millisecond,
		LandingPath:    "/",
		ProxyTimeout:   time.Second,
	}, store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return store.purges.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Runが終了しない")
	}
	assert.True(t, store.closed.Load(), "停止時にストアを閉じる")
}

// TestNewServer は依存関係の検査を検証する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{}, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(Config{}, &lifecycleStore{}, nil)
	assert.Error(t, err)
}
