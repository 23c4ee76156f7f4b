// Package logintest はログイン処理のテストで使う偽のIDプロバイダとコンテンツサービスを提供する。
package logintest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nao1215/meblog/internal/login"
)

const accessTokenPrefix = "at-"

// ProviderServer はGitHub互換のOAuth2プロバイダを模したサーバー。
// 認可コードは1回だけアクセストークンに交換できる。
type ProviderServer struct {
	*httptest.Server

	ClientID     string
	ClientSecret string

	mu        sync.Mutex
	profiles  map[string]login.Profile
	used      map[string]bool
	exchanges int
	failUser  bool
}

// NewProviderServer は偽のプロバイダを起動する。テスト終了時に停止する。
func NewProviderServer(t testing.TB, clientID, clientSecret string) *ProviderServer {
	t.Helper()

	p := &ProviderServer{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		profiles:     make(map[string]login.Profile),
		used:         make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", p.handleToken)
	mux.HandleFunc("GET /user", p.handleUser)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// AddCode は交換可能な認可コードと、その利用者情報を登録する。
func (p *ProviderServer) AddCode(code string, profile login.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[code] = profile
}

// FailUserAPI はプロフィールAPIが500を返すようにする。
func (p *ProviderServer) FailUserAPI() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUser = true
}

// Exchanges はトークンエンドポイントが呼ばれた回数を返す。
func (p *ProviderServer) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

func (p *ProviderServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++

	w.Header().Set("Content-Type", "application/json")
	if r.PostForm.Get("client_id") != p.ClientID || r.PostForm.Get("client_secret") != p.ClientSecret {
		_, _ = io.WriteString(w, `{"error":"incorrect_client_credentials"}`)
		return
	}

	code := r.PostForm.Get("code")
	if _, ok := p.profiles[code]; !ok || p.used[code] {
		_, _ = io.WriteString(w, `{"error":"bad_verification_code"}`)
		return
	}
	p.used[code] = true

	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": accessTokenPrefix + code,
		"token_type":   "bearer",
		"scope":        "",
	})
}

func (p *ProviderServer) handleUser(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failUser {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("User-Agent") == "" {
		http.Error(w, "missing user agent", http.StatusForbidden)
		return
	}

	code, ok := strings.CutPrefix(r.URL.Query().Get("access_token"), accessTokenPrefix)
	profile, found := p.profiles[code]
	if !ok || !found || !p.used[code] {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(profile)
}

// ContentServer はコンテンツサービスの利用者APIを模したサーバー。
// 利用者API以外のリクエストはFallbackに渡す。
type ContentServer struct {
	*httptest.Server

	mu             sync.Mutex
	users          map[string]login.User
	forms          []map[string]string
	failLookup     bool
	failCreate     bool
	createConflict bool
	fallback       http.Handler
}

// NewContentServer は偽のコンテンツサービスを起動する。
// fallbackがnilの場合、利用者API以外には404を返す。
func NewContentServer(t testing.TB, fallback http.Handler) *ContentServer {
	t.Helper()

	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	c := &ContentServer{
		users:    make(map[string]login.User),
		fallback: fallback,
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serveHTTP))
	t.Cleanup(c.Close)
	return c
}

// AddUser は既存の利用者を登録する。
func (c *ContentServer) AddUser(u login.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.Account] = u
}

// HasUser は利用者が登録されているかどうかを返す。
func (c *ContentServer) HasUser(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.users[account]
	return ok
}

// CreateForms は作成APIが受け取ったフォームの一覧を返す。
func (c *ContentServer) CreateForms() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]string(nil), c.forms...)
}

// FailLookup は検索APIが500を返すようにする。
func (c *ContentServer) FailLookup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLookup = true
}

// FailCreate は作成APIが500を返し、何も作成しないようにする。
func (c *ContentServer) FailCreate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreate = true
}

// ConflictOnCreate は作成APIが利用者を作成したうえで409を返すようにする。
// 並行するログインが先に作成した状況を再現する。
func (c *ContentServer) ConflictOnCreate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createConflict = true
}

func (c *ContentServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/user_by_account":
		c.handleLookup(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/user/create":
		c.handleCreate(w, r)
	default:
		c.fallback.ServeHTTP(w, r)
	}
}

func (c *ContentServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failLookup {
		http.Error(w, "db down", http.StatusInternalServerError)
		return
	}

	users := []login.User{}
	if u, ok := c.users[r.URL.Query().Get("account")]; ok {
		users = append(users, u)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(users)
}

func (c *ContentServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	c.forms = append(c.forms, form)

	if c.failCreate {
		http.Error(w, "db down", http.StatusInternalServerError)
		return
	}

	account := form["account"]
	u := login.User{ID: "id-" + account, Account: account, Nickname: form["nickname"]}
	c.users[account] = u

	if c.createConflict {
		http.Error(w, `{"error":"already exists"}`, http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]login.User{u})
}
