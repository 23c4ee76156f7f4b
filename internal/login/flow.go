package login

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/nao1215/meblog/pkg/session"
	"go.uber.org/zap"
)

// maxCodeLength は受け付ける認可コードの最大バイト長。
const maxCodeLength = 512

// storeWriteTimeout はセッションの書き込みに許す時間。書き込みはリクエストの取り消しとは切り離して行う。
const storeWriteTimeout = 5 * time.Second

// 失敗理由。エラーページにそのまま表示されるため、内部の詳細を含めない。
const (
	ReasonMissingCode        = "missing code"
	ReasonExchangeFailed     = "token exchange failed"
	ReasonProfileFailed      = "profile fetch failed"
	ReasonLookupFailed       = "account lookup failed"
	ReasonRegistrationFailed = "registration failed"
	ReasonCancelled          = "request cancelled"
	ReasonStoreUnavailable   = "session store unavailable"
)

// State はログイン処理の段階。
type State int

const (
	// StateStart はコールバックを受け取った直後。
	StateStart State = iota
	// StateCodeReceived は認可コードが妥当と判断された状態。
	StateCodeReceived
	// StateProfileResolved はプロバイダから利用者情報を得た状態。
	StateProfileResolved
	// StateSessionIssued はセッションが保存された状態。終端。
	StateSessionIssued
	// StateFailed はいずれかの段階で失敗した状態。終端。
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateCodeReceived:
		return "code_received"
	case StateProfileResolved:
		return "profile_resolved"
	case StateSessionIssued:
		return "session_issued"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Failure はログインの失敗を表す。
type Failure struct {
	// Step は失敗が起きた時点の段階。
	Step State
	// Action は失敗した操作の名前。エラーページに表示する。
	Action string
	// Reason は利用者向けの失敗理由。
	Reason string
	// Err は原因となったエラー。ログにのみ出力する。
	Err error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Action, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Action, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome はFlow.Runの結果。
type Outcome struct {
	// State は終端の段階（StateSessionIssued または StateFailed）。
	State State
	// Account はログインした利用者のアカウント名。
	Account string
	// Token は発行したセッショントークン。成功時のみ設定される。
	Token string
	// Failure は失敗時のみ設定される。
	Failure *Failure
}

// Succeeded はセッションが発行されたかどうかを返す。
func (o Outcome) Succeeded() bool {
	return o.State == StateSessionIssued
}

// SessionWriter はFlowが必要とするストアの書き込み操作。
type SessionWriter interface {
	Put(ctx context.Context, token, account string, ttl time.Duration) error
}

// Config はFlowの依存関係。
type Config struct {
	Provider  Provider
	Directory Directory
	Store     SessionWriter
	// TTL が0以下の場合はsession.DefaultTTLを使う。
	TTL    time.Duration
	Logger *zap.Logger
}

// Flow はログインの状態機械。複数のリクエストから並行して使用できる。
type Flow struct {
	provider  Provider
	directory Directory
	store     SessionWriter
	ttl       time.Duration
	logger    *zap.Logger
	newToken  func() (string, error)
}

// NewFlow は新しいFlowを生成する。
func NewFlow(cfg Config) *Flow {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		provider:  cfg.Provider,
		directory: cfg.Directory,
		store:     cfg.Store,
		ttl:       ttl,
		logger:    logger,
		newToken:  session.NewToken,
	}
}

// attempt は1回のRun呼び出しの間だけ存在する作業領域。
type attempt struct {
	code    string
	profile Profile
	account string
	token   string
}

// step は1回の状態遷移の結果。failが設定されていればnextは無視する。
type step struct {
	next State
	fail *Failure
}

func advance(next State) step {
	return step{next: next}
}

func fail(at State, action, reason string, err error) step {
	return step{fail: &Failure{Step: at, Action: action, Reason: reason, Err: err}}
}

// Run は認可コードからセッションを発行する。
// 戻り値のStateは常にStateSessionIssuedかStateFailedのいずれか。
func (f *Flow) Run(ctx context.Context, code string) Outcome {
	a := &attempt{code: code}
	state := StateStart

	for {
		var st step
		switch state {
		case StateStart:
			st = f.receiveCode(a)
		case StateCodeReceived:
			st = f.resolveProfile(ctx, a)
		case StateProfileResolved:
			st = f.issueSession(ctx, a)
		case StateSessionIssued:
			f.logger.Info("ログインに成功しました", zap.String("account", a.account))
			return Outcome{State: StateSessionIssued, Account: a.account, Token: a.token}
		default:
			panic(fmt.Sprintf("login: unexpected state %s", state))
		}

		if st.fail != nil {
			f.logger.Warn("ログインに失敗しました",
				zap.Stringer("step", st.fail.Step),
				zap.String("action", st.fail.Action),
				zap.String("reason", st.fail.Reason),
				zap.Error(st.fail.Err),
			)
			return Outcome{State: StateFailed, Account: a.profile.Account, Failure: st.fail}
		}
		state = st.next
	}
}

// receiveCode は認可コードの形式を検査する。
func (f *Flow) receiveCode(a *attempt) step {
	if err := validateCode(a.code); err != nil {
		return fail(StateStart, "Receive authorization code", ReasonMissingCode, err)
	}
	return advance(StateCodeReceived)
}

// resolveProfile はコードをアクセストークンに交換し、利用者情報を取得する。
func (f *Flow) resolveProfile(ctx context.Context, a *attempt) step {
	accessToken, err := f.provider.Exchange(ctx, a.code)
	if err != nil {
		return fail(StateCodeReceived, "Get access token from provider", ReasonExchangeFailed, err)
	}

	profile, err := f.provider.Profile(ctx, accessToken)
	if err != nil {
		return fail(StateCodeReceived, "Get user info from provider", ReasonProfileFailed, err)
	}
	a.profile = profile
	return advance(StateProfileResolved)
}

// issueSession はアカウントを確定させ、セッションを保存する。
func (f *Flow) issueSession(ctx context.Context, a *attempt) step {
	account := a.profile.Account

	_, found, err := f.directory.FindByAccount(ctx, account)
	if err != nil {
		return fail(StateProfileResolved, "Look up user: "+account, ReasonLookupFailed, err)
	}
	if !found {
		if st, ok := f.register(ctx, a); !ok {
			return st
		}
	}
	a.account = account

	// 取り消されたリクエストでは何も書き込まない。
	if err := ctx.Err(); err != nil {
		return fail(StateProfileResolved, "Create session", ReasonCancelled, err)
	}

	token, err := f.newToken()
	if err != nil {
		return fail(StateProfileResolved, "Create session", ReasonStoreUnavailable, err)
	}
	// 書き込みを始めた後に取り消されても、保存されたセッションとCookieの発行を食い違わせない。
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := f.store.Put(putCtx, token, account, f.ttl); err != nil {
		return fail(StateProfileResolved, "Create session", ReasonStoreUnavailable, err)
	}
	a.token = token
	return advance(StateSessionIssued)
}

// register は利用者を作成する。作成に失敗した場合は、並行するログインが先に
// 作成した可能性があるため一度だけ再検索する。
func (f *Flow) register(ctx context.Context, a *attempt) (step, bool) {
	account := a.profile.Account
	action := "Register user: " + account

	_, created, err := f.directory.Create(ctx, a.profile)
	if err == nil && created {
		return step{}, true
	}
	if err == nil {
		err = errors.New("作成結果が空です")
	}

	_, found, lookupErr := f.directory.FindByAccount(ctx, account)
	if lookupErr == nil && found {
		f.logger.Info("作成に失敗したが既存の利用者が見つかりました",
			zap.String("account", account),
			zap.NamedError("create_error", err),
		)
		return step{}, true
	}
	return fail(StateProfileResolved, action, ReasonRegistrationFailed, errors.Join(err, lookupErr)), false
}

// validateCode は認可コードが空でなく、長すぎず、空白や制御文字を含まないことを検査する。
func validateCode(code string) error {
	if code == "" {
		return errors.New("認可コードが空です")
	}
	if len(code) > maxCodeLength {
		return fmt.Errorf("認可コードが長すぎます: %dバイト", len(code))
	}
	for _, r := range code {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("認可コードに空白または制御文字が含まれています")
		}
	}
	return nil
}
