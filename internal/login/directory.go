package login

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/nao1215/meblog/pkg/httpclient"
)

// DefaultSource はアカウント作成時にコンテンツサービスへ伝える登録経路。
const DefaultSource = "github"

// User はコンテンツサービス上の利用者。
type User struct {
	// ID はコンテンツサービスが採番した識別子。数値で返された場合はその表記を保持する。
	ID       string `json:"id"`
	Account  string `json:"account"`
	Nickname string `json:"nickname"`
}

// UnmarshalJSON はidが文字列でも数値でも受け付ける。
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var v struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	id, err := decodeID(v.ID)
	if err != nil {
		return err
	}
	*u = User(v.plain)
	u.ID = id
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return id, nil
	default:
		var id json.Number
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("idの形式が不正です: %s: %w", raw, err)
		}
		return id.String(), nil
	}
}

// Directory はコンテンツサービスの利用者APIを抽象化する。
type Directory interface {
	// FindByAccount はアカウント名で利用者を検索する。見つからなければ ok == false。
	FindByAccount(ctx context.Context, account string) (User, bool, error)
	// Create はプロフィールから利用者を作成する。作成結果が空なら ok == false。
	Create(ctx context.Context, profile Profile) (User, bool, error)
}

// ContentDirectory はコンテンツサービスのHTTP APIを使うDirectory。
type ContentDirectory struct {
	client *httpclient.Client
	source string
}

// NewContentDirectory は新しいContentDirectoryを生成する。
// sourceが空の場合はDefaultSourceを使う。
func NewContentDirectory(client *httpclient.Client, source string) *ContentDirectory {
	if source == "" {
		source = DefaultSource
	}
	return &ContentDirectory{client: client, source: source}
}

// FindByAccount はGET /v1/user_by_account で利用者を検索する。
func (d *ContentDirectory) FindByAccount(ctx context.Context, account string) (User, bool, error) {
	var raw json.RawMessage
	if err := d.client.GetJSON(ctx, "/v1/user_by_account", url.Values{"account": {account}}, &raw); err != nil {
		return User{}, false, fmt.Errorf("利用者の検索に失敗: %w", err)
	}
	return firstUser(raw)
}

// Create はPOST /v1/user/create で利用者を作成する。
func (d *ContentDirectory) Create(ctx context.Context, profile Profile) (User, bool, error) {
	form := url.Values{
		"account":  {profile.Account},
		"nickname": {profile.Nickname},
		"address":  {profile.Address},
		"source":   {d.source},
	}
	var raw json.RawMessage
	if err := d.client.PostForm(ctx, "/v1/user/create", form, &raw); err != nil {
		return User{}, false, fmt.Errorf("利用者の作成に失敗: %w", err)
	}
	return firstUser(raw)
}

// firstUser は利用者の配列または単一のオブジェクトを受け付け、先頭の利用者を返す。
// 空の配列とnullは「該当なし」として扱う。
func firstUser(raw json.RawMessage) (User, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return User{}, false, nil
	}

	if trimmed[0] == '[' {
		var users []User
		if err := json.Unmarshal(trimmed, &users); err != nil {
			return User{}, false, fmt.Errorf("利用者一覧のデシリアライズに失敗: %w", err)
		}
		if len(users) == 0 {
			return User{}, false, nil
		}
		return users[0], true, nil
	}

	var user User
	if err := json.Unmarshal(trimmed, &user); err != nil {
		return User{}, false, fmt.Errorf("利用者のデシリアライズに失敗: %w", err)
	}
	if user.ID == "" && user.Account == "" {
		return User{}, false, nil
	}
	return user, true, nil
}
