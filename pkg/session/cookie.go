package session

import (
	"net/http"
	"time"
)

// CookieName はセッショントークンを運ぶCookieの名前。
const CookieName = "session_id"

// CookieOptions はセッションCookieの発行方法。
type CookieOptions struct {
	Secure bool
}

// SetCookie はセッションCookieを発行する。Max-AgeはストアのTTLと一致させる。
func SetCookie(w http.ResponseWriter, token string, ttl time.Duration, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenFromRequest はリクエストのCookieからトークンを取り出す。
func TokenFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
