package gateway

import (
	"html/template"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// ErrorPagePath はログイン失敗時のリダイレクト先。
const ErrorPagePath = "/error/info"

// maxErrorParam はエラーページに表示する各パラメータの最大文字数。
const maxErrorParam = 256

const errorPageName = "error_info.html"

var errorPageTemplate = template.Must(template.New(errorPageName).Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>エラー</title>
</head>
<body>
<h1>処理を完了できませんでした</h1>
<dl>
<dt>操作</dt>
<dd>{{.Action}}</dd>
<dt>理由</dt>
<dd>{{.ErrInfo}}</dd>
</dl>
<p><a href="/">トップへ戻る</a></p>
</body>
</html>
`))

// ErrorRedirectURL はエラーページのURLを組み立てる。値はクエリ文字列としてエンコードする。
func ErrorRedirectURL(action, errInfo string) string {
	q := url.Values{}
	q.Set("action", action)
	q.Set("err_info", errInfo)
	return ErrorPagePath + "?" + q.Encode()
}

// handleErrorInfo はエラーページを表示するハンドラを返す。
// 値はhtml/templateによってエスケープされる。
func (s *Server) handleErrorInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, errorPageName, gin.H{
			"Action":  truncate(c.Query("action"), maxErrorParam),
			"ErrInfo": truncate(c.Query("err_info"), maxErrorParam),
		})
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
