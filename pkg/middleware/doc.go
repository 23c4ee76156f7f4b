// Package middleware はGinベースのgatewayで使用する共通ミドルウェアを提供する。
//
// セッションCookieからの利用者の解決、上流サービスへ渡す署名付き識別情報、
// リクエストログ、パニックリカバリを含む。
package middleware
