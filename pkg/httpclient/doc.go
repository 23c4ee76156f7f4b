// Package httpclient は外部サービスのJSON APIを呼び出すクライアントを提供する。
//
// gatewayがコンテンツサービスのユーザーAPIや、IDプロバイダのプロフィールAPIを
// 呼び出す際に使用する。タイムアウトとエラー表現（StatusError）を統一する。
package httpclient
