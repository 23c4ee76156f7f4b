// Package gateway はコンテンツサービスの前段に置くgatewayの内部実装を提供する。
//
// セッションCookieから利用者を解決し、IDプロバイダを使ったログインの
// コールバックとエラーページだけを自ら処理する。それ以外のリクエストは
// 全てコンテンツサービスに転送する。外部からアクセス可能な唯一の入り口であり、
// 転送時にはクライアントが偽装した識別情報ヘッダーを必ず取り除く。
package gateway
