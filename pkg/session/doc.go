// Package session はブラウザセッションの発行と保存を提供する。
//
// セッショントークンは推測不能な256ビットの乱数で、Cookieにはトークンそのものを、
// ストアにはトークンのSHA-256ハッシュから導出したキーだけを保存する。
// ストアは書き込みと有効期限の設定を1回の操作で行うため、期限のないセッションは残らない。
//
// バックエンドはRedis（RedisStore）とSQLite（SQLStore）の2種類を用意している。
// どちらもコネクションプール上で動作し、並行アクセスに対して安全である。
package session
