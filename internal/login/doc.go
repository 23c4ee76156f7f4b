// Package login は外部IDプロバイダを使ったログインの状態機械を提供する。
//
// 認可コードを受け取ってからセッションを発行するまでを
// Start → CodeReceived → ProfileResolved → SessionIssued の順に進め、
// どの段階で失敗しても Failed で終了する。失敗は段階・操作名・理由を持つ
// Failureとして返し、HTTP層はそれをエラーページへのリダイレクトに変換する。
package login
