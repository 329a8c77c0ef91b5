// Package auth 为 HTTP 与 WebSocket 接口提供 API Key 与 JWT 两种认证方式，
// 并通过中间件完成授权与审计记录。
package auth
