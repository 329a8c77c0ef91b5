// Package api 提供 HTTP 网关：工具与智能体的 REST 接口、文件上传、任务查询、
// 会话历史、WebSocket 事件流以及 /mcp 挂载点。
package api
