package errors

import (
	"net/http"
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodePayloadTooLarge       Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia      Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeCacheFailure          Code = "CACHE_FAILURE"
	CodeLockNotAcquired       Code = "LOCK_NOT_ACQUIRED"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeModelFailure          Code = "MODEL_FAILURE"
	CodeChainFailure          Code = "CHAIN_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeToolConflict          Code = "TOOL_CONFLICT"
	CodeToolNotFound          Code = "TOOL_NOT_FOUND"
	CodeAgentIterations       Code = "AGENT_ITERATIONS_EXCEEDED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityInfo, HTTPStatus: http.StatusUnauthorized},
		CodeForbidden:             {Message: "forbidden", Severity: SeverityInfo, HTTPStatus: http.StatusForbidden},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodePayloadTooLarge:       {Message: "payload too large", Severity: SeverityInfo, HTTPStatus: http.StatusRequestEntityTooLarge},
		CodeUnsupportedMedia:      {Message: "unsupported media type", Severity: SeverityInfo, HTTPStatus: http.StatusUnsupportedMediaType},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeCacheFailure:          {Message: "cache failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeLockNotAcquired:       {Message: "lock not acquired", Severity: SeverityInfo, Retryable: true, HTTPStatus: http.StatusConflict},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeExecutorFailure:       {Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeModelFailure:          {Message: "model request failed", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeChainFailure:          {Message: "chain request failed", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusBadGateway},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusGatewayTimeout},
		CodeToolConflict:          {Message: "tool already registered", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeToolNotFound:          {Message: "tool not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeAgentIterations:       {Message: "agent exceeded iteration limit", Severity: SeverityWarning, HTTPStatus: http.StatusUnprocessableEntity},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if attr.HTTPStatus == 0 {
		attr.HTTPStatus = http.StatusInternalServerError
	}
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// HTTPStatus 返回错误码对应的 HTTP 状态码。
func HTTPStatus(code Code) int {
	return AttributesOf(code).HTTPStatus
}

// Messages 返回错误码到默认描述的扁平映射，供网关和客户端展示。
func Messages() map[Code]string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make(map[Code]string, len(registry))
	for code, attr := range registry {
		out[code] = attr.Message
	}
	return out
}

// Codes 返回已注册错误码的有序列表。
func Codes() []Code {
	registryMu.RLock()
	codes := make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	registryMu.RUnlock()
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
