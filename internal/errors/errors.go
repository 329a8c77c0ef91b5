package errors

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// Error 携带错误码、面向调用方的描述以及可选的根因。
// 重试、告警与严重程度默认取自注册表，可在构造时逐项覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	override overrides
}

type overrides struct {
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一对键值，重复的键以最后一次为准。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖注册表中的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.override.retryable = &retryable }
}

// WithAlert 覆盖注册表中的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.override.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.override.severity = &sev }
}

// New 创建错误。message 为空时使用注册表中的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if strings.TrimSpace(message) == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// FromContext 把 ctx.Err() 归一化：超时统一为 CodeTimeout，
// 主动取消保留 fallback 但既不重试也不告警，其余错误按 fallback 包装。
func FromContext(err error, fallback Code, message string) *Error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err, message)
	case stdErrors.Is(err, context.Canceled):
		return Wrap(fallback, err, message, WithRetryable(false), WithAlert(false))
	default:
		return Wrap(fallback, err, message)
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较，哨兵错误因此可以跨包装层匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 时为 CodeUnknown。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含根因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Attributes 返回合并了构造期覆盖项之后的有效属性。
func (e *Error) Attributes() Attributes {
	if e == nil {
		return AttributesOf(CodeUnknown)
	}
	attr := AttributesOf(e.code)
	if e.override.retryable != nil {
		attr.Retryable = *e.override.retryable
	}
	if e.override.alert != nil {
		attr.Alert = *e.override.alert
	}
	if e.override.severity != nil {
		attr.Severity = *e.override.severity
	}
	return attr
}

func (e *Error) Retryable() bool {
	return e != nil && e.Attributes().Retryable
}

func (e *Error) ShouldAlert() bool {
	return e != nil && e.Attributes().Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.Attributes().Severity
}

// LogValue 实现 slog.LogValuer，日志中以分组形式输出错误码与根因。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for _, k := range slices.Sorted(maps.Keys(e.metadata)) {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	return slog.GroupValue(attrs...)
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// resolve 对链中的 *Error 取值，找不到时返回 fallback。
func resolve[T any](err error, get func(*Error) T, fallback T) T {
	if e, ok := From(err); ok {
		return get(e)
	}
	return fallback
}

// CodeOf 返回错误码，普通 error 视为 CodeUnknown。
func CodeOf(err error) Code {
	return resolve(err, (*Error).Code, CodeUnknown)
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	return resolve(err, (*Error).Retryable, false)
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	return resolve(err, (*Error).ShouldAlert, false)
}

// SeverityOf 返回严重程度。
func SeverityOf(err error) Severity {
	return resolve(err, (*Error).Severity, AttributesOf(CodeUnknown).Severity)
}

// PublicMessage 返回可以展示给调用方的描述。未知错误只暴露默认描述，避免泄露内部细节。
func PublicMessage(err error) string {
	return resolve(err, (*Error).Message, AttributesOf(CodeUnknown).Message)
}
