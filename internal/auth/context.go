package auth

import "context"

// AnonymousCaller 是认证关闭时记录在日志与任务中的调用方标识。
const AnonymousCaller = "anonymous"

type ctxKey int

const subjectCtxKey ctxKey = iota

// WithSubject 把中间件解析出的主体挂到请求上下文，nil 主体不做处理。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.index()
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}

// CallerID 返回上下文中主体的 ID，没有主体时为 AnonymousCaller。
func CallerID(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil && s.ID != "" {
		return s.ID
	}
	return AnonymousCaller
}
