package auth

import "context"

type subjectKey struct{}

// WithSubject 把认证通过的调用方放入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出调用方，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectName 返回调用方名称，用于把用量记录归属到 API 密钥。
func SubjectName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Name
	}
	return ""
}
