package logging

import "context"

type callIDKey struct{}

// WithCallID кладет идентификатор звонка в контекст.
// Логгер добавляет его полем call_id ко всем записям.
func WithCallID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFrom извлекает идентификатор звонка из контекста
func CallIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
