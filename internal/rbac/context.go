package rbac

import "context"

type roleKey struct{}

// WithRole stores the caller's role, taken from the verified token.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns "" for unauthenticated requests.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}
