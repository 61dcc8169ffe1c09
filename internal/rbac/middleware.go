package rbac

import (
	"net/http"
)

var defaultChecker = NewChecker(nil)

// Require lets the request through when the caller's role holds perm.
func Require(perm string) func(http.Handler) http.Handler {
	return guard(func(role string) bool { return defaultChecker.Has(role, perm) })
}

// RequireAny lets the request through when the role holds one of perms.
func RequireAny(perms ...string) func(http.Handler) http.Handler {
	return guard(func(role string) bool { return defaultChecker.Any(role, perms...) })
}

// Can reports whether role holds perm, for checks that depend on the loaded
// resource such as attempt ownership.
func Can(role, perm string) bool {
	return role != "" && defaultChecker.Has(role, perm)
}

func guard(allowed func(role string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role := RoleFromContext(r.Context()); role == "" || !allowed(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
