package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckerPolicy(t *testing.T) {
	c := NewChecker(nil)
	cases := []struct {
		role, perm string
		want       bool
	}{
		{"student", "attempt:submit", true},
		{"student", "attempt:grade", false},
		{"student", "attempt:view-all", false},
		{"teacher", "attempt:grade", true},
		{"teacher", "attempt:submit", false},
		{"admin", "anything:at-all", true},
		{"", "exam:view", false},
		{"guest", "exam:view", false},
	}
	for _, tc := range cases {
		if got := c.Has(tc.role, tc.perm); got != tc.want {
			t.Errorf("Has(%q, %q) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
	wild := NewChecker(map[string][]string{"grader": {"attempt:*"}})
	if !wild.Has("grader", "attempt:grade") || wild.Has("grader", "exam:create") {
		t.Fatal("prefix wildcard mismatch")
	}
}

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	cases := []struct {
		name string
		mw   func(http.Handler) http.Handler
		role string
		want int
	}{
		{"allowed", Require("attempt:submit"), "student", http.StatusNoContent},
		{"denied", Require("attempt:grade"), "student", http.StatusForbidden},
		{"no role", Require("exam:view"), "", http.StatusForbidden},
		{"any of", RequireAny("attempt:view-own", "attempt:view-all"), "teacher", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.role != "" {
				req = req.WithContext(WithRole(context.Background(), tc.role))
			}
			rec := httptest.NewRecorder()
			tc.mw(ok).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("want %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if Can("", "exam:view") || !Can("teacher", "attempt:view-all") {
		t.Fatal("Can mismatch")
	}
}
