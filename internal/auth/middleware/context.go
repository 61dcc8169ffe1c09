package auth

import "context"

type subjectKey struct{}

// WithSubject stores the authenticated user id. For learners it is the
// learner id attempts are recorded under.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}
