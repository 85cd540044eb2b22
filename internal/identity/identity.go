// Package identity abstracts the external identity provider and the
// extraction of caller identity from bearer credentials.
package identity

import (
	"context"
	"strings"
)

// GuestPrefix namespaces synthetic guest handles. Any subject whose id
// carries it is treated as a guest account.
const GuestPrefix = "guest-"

// Subject is the caller identity attached to a request.
type Subject struct {
	ID    string
	Guest bool
}

// IsGuestHandle reports whether the identifier names a guest account.
func IsGuestHandle(id string) bool {
	return strings.HasPrefix(id, GuestPrefix)
}

type ctxKey string

const subjectKey ctxKey = "identity_subject"

// ContextWithSubject stores the resolved caller identity in the context.
func ContextWithSubject(ctx context.Context, sub *Subject) context.Context {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectKey, sub)
}

// SubjectFromContext extracts the caller identity from context.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	v, ok := ctx.Value(subjectKey).(*Subject)
	if !ok || v == nil || strings.TrimSpace(v.ID) == "" {
		return nil, false
	}
	return v, true
}
