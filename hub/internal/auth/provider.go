package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated principal bound to a connection or request.
type Identity struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// Claims are the fields a verified token carries. The caller resolves them to
// an Identity and confirms the user still exists.
type Claims struct {
	UserID   int64
	Username string
}

// TokenVerifier validates bearer tokens. Every failure is ErrInvalidCredential.
// Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(token string) string {
	fields := strings.Fields(token)
	if len(fields) > 0 && strings.EqualFold(fields[0], "bearer") {
		return strings.Join(fields[1:], " ")
	}
	return strings.TrimSpace(token)
}
