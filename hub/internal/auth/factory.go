package auth

import (
	"fmt"

	"github.com/murmur-chat/murmur/hub/internal/config"
)

// NewVerifier creates the TokenVerifier selected by configuration. The same
// verifier backs HTTP bearer auth and the websocket handshake.
func NewVerifier(cfg config.AuthConfig) (TokenVerifier, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewHMACVerifier(cfg.JWTSecret), nil
	case "jwks":
		return NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
