package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates tokens issued by an external identity provider whose
// signing keys are published as a JWKS document. The subject must be the
// numeric murmur user id.
type JWKSVerifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSVerifier fetches the key set at jwksURL and keeps it refreshed.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSVerifier{issuer: issuer, jwks: jwks}, nil
}

// newJWKSVerifierFromKeyfunc builds a verifier around an existing key set.
func newJWKSVerifierFromKeyfunc(kf keyfunc.Keyfunc, issuer string) *JWKSVerifier {
	return &JWKSVerifier{issuer: issuer, jwks: kf}
}

// Verify parses the token against the key set.
func (v *JWKSVerifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	tokenStr = StripBearer(tokenStr)
	if tokenStr == "" {
		return nil, ErrInvalidCredential
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	id, err := parseSubject(sub)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	username := claimStr(claims, "preferred_username")
	if username == "" {
		username = claimStr(claims, "name")
	}
	return &Claims{UserID: id, Username: username}, nil
}

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
