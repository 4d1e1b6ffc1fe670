package auth

//go:generate mockgen -source=identity.go -destination=mocks/mock_identity.go -package=mocks

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/scangate/scangate/internal/errors"
)

// IdentityVerifier resolves a bearer credential to a stable user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, bearer string) (string, error)
}

// JWTVerifier verifies HS256 tokens issued by the identity provider. The
// subject claim is the user id.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. An empty issuer skips the issuer check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify implements IdentityVerifier.
func (v *JWTVerifier) Verify(_ context.Context, bearer string) (string, error) {
	token := strings.TrimSpace(bearer)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", errors.ErrUnauthenticated("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "invalid bearer token", err)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return "", errors.ErrUnauthenticated(fmt.Sprintf("unexpected token issuer %q", claims.Issuer))
	}
	if claims.Subject == "" {
		return "", errors.ErrUnauthenticated("token has no subject")
	}
	return claims.Subject, nil
}

var _ IdentityVerifier = (*JWTVerifier)(nil)
