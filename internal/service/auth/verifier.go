package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthenticationFailed rejects a connection before it becomes a session.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Verifier turns the opaque token presented at connect time into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Config configures JWTVerifier.
type Config struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// JWTVerifier accepts HS256 tokens whose subject is the identity.
type JWTVerifier struct {
	cfg Config
}

// NewJWTVerifier returns a verifier for tokens signed with cfg.Secret.
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify validates signature, expiry and issuer and returns the subject.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrAuthenticationFailed)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	identity := strings.TrimSpace(claims.Subject)
	if identity == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrAuthenticationFailed)
	}
	return identity, nil
}

// Issue signs a token for identity valid for ttl. It backs local tooling
// and tests; production tokens come from the identity provider.
func (v *JWTVerifier) Issue(identity string, ttl time.Duration) (string, error) {
	now := v.cfg.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    v.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
}

// AnonymousVerifier trusts the token as the identity. Development only.
type AnonymousVerifier struct{}

func (AnonymousVerifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	identity := strings.TrimSpace(token)
	if identity == "" || len(identity) > 32 || strings.ContainsAny(identity, " \t\r\n") {
		return "", fmt.Errorf("%w: invalid username", ErrAuthenticationFailed)
	}
	return identity, nil
}

// TokenFromRequest extracts the connect-time token: the bearer header wins
// over the token query parameter, and username is the anonymous fallback.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.URL.Query().Get("username")
}
