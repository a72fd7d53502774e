// Package identity resolves caller credentials into domain actors. The core
// never sees credentials; transports hand a bearer token to a Provider and
// pass the resulting Actor into the service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"iqracore/pkg/domain"
)

// ErrInvalidToken is returned when a credential fails verification. Callers
// should treat the holder as anonymous rather than failing the request.
var ErrInvalidToken = errors.New("identity: invalid token")

// Provider resolves a bearer credential to an actor. An empty credential
// resolves to the anonymous actor, never an error.
type Provider interface {
	Resolve(ctx context.Context, bearer string) (domain.Actor, error)
}

// StaticProvider maps opaque tokens to actors. Intended for tests and local
// tooling where running an issuer is overkill.
type StaticProvider struct {
	tokens map[string]domain.Actor
}

// NewStaticProvider builds a provider from a token-to-actor table.
func NewStaticProvider(tokens map[string]domain.Actor) *StaticProvider {
	cpy := make(map[string]domain.Actor, len(tokens))
	for token, actor := range tokens {
		cpy[token] = actor
	}
	return &StaticProvider{tokens: cpy}
}

// Resolve implements Provider.
func (p *StaticProvider) Resolve(_ context.Context, bearer string) (domain.Actor, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return domain.Anonymous(), nil
	}
	actor, ok := p.tokens[bearer]
	if !ok {
		return domain.Actor{}, ErrInvalidToken
	}
	return actor, nil
}

// Claims carries the token payload the provider understands.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256-signed tokens and maps their claims to actors.
// The subject claim becomes the actor id; a "role" claim of "admin" grants
// administrative rights, anything else resolves to an authenticated actor
// with no recognised role.
type JWTProvider struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTProvider constructs a provider around a shared HMAC secret.
func NewJWTProvider(secret []byte) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty signing secret")
	}
	return &JWTProvider{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Resolve implements Provider. Expired or tampered tokens fail with
// ErrInvalidToken; the caller decides whether to degrade to anonymous.
func (p *JWTProvider) Resolve(_ context.Context, bearer string) (domain.Actor, error) {
	bearer = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if bearer == "" {
		return domain.Anonymous(), nil
	}

	var claims Claims
	if _, err := p.parser.ParseWithClaims(bearer, &claims, func(token *jwt.Token) (any, error) {
		return p.secret, nil
	}); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	switch claims.Role {
	case string(domain.RoleAdmin):
		return domain.Admin(claims.Subject), nil
	default:
		return domain.Actor{ID: claims.Subject, Role: domain.Role(claims.Role), Authenticated: true}, nil
	}
}

// Sign issues a token for the given actor, valid until the registered expiry
// in claims. Mainly used by the CLI and tests.
func (p *JWTProvider) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
