package mcpgateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/auth"
)

// staticTokenLifetime is the expiry reported for static bearer tokens.
const staticTokenLifetime = time.Hour

// StaticTokenVerifier accepts any of the given bearer tokens.
func StaticTokenVerifier(tokens ...string) auth.TokenVerifier {
	accepted := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		candidate := []byte(token)
		for _, want := range accepted {
			if subtle.ConstantTimeCompare(candidate, want) == 1 {
				return &auth.TokenInfo{Expiration: time.Now().Add(staticTokenLifetime)}, nil
			}
		}
		return nil, fmt.Errorf("%w: unknown token", auth.ErrInvalidToken)
	}
}

// JWTClaims are the claims read from gateway access tokens.
type JWTClaims struct {
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with secret. Tokens must carry
// an exp claim; scopes come from the space-separated "scope" claim or the
// "scopes" array.
func JWTVerifier(secret []byte, issuer string) auth.TokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		parsed, err := jwt.ParseWithClaims(token, &JWTClaims{}, keyFunc, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
		}
		claims, ok := parsed.Claims.(*JWTClaims)
		if !ok || !parsed.Valid || claims.ExpiresAt == nil {
			return nil, fmt.Errorf("%w: invalid claims", auth.ErrInvalidToken)
		}
		scopes := append([]string(nil), claims.Scopes...)
		scopes = append(scopes, strings.Fields(claims.Scope)...)
		info := &auth.TokenInfo{
			Scopes:     scopes,
			Expiration: claims.ExpiresAt.Time,
		}
		if claims.Subject != "" {
			info.Extra = map[string]any{"sub": claims.Subject}
		}
		return info, nil
	}
}

// ChainVerifiers tries each verifier in order and returns the first success.
func ChainVerifiers(verifiers ...auth.TokenVerifier) auth.TokenVerifier {
	var active []auth.TokenVerifier
	for _, v := range verifiers {
		if v != nil {
			active = append(active, v)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		var errs []error
		for _, v := range active {
			info, err := v(ctx, token, req)
			if err == nil {
				return info, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}
