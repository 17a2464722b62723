package mcpgateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, claims JWTClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestStaticTokenVerifier(t *testing.T) {
	verify := StaticTokenVerifier("alpha", "", "bravo")

	info, err := verify(context.Background(), "bravo", nil)
	require.NoError(t, err)
	assert.True(t, info.Expiration.After(time.Now()))

	_, err = verify(context.Background(), "", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "empty tokens never match")
	_, err = verify(context.Background(), "charlie", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestJWTVerifier(t *testing.T) {
	secret := []byte("s3cret")
	verify := JWTVerifier(secret, "gateway-tests")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	token := signToken(t, secret, JWTClaims{
		Scope:  "tools:read tools:call",
		Scopes: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gateway-tests",
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	info, err := verify(context.Background(), token, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "tools:read", "tools:call"}, info.Scopes)
	assert.True(t, exp.Equal(info.Expiration))
	assert.Equal(t, "user-1", info.Extra["sub"])

	tests := map[string]string{
		"wrong secret": signToken(t, []byte("other"), JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "gateway-tests", ExpiresAt: jwt.NewNumericDate(exp)}}),
		"wrong issuer": signToken(t, secret, JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "elsewhere", ExpiresAt: jwt.NewNumericDate(exp)}}),
		"no expiry":    signToken(t, secret, JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "gateway-tests"}}),
		"expired":      signToken(t, secret, JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "gateway-tests", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}}),
		"garbage":      "not.a.token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := verify(context.Background(), tok, nil)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestChainVerifiers(t *testing.T) {
	assert.Nil(t, ChainVerifiers(nil, nil))

	static := StaticTokenVerifier("static")
	secret := []byte("k")
	chain := ChainVerifiers(static, nil, JWTVerifier(secret, ""))

	_, err := chain(context.Background(), "static", nil)
	assert.NoError(t, err)

	token := signToken(t, secret, JWTClaims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}})
	_, err = chain(context.Background(), token, nil)
	assert.NoError(t, err)

	_, err = chain(context.Background(), "neither", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHTTPBearerAuthentication(t *testing.T) {
	_, c := newHTTPGateway(t, newFakeUpstreams().addServer("A", "echo"), &Options{
		TokenVerifier: StaticTokenVerifier("let-me-in"),
		TokenOptions:  &auth.RequireBearerTokenOptions{ResourceMetadataURL: "https://gw.example/.well-known/oauth-protected-resource"},
	})

	resp := c.post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata")

	c.header.Set("Authorization", "Bearer wrong")
	resp = c.post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c.header.Set("Authorization", "Bearer let-me-in")
	c.initialize()

	// Probes stay open.
	c.header.Del("Authorization")
	resp = c.do(http.MethodGet, "/healthz", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
