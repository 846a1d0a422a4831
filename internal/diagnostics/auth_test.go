package diagnostics

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// jwksFixture serves a single RSA public key as a JWKS document and can
// sign tokens with the matching private key, for exercising jwksAuth
// against a real (if tiny) keyset rather than a mock.
type jwksFixture struct {
	key *rsa.PrivateKey
	kid string
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &jwksFixture{key: key, kid: "test-key-1"}
}

func (f *jwksFixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": f.kid,
				"n":   base64.RawURLEncoding.EncodeToString(f.key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(bigEndianBytes(f.key.PublicKey.E)),
			}},
		})
	}))
}

func bigEndianBytes(e int) []byte {
	if e == 65537 {
		return []byte{0x01, 0x00, 0x01}
	}
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	return b
}

func (f *jwksFixture) sign(t *testing.T, groups []string) string {
	t.Helper()
	claims := claimsWithGroups{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Groups: groups,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func TestJWKSAuthRejectsMissingToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	jwksSrv := fixture.server(t)
	defer jwksSrv.Close()

	auth, err := newJWKSAuth(jwksSrv.URL, "")
	require.NoError(t, err)
	defer auth.EndBackground()

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	auth.middleware(okHandler()).ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWKSAuthAcceptsValidToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	jwksSrv := fixture.server(t)
	defer jwksSrv.Close()

	auth, err := newJWKSAuth(jwksSrv.URL, "")
	require.NoError(t, err)
	defer auth.EndBackground()

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set("Authorization", "Bearer "+fixture.sign(t, nil))
	w := httptest.NewRecorder()
	auth.middleware(okHandler()).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestJWKSAuthEnforcesRequiredGroup(t *testing.T) {
	fixture := newJWKSFixture(t)
	jwksSrv := fixture.server(t)
	defer jwksSrv.Close()

	auth, err := newJWKSAuth(jwksSrv.URL, "operators")
	require.NoError(t, err)
	defer auth.EndBackground()

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set("Authorization", "Bearer "+fixture.sign(t, []string{"viewers"}))
	w := httptest.NewRecorder()
	auth.middleware(okHandler()).ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestJWKSAuthAllowsMatchingGroup(t *testing.T) {
	fixture := newJWKSFixture(t)
	jwksSrv := fixture.server(t)
	defer jwksSrv.Close()

	auth, err := newJWKSAuth(jwksSrv.URL, "operators")
	require.NoError(t, err)
	defer auth.EndBackground()

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	req.Header.Set("Authorization", "Bearer "+fixture.sign(t, []string{"viewers", "operators"}))
	w := httptest.NewRecorder()
	auth.middleware(okHandler()).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestNilJWKSAuthLetsRequestsThrough(t *testing.T) {
	var auth *jwksAuth
	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	auth.middleware(okHandler()).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
