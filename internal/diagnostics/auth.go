package diagnostics

import (
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// claimsWithGroups pairs jwt.RegisteredClaims with a "groups" claim,
// validated locally against a JWKS keyset since the introspection
// endpoints have no external authorizer to call out to.
type claimsWithGroups struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups"`
}

// jwksAuth gates requests behind a JWT bearer token whose signature
// validates against a refreshing JWKS keyset, and whose "groups" claim
// (if requiredGroup is set) contains requiredGroup. A zero-value jwksAuth
// (nil jwks) lets every request through, so diagnostics can run without
// auth when no JwksURL is configured.
type jwksAuth struct {
	jwks          *keyfunc.JWKS
	requiredGroup string
}

// newJWKSAuth starts refreshing the keyset at jwksURL in the background.
// The caller is responsible for calling EndBackground when done.
func newJWKSAuth(jwksURL, requiredGroup string) (*jwksAuth, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshErrorHandler: func(err error) {},
	})
	if err != nil {
		return nil, err
	}
	return &jwksAuth{jwks: jwks, requiredGroup: requiredGroup}, nil
}

func (a *jwksAuth) EndBackground() {
	if a != nil && a.jwks != nil {
		a.jwks.EndBackground()
	}
}

func (a *jwksAuth) middleware(next http.Handler) http.Handler {
	if a == nil || a.jwks == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := &claimsWithGroups{}
		parsed, err := jwt.ParseWithClaims(token, claims, a.jwks.Keyfunc)
		if err != nil || !parsed.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		if a.requiredGroup != "" && !containsGroup(claims.Groups, a.requiredGroup) {
			http.Error(w, "token missing required group", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

func containsGroup(groups []string, want string) bool {
	for _, g := range groups {
		if g == want {
			return true
		}
	}
	return false
}
