// Package utils carries the small HTTP/string helpers shared by provider,
// request, config, and diagnostics: basic-auth header construction,
// header copying, environment-variable substitution, and the
// case-insensitive parameter matching OGC KVP requires of GetMap/GetTile
// parameter names.
package utils

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// QueryParamsToLower lower-cases every key in queryParams, implementing
// the case-insensitive KVP matching OGC requires of GetMap/GetTile
// parameter names.
func QueryParamsToLower(queryParams url.Values) url.Values {
	lowercaseParams := url.Values{}
	for key, values := range queryParams {
		lowercaseParams[strings.ToLower(key)] = values
	}
	return lowercaseParams
}

// GenerateBasicAuthHeader builds the Authorization header value for HTTP
// Basic auth, used by provider.Provider to build the Authorization header
// it attaches to every request when its session carries Username/Password.
func GenerateBasicAuthHeader(username, password string) string {
	auth := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
}

// CopyHeader copies every value of every header from src into dst.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// EnvSubst expands ${VAR} references in input against the process
// environment, used by internal/config for YAML values that reference
// environment-provided secrets (credentials, endpoint URLs).
func EnvSubst(input string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(input, func(match string) string {
		varName := match[2 : len(match)-1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return ""
	})
}

// ReadUserIP extracts the caller's address for diagnostics request
// logging, preferring X-Forwarded-For if present.
func ReadUserIP(r *http.Request) string {
	forwardedFor := r.Header.Get("X-Forwarded-For")
	if forwardedFor != "" {
		ips := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(ips[0])
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// StringInSlice reports whether a appears in list.
func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
