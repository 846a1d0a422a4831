// Package diagnostics exposes an HTTP introspection surface over a
// provider's session state and capabilities document, for operators
// debugging a misbehaving source. Routing is built directly on
// github.com/gorilla/mux. /capabilities accepts a "jq" query parameter,
// run over the raw capabilities JSON via github.com/itchyny/gojq,
// letting an operator pull out exactly the subtree they're debugging
// without re-fetching and grepping the whole document by hand.
package diagnostics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"

	"github.com/delta10/ogcprovider/internal/utils"
	"github.com/delta10/ogcprovider/provider"
)

// maxProbeBody caps how much of an upstream probe response body is
// relayed back to the caller.
const maxProbeBody = 1 << 16

// Server hosts the diagnostics endpoints for a fixed set of named
// providers (one per configured source).
type Server struct {
	log         *logrus.Logger
	providers   map[string]*provider.Provider
	auth        *jwksAuth
	probeClient *http.Client
}

// New builds a diagnostics Server. providers is looked up by name at
// request time, so callers can add/replace providers between requests.
func New(log *logrus.Logger, providers map[string]*provider.Provider) *Server {
	return &Server{log: log, providers: providers, probeClient: &http.Client{}}
}

// WithJWKSAuth gates every route behind a bearer token validated against
// the JWKS keyset at jwksURL, requiring requiredGroup in the token's
// "groups" claim when requiredGroup is non-empty. Call Close when the
// Server is no longer needed to stop the background JWKS refresh.
func (s *Server) WithJWKSAuth(jwksURL, requiredGroup string) error {
	auth, err := newJWKSAuth(jwksURL, requiredGroup)
	if err != nil {
		return err
	}
	s.auth = auth
	return nil
}

// Close stops the background JWKS refresh started by WithJWKSAuth, if any.
func (s *Server) Close() {
	s.auth.EndBackground()
}

// Router builds the mux.Router serving this Server's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers/{name}/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/providers/{name}/extent", s.handleExtent).Methods(http.MethodGet)
	r.HandleFunc("/providers/{name}/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/providers/{name}/probe", s.handleProbe).Methods(http.MethodGet)
	r.Use(s.loggingMiddleware)
	r.Use(s.auth.middleware)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": utils.ReadUserIP(r),
		}).Debug("diagnostics request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookupProvider(w http.ResponseWriter, r *http.Request) (*provider.Provider, bool) {
	name := mux.Vars(r)["name"]
	p, ok := s.providers[name]
	if !ok {
		http.Error(w, "unknown provider "+name, http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	writeJSON(w, names)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	writeJSON(w, p.Session)
}

func (s *Server) handleExtent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	extent, err := p.Extent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, extent)
}

// handleCapabilities refreshes (if needed) and serves a provider's
// capabilities document as JSON, optionally filtered through the "jq"
// query parameter's gojq program.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}
	if err := p.EnsureCapabilities(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	raw, err := capabilitiesAsJSON(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := r.URL.Query().Get("jq")
	if query == "" {
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}

	filtered, err := runJQ(r.Context(), query, raw)
	if err != nil {
		http.Error(w, "jq: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, filtered)
}

// handleProbe issues a raw GetCapabilities request against the
// provider's upstream server, bypassing the fetch cache and coordinator
// entirely, and relays the upstream status, headers, and a truncated
// body back verbatim. Useful for telling "the provider's cached
// capabilities are stale" apart from "the upstream server itself is
// broken right now".
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupProvider(w, r)
	if !ok {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.CapabilitiesURL(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	utils.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, maxProbeBody))
}

// capabilitiesAsJSON marshals whatever a Provider's capabilities exposes
// through its diagnostic accessor (see provider.Provider.Diagnostics) to
// JSON for gojq to operate on.
func capabilitiesAsJSON(p *provider.Provider) ([]byte, error) {
	return json.Marshal(p.Diagnostics())
}

// runJQ compiles and runs a gojq program against one decoded JSON value,
// returning the result itself when the program emits exactly one, and a
// slice of every emitted result otherwise.
func runJQ(ctx context.Context, query string, raw []byte) (any, error) {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
