// Command ogcprovider-diagnostics serves the internal/diagnostics
// introspection HTTP surface over one or more providers named on the
// command line, optionally gated behind a JWKS-validated bearer token
// (internal/diagnostics.Server.WithJWKSAuth).
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/fetch"
	"github.com/delta10/ogcprovider/internal/config"
	"github.com/delta10/ogcprovider/internal/diagnostics"
	"github.com/delta10/ogcprovider/internal/logging"
	"github.com/delta10/ogcprovider/provider"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		sources    = flag.String("sources", "", "comma-separated name=sourceURI pairs, e.g. osm=url=https://...&layers=...")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg)

	coordinator, err := fetch.New(&http.Client{Timeout: cfg.Fetch.HTTPTimeout}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build fetch coordinator")
	}
	coordinator.MaxRetry = cfg.Fetch.MaxRetry

	registry := crs.NewRegistry()
	providers, err := parseProviders(*sources, coordinator, registry)
	if err != nil {
		log.WithError(err).Fatal("failed to parse -sources")
	}

	srv := diagnostics.New(log, providers)
	if cfg.Diagnostics.JwksURL != "" {
		if err := srv.WithJWKSAuth(cfg.Diagnostics.JwksURL, cfg.Diagnostics.RequiredGroup); err != nil {
			log.WithError(err).Fatal("failed to start JWKS auth")
		}
		defer srv.Close()
	}

	addr := cfg.Diagnostics.ListenAddress
	if addr == "" {
		addr = ":8081"
	}
	log.WithField("address", addr).Info("serving diagnostics")
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		log.WithError(err).Fatal("diagnostics server stopped")
	}
}

func parseProviders(sources string, coordinator *fetch.Coordinator, registry *crs.Registry) (map[string]*provider.Provider, error) {
	providers := make(map[string]*provider.Provider)
	if sources == "" {
		return providers, nil
	}
	for _, pair := range strings.Split(sources, ",") {
		name, sourceURI, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -sources entry %q, expected name=sourceURI", pair)
		}
		p, err := provider.New(sourceURI, coordinator, crs.IdentityTransformer{}, registry)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = p
	}
	return providers, nil
}
