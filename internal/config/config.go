// Package config loads process-wide defaults for the provider host:
// retry/backoff tuning, HTTP transport settings, and the default DPI
// mode, from an optional YAML file (gopkg.in/yaml.v2).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/delta10/ogcprovider/internal/utils"
	"github.com/delta10/ogcprovider/request"
)

// Fetch controls the FetchCoordinator's process-wide tuning knobs.
type Fetch struct {
	MaxRetry          int           `yaml:"maxRetry"`
	WMSThreshold      time.Duration `yaml:"wmsThreshold"`
	DefaultTileExpiry time.Duration `yaml:"defaultTileExpiry"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	MaxIdleConns      int           `yaml:"maxIdleConns"`
}

// DefaultDPI names the DPI mode applied when a source URI doesn't declare
// one.
type DefaultDPI struct {
	Mode request.DPIMode `yaml:"-"`
	Name string          `yaml:"name"` // "QGIS" | "UMN" | "GeoServer" | "All" | ""
}

var validDPINames = []string{"QGIS", "UMN", "GeoServer", "All", ""}

// LokiBackend configures the optional Loki push hook (internal/logging).
type LokiBackend struct {
	BaseURL string `yaml:"baseUrl"`
}

// Diagnostics configures the optional introspection HTTP server
// (internal/diagnostics), gating its routes behind a JWT bearer token
// checked against the JWKS keyset served at JwksURL.
type Diagnostics struct {
	ListenAddress string `yaml:"listenAddress"`
	JwksURL       string `yaml:"jwksUrl"`
	RequiredGroup string `yaml:"requiredGroup"`
}

// Config is the top-level process configuration.
type Config struct {
	Fetch       Fetch        `yaml:"fetch"`
	DefaultDPI  DefaultDPI   `yaml:"defaultDpi"`
	LogLevel    string       `yaml:"logLevel"`
	Loki        *LokiBackend `yaml:"loki"`
	Diagnostics Diagnostics  `yaml:"diagnostics"`
}

// defaults mirrors the constants the fetch/request packages fall back to
// when a config file doesn't override them.
func defaults() Config {
	return Config{
		Fetch: Fetch{
			MaxRetry:          3,
			WMSThreshold:      200 * time.Millisecond,
			DefaultTileExpiry: 24 * time.Hour,
			HTTPTimeout:       30 * time.Second,
			MaxIdleConns:      64,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file at path, falling back to defaults() for
// any field the file doesn't set. A missing file is not an error: the
// caller gets pure defaults, treating configuration as optional process
// tuning rather than a requirement to run at all. ${VAR} references in
// the file are expanded against the process environment before parsing,
// so credentials and endpoint URLs can be injected without editing the
// file itself.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		normalizeDPI(&cfg)
		return &cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			normalizeDPI(&cfg)
			return &cfg, nil
		}
		return nil, err
	}

	loaded := defaults()
	if err := yaml.Unmarshal([]byte(utils.EnvSubst(string(raw))), &loaded); err != nil {
		return nil, err
	}
	if !utils.StringInSlice(loaded.DefaultDPI.Name, validDPINames) {
		loaded.DefaultDPI.Name = ""
	}
	normalizeDPI(&loaded)
	return &loaded, nil
}

func normalizeDPI(cfg *Config) {
	switch cfg.DefaultDPI.Name {
	case "QGIS":
		cfg.DefaultDPI.Mode = request.DPIQGIS
	case "UMN":
		cfg.DefaultDPI.Mode = request.DPIUMN
	case "GeoServer":
		cfg.DefaultDPI.Mode = request.DPIGeoServer
	case "All":
		cfg.DefaultDPI.Mode = request.DPIAll
	}
}
