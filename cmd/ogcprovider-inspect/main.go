// Command ogcprovider-inspect is a small CLI exercising the provider
// façade end to end: parse a source URI, fetch capabilities, print the
// computed extent, and optionally draw one frame to a PNG file, wiring
// config, logging, and the domain package together into a runnable
// binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"time"

	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/fetch"
	"github.com/delta10/ogcprovider/internal/config"
	"github.com/delta10/ogcprovider/internal/logging"
	"github.com/delta10/ogcprovider/provider"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		sourceURI  = flag.String("source", "", "provider source URI, e.g. url=https://.../wms&layers=...&styles=...&crs=EPSG:3857")
		out        = flag.String("out", "", "if set, draw one frame and write it as PNG to this path")
		bbox       = flag.String("bbox", "-180,-90,180,90", "minx,miny,maxx,maxy of the view to draw")
		width      = flag.Int("width", 512, "output width in pixels")
		height     = flag.Int("height", 512, "output height in pixels")
	)
	flag.Parse()

	if *sourceURI == "" {
		fmt.Fprintln(os.Stderr, "ogcprovider-inspect: -source is required")
		os.Exit(2)
	}

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
	p, err := provider.New(*sourceURI, coordinator, crs.IdentityTransformer{}, registry)
	if err != nil {
		log.WithError(err).Fatal("failed to parse source URI")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.EnsureCapabilities(ctx); err != nil {
		log.WithError(err).Fatal("failed to fetch capabilities")
	}

	extent, err := p.Extent()
	if err != nil {
		log.WithError(err).Fatal("failed to compute extent")
	}
	fmt.Printf("extent: %+v\n", extent)

	if *out == "" {
		return
	}

	view, err := parseBBox(*bbox)
	if err != nil {
		log.WithError(err).Fatal("invalid -bbox")
	}

	result, err := p.Draw(ctx, view, *width, *height)
	if err != nil {
		log.WithError(err).Fatal("draw failed")
	}
	if result.Overflowed {
		log.Warn("draw overflowed the tile budget; view too coarse for the chosen matrix")
	}

	f, err := os.Create(*out)
	if err != nil {
		log.WithError(err).Fatal("failed to create output file")
	}
	defer f.Close()
	if err := png.Encode(f, result.Image); err != nil {
		log.WithError(err).Fatal("failed to encode PNG")
	}
	fmt.Printf("wrote %s (generation %d)\n", *out, result.Generation)
}

func parseBBox(s string) (crs.Rect, error) {
	var minX, minY, maxX, maxY float64
	n, err := fmt.Sscanf(s, "%f,%f,%f,%f", &minX, &minY, &maxX, &maxY)
	if err != nil || n != 4 {
		return crs.Rect{}, fmt.Errorf("expected minx,miny,maxx,maxy, got %q", s)
	}
	return crs.Rect{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, nil
}
