// Package provider implements the Provider façade: parsing the source
// URI, holding session state, and exposing draw/identify/getLegend/extent
// operations over a capabilities document.
package provider

import (
	"context"
	"image"
	"net/url"
	"strconv"
	"strings"

	"github.com/delta10/ogcprovider/capabilities"
	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/fetch"
	"github.com/delta10/ogcprovider/internal/utils"
	"github.com/delta10/ogcprovider/ogcerr"
	"github.com/delta10/ogcprovider/request"
	"github.com/delta10/ogcprovider/tilematrix"
)

// DPIMode mirrors request.DPIMode for the bitmask parsed from the source
// URI's dpiMode key.
type DPIMode = request.DPIMode

// SessionState holds the façade's mutable session configuration. It is
// mutated only through Provider's own operations, never concurrently
// from multiple goroutines.
type SessionState struct {
	ActiveSubLayers []string
	ActiveSubStyles []string // INVARIANT: same length as ActiveSubLayers
	ActiveVisibility map[string]bool

	ImageCRS              string
	IgnoreAxisOrientation bool
	InvertAxisOrientation bool

	DPIMode DPIMode
	DPI     int

	Tiled           bool
	TileMatrixSetID string

	TileDimensionValues map[string]string

	MaxWidth, MaxHeight int
	FeatureCount        int

	Username, Password, Referer string

	SmoothPixmapTransform bool
}

// Provider is the OGC raster provider façade: one capabilities document,
// one session configuration, a request planner, and a fetch coordinator
// bound together.
type Provider struct {
	BaseURL string
	Session SessionState

	caps        *capabilities.Capabilities
	transformer crs.Transformer
	registry    *crs.Registry
	coordinator *fetch.Coordinator

	valid         bool
	lastErrorTitle string
	lastError      string
}

// New parses a source URI into the session state and marks the provider
// valid. It does not fetch capabilities or compute an extent. The `layers`
// and `styles` query parameters are parallel ordered lists and must have
// equal length (a ConfigError otherwise).
func New(sourceURI string, coordinator *fetch.Coordinator, transformer crs.Transformer, registry *crs.Registry) (*Provider, error) {
	values, err := url.ParseQuery(sourceURI)
	if err != nil {
		return nil, ogcerr.Wrap(ogcerr.Config, "failed to parse source URI", err)
	}

	layers := values["layers"]
	styles := values["styles"]
	if len(layers) != len(styles) {
		return nil, ogcerr.New(ogcerr.Config, "mismatched layers/styles", "got %d layers but %d styles", len(layers), len(styles))
	}

	p := &Provider{
		BaseURL:     values.Get("url"),
		transformer: transformer,
		registry:    registry,
		coordinator: coordinator,
		Session: SessionState{
			ActiveSubLayers:       layers,
			ActiveSubStyles:       styles,
			ActiveVisibility:      make(map[string]bool, len(layers)),
			ImageCRS:              values.Get("crs"),
			IgnoreAxisOrientation: parseBoolParam(values.Get("IgnoreAxisOrientation")),
			InvertAxisOrientation: parseBoolParam(values.Get("InvertAxisOrientation")),
			Username:              values.Get("username"),
			Password:              values.Get("password"),
			Referer:               values.Get("referer"),
			TileMatrixSetID:       values.Get("tileMatrixSet"),
			SmoothPixmapTransform: parseBoolParam(values.Get("SmoothPixmapTransform")),
		},
	}
	for _, name := range layers {
		p.Session.ActiveVisibility[name] = true
	}
	if mw := values.Get("maxWidth"); mw != "" {
		p.Session.MaxWidth, _ = strconv.Atoi(mw)
	}
	if mh := values.Get("maxHeight"); mh != "" {
		p.Session.MaxHeight, _ = strconv.Atoi(mh)
	}
	if fc := values.Get("featureCount"); fc != "" {
		p.Session.FeatureCount, _ = strconv.Atoi(fc)
	}
	if dims := values.Get("tileDimensions"); dims != "" {
		p.Session.TileDimensionValues = parseTileDimensions(dims)
	}
	if dm := values.Get("dpiMode"); dm != "" {
		p.Session.DPIMode = parseDPIMode(dm)
	}
	if p.Session.TileMatrixSetID != "" {
		p.Session.Tiled = true
	}

	p.valid = true
	return p, nil
}

func parseBoolParam(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes"
}

// parseTileDimensions parses "name1=val1;name2=val2" with empty values
// permitted, meaning server default.
func parseTileDimensions(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		} else {
			out[kv[0]] = ""
		}
	}
	return out
}

// parseDPIMode parses the dpiMode bitmask value, which may be a decimal
// integer or the literal "All".
func parseDPIMode(s string) DPIMode {
	if strings.EqualFold(s, "All") {
		return request.DPIAll
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return DPIMode(n)
}

// Valid reports whether the provider is still usable: false after a
// CapabilitiesError or ConfigError.
func (p *Provider) Valid() bool { return p.valid }

// LastError returns the most recently recorded error title/message
//.
func (p *Provider) LastError() (title, message string) { return p.lastErrorTitle, p.lastError }

func (p *Provider) setError(kind ogcerr.Kind, title string, err error) {
	p.lastErrorTitle = title
	p.lastError = err.Error()
	if kind.Fatal() {
		p.valid = false
	}
}

// EnsureCapabilities fetches and parses the capabilities document if it
// hasn't been already. RefreshCapabilities forces a re-fetch regardless.
func (p *Provider) EnsureCapabilities(ctx context.Context) error {
	if p.caps != nil {
		return nil
	}
	return p.RefreshCapabilities(ctx)
}

func (p *Provider) RefreshCapabilities(ctx context.Context) error {
	raw, err := p.coordinator.FetchCapabilities(ctx, capabilitiesURL(p.BaseURL))
	if err != nil {
		p.setError(ogcerr.Capabilities, "failed to fetch capabilities", err)
		return err
	}
	caps, err := capabilities.ParseWithOptions(raw, capabilities.HintAuto, capabilities.Options{
		Transformer:           p.transformer,
		Registry:              p.registry,
		IgnoreAxisOrientation: p.Session.IgnoreAxisOrientation,
		InvertAxisOrientation: p.Session.InvertAxisOrientation,
	})
	if err != nil {
		p.setError(ogcerr.Capabilities, "failed to parse capabilities", err)
		return err
	}
	p.caps = caps
	return nil
}

// Diagnostics returns the parsed capabilities document for introspection
// (internal/diagnostics' JSON+gojq endpoint); nil if none has been
// fetched yet.
func (p *Provider) Diagnostics() *capabilities.Capabilities {
	return p.caps
}

// CapabilitiesURL returns the GetCapabilities URL this Provider fetches
// from, for operator tooling that wants to probe the upstream server
// directly.
func (p *Provider) CapabilitiesURL() string {
	return capabilitiesURL(p.BaseURL)
}

func capabilitiesURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetCapabilities")
	u.RawQuery = q.Encode()
	return u.String()
}

// Extent computes the provider's current extent, unioning across every
// active sublayer.
func (p *Provider) Extent() (crs.Rect, error) {
	var union crs.Rect
	first := true
	for _, name := range p.Session.ActiveSubLayers {
		rect, err := p.extentForLayer(name)
		if err != nil {
			return crs.Rect{}, err
		}
		if first {
			union = rect
			first = false
		} else {
			union = union.Union(rect)
		}
	}
	if !union.Finite() {
		return crs.Rect{}, ogcerr.New(ogcerr.Extent, "non-finite extent", "computed extent for %v is not finite", p.Session.ActiveSubLayers)
	}
	return union, nil
}

func (p *Provider) extentForLayer(name string) (crs.Rect, error) {
	if p.Session.Tiled {
		return p.extentForTiledLayer(name)
	}
	return p.extentForNonTiledLayer(name)
}

// extentForNonTiledLayer prefers an exact boundingBox entry matching the
// target CRS; otherwise it starts from geographicBoundingBox, refining
// with a CRS:84 boundingBox entry only when that entry is NOT a superset
// of the geographic box, and transforms to the target CRS.
func (p *Provider) extentForNonTiledLayer(name string) (crs.Rect, error) {
	layer := p.caps.FindLayer(name)
	if layer == nil {
		return crs.Rect{}, ogcerr.New(ogcerr.Config, "unknown layer", "layer %q not found in capabilities", name)
	}

	for _, entry := range layer.BoundingBox {
		if sameCRS(entry.CRS, p.Session.ImageCRS) {
			return entry.Rect, nil
		}
	}

	base := layer.GeographicBoundingBox
	if !layer.HasGeographicBoundingBox {
		base = crs.WholeWorld
	}
	for _, entry := range layer.BoundingBox {
		if sameCRS(entry.CRS, crs.CRS84) && !entry.Rect.Contains(base) {
			base = entry.Rect
		}
	}

	result, err := p.transformer.Transform(base, crs.CRS84, p.Session.ImageCRS)
	if err != nil {
		return crs.Rect{}, ogcerr.Wrap(ogcerr.Extent, "failed to transform layer extent", err)
	}
	if !result.Finite() {
		return crs.Rect{}, ogcerr.New(ogcerr.Extent, "non-finite extent", "transform of %q produced a non-finite rectangle", name)
	}
	return result, nil
}

func (p *Provider) extentForTiledLayer(name string) (crs.Rect, error) {
	layer, ok := p.caps.TileLayers[name]
	if !ok {
		return crs.Rect{}, ogcerr.New(ogcerr.Config, "unknown tile layer", "tile layer %q not found in capabilities", name)
	}
	result, err := p.transformer.Transform(layer.BoundingBox, layer.BoundingBoxCRS, p.Session.ImageCRS)
	if err != nil {
		return crs.Rect{}, ogcerr.Wrap(ogcerr.Extent, "failed to transform tile layer extent", err)
	}
	return result, nil
}

func sameCRS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// DrawResult is what Draw returns: a possibly-partial raster plus the
// generation it belongs to so the caller can correlate later
// dataChanged-style refinement calls.
type DrawResult struct {
	Image      *image.RGBA
	Generation uint64
	Overflowed bool
}

// Draw implements the façade's draw operation. It bumps the generation,
// plans tile requests (or a single non-tiled GetMap), dispatches them,
// and returns within fetch.WMSThreshold with whatever composited
// synchronously.
func (p *Provider) Draw(ctx context.Context, view crs.Rect, pixelW, pixelH int) (*DrawResult, error) {
	if err := p.EnsureCapabilities(ctx); err != nil {
		return nil, err
	}

	generation := p.coordinator.NextGeneration()
	dest := image.NewRGBA(image.Rect(0, 0, pixelW, pixelH))
	render := &fetch.CachedRender{Destination: dest, CachedExtent: view, Generation: generation}

	requests, overflow, err := p.planRequests(view, pixelW, pixelH, generation)
	if err != nil {
		return nil, err
	}
	if overflow {
		return &DrawResult{Image: dest, Generation: generation, Overflowed: true}, nil
	}

	p.coordinator.FetchTiles(ctx, requests, render, p.Session.SmoothPixmapTransform, func(fetch.Result) {})

	return &DrawResult{Image: dest, Generation: generation}, nil
}

func (p *Provider) planRequests(view crs.Rect, pixelW, pixelH int, generation uint64) ([]fetch.RequestAttrs, bool, error) {
	if !p.Session.Tiled {
		u, err := p.buildNonTiledRequest(view, pixelW, pixelH)
		if err != nil {
			return nil, false, err
		}
		return []fetch.RequestAttrs{{Generation: generation, TileIndex: 0, MapRect: view, URL: u, Headers: p.requestHeaders(), NonTiled: true}}, false, nil
	}
	return p.buildTiledRequests(view, pixelW, pixelH, generation)
}

// requestHeaders builds the Authorization/Referer headers a session's
// username/password/referer configuration requires, shared
// by every dispatched request.
func (p *Provider) requestHeaders() map[string]string {
	if p.Session.Username == "" && p.Session.Referer == "" {
		return nil
	}
	headers := make(map[string]string, 2)
	if p.Session.Username != "" {
		headers["Authorization"] = utils.GenerateBasicAuthHeader(p.Session.Username, p.Session.Password)
	}
	if p.Session.Referer != "" {
		headers["Referer"] = p.Session.Referer
	}
	return headers
}

func (p *Provider) buildNonTiledRequest(view crs.Rect, pixelW, pixelH int) (string, error) {
	crsInverted := p.registry.AxisInverted(p.Session.ImageCRS)
	version := capabilities.WMS130
	if p.caps != nil {
		version = p.caps.Version
	}
	return request.BuildGetMap(request.GetMapParams{
		BaseURL:     p.BaseURL,
		Version:     version,
		Layers:      p.Session.ActiveSubLayers,
		Styles:      p.Session.ActiveSubStyles,
		CRS:         p.Session.ImageCRS,
		CRSInverted: crsInverted,
		IgnoreAxis:  p.Session.IgnoreAxisOrientation,
		InvertAxis:  p.Session.InvertAxisOrientation,
		BBox:        view,
		Width:       pixelW,
		Height:      pixelH,
		Format:      "image/png",
		DPI:         p.Session.DPI,
		DPIMode:     p.Session.DPIMode,
	})
}

func (p *Provider) buildTiledRequests(view crs.Rect, pixelW, pixelH int, generation uint64) ([]fetch.RequestAttrs, bool, error) {
	layerName := firstOrEmpty(p.Session.ActiveSubLayers)
	tileLayer, ok := p.caps.TileLayers[layerName]
	if !ok {
		return nil, false, ogcerr.New(ogcerr.Config, "unknown tile layer", "tile layer %q not found", layerName)
	}
	set, ok := p.caps.TileMatrixSets[p.Session.TileMatrixSetID]
	if !ok {
		return nil, false, ogcerr.New(ogcerr.Config, "unknown tile matrix set", "tile matrix set %q not found", p.Session.TileMatrixSetID)
	}
	link := tileLayer.SetLinks[p.Session.TileMatrixSetID]

	vres := view.Width() / float64(pixelW)
	var limits *capabilities.MatrixLimits
	plan := tilematrix.Select(set, vres, view, limits)
	if plan.Overflow {
		return nil, true, nil
	}
	if l, ok := link.Limits[plan.Matrix.Identifier]; ok {
		limits = &l
		plan = tilematrix.Select(set, vres, view, limits)
		if plan.Overflow {
			return nil, true, nil
		}
	}

	requests := make([]fetch.RequestAttrs, 0, len(plan.Tiles))
	for i, tile := range plan.Tiles {
		u, err := p.buildTileURL(tileLayer, set, plan.Matrix, tile)
		if err != nil {
			return nil, false, err
		}
		requests = append(requests, fetch.RequestAttrs{
			Generation: generation,
			TileIndex:  i,
			MapRect:    tile.MapRect,
			URL:        u,
			Headers:    p.requestHeaders(),
		})
	}
	return requests, false, nil
}

func (p *Provider) buildTileURL(layer *capabilities.TileLayer, set *capabilities.TileMatrixSet, matrix *capabilities.TileMatrix, tile tilematrix.Tile) (string, error) {
	style := layer.DefaultStyle
	if s := firstOrEmpty(p.Session.ActiveSubStyles); s != "" {
		style = s
	}
	format := firstOrEmpty(layer.Formats)

	if layer.TileMode == capabilities.WMTS {
		if tpl, ok := layer.GetTileURLs[format]; ok {
			return request.BuildGetTileREST(tpl, style, set.Identifier, matrix.Identifier, tile.Row, tile.Col, p.Session.TileDimensionValues)
		}
		return request.BuildGetTileKVP(request.GetTileKVPParams{
			BaseURL: p.BaseURL, Version: "1.0.0", Layer: layer.Identifier, Style: style,
			Format: format, TileMatrixSet: set.Identifier, TileMatrix: matrix.Identifier,
			TileRow: tile.Row, TileCol: tile.Col, Dimensions: p.Session.TileDimensionValues,
		})
	}

	version := capabilities.WMS130
	if p.caps != nil {
		version = p.caps.Version
	}
	return request.BuildGetMap(request.GetMapParams{
		BaseURL: p.BaseURL, Version: version, Layers: []string{layer.Identifier}, Styles: []string{style},
		CRS: set.CRS, BBox: tile.MapRect, Width: matrix.TileWidth, Height: matrix.TileHeight,
		Format: format, Tiled: true,
	})
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// Identify implements the façade's identify operation: plan a
// GetFeatureInfo request and hand off the raw response. Decoding that
// response is out of scope here.
func (p *Provider) Identify(ctx context.Context, view crs.Rect, pixelW, pixelH, x, y int, infoFormat string) (string, error) {
	if err := p.EnsureCapabilities(ctx); err != nil {
		return "", err
	}
	crsInverted := p.registry.AxisInverted(p.Session.ImageCRS)
	version := capabilities.WMS130
	if p.caps != nil {
		version = p.caps.Version
	}
	return request.BuildGetFeatureInfo(request.GetFeatureInfoParams{
		GetMapParams: request.GetMapParams{
			BaseURL: p.BaseURL, Version: version, Layers: p.Session.ActiveSubLayers, Styles: p.Session.ActiveSubStyles,
			CRS: p.Session.ImageCRS, CRSInverted: crsInverted, IgnoreAxis: p.Session.IgnoreAxisOrientation,
			InvertAxis: p.Session.InvertAxisOrientation, BBox: view, Width: pixelW, Height: pixelH, Format: "image/png",
		},
		QueryLayers:  p.Session.ActiveSubLayers,
		X:            x, Y: y,
		InfoFormat:   infoFormat,
		FeatureCount: p.Session.FeatureCount,
	})
}

// GetLegend implements the façade's getLegend operation.
func (p *Provider) GetLegend(ctx context.Context, layerName, format, rule string, scale float64) (string, error) {
	if err := p.EnsureCapabilities(ctx); err != nil {
		return "", err
	}
	version := capabilities.WMS130
	if p.caps != nil {
		version = p.caps.Version
	}
	return request.BuildGetLegendGraphic(request.GetLegendGraphicParams{
		BaseURL: p.BaseURL, Version: version, Layer: layerName, Format: format, Rule: rule, Scale: scale,
	})
}
