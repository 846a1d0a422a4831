// Package request implements the RequestPlanner: building per-request
// URLs and parameters for GetMap, GetTile (WMS-C KVP / WMTS KVP / WMTS
// REST), GetFeatureInfo, and GetLegendGraphic.
package request

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/delta10/ogcprovider/capabilities"
	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/internal/utils"
	"github.com/delta10/ogcprovider/request/resttemplate"
)

// DPIMode is a bitmask selecting which vendor-specific DPI parameters a
// GetMap request should carry.
type DPIMode int

const (
	DPIQGIS DPIMode = 1 << iota
	DPIUMN
	DPIGeoServer
	DPIAll = DPIQGIS | DPIUMN | DPIGeoServer
)

// formatSupportsTransparency reports whether TRANSPARENT=TRUE may be
// added: it is added iff format is neither JPEG/JPG nor the sentinel.
func formatSupportsTransparency(format string) bool {
	f := strings.ToLower(format)
	if f == "image/x-jpegorpng" {
		return true
	}
	return f != "image/jpeg" && f != "image/jpg"
}

// GetMapParams is everything the RequestPlanner needs to build a
// non-tiled or WMS-C GetMap request.
type GetMapParams struct {
	BaseURL       string
	Version       capabilities.Version
	Layers        []string
	Styles        []string
	CRS           string
	CRSInverted   bool
	IgnoreAxis    bool
	InvertAxis    bool
	BBox          crs.Rect
	Width, Height int
	Format        string
	Transparent   bool // caller's request; still gated by format
	DPI           int
	DPIMode       DPIMode
	Tiled         bool
}

// crsKey returns SRS for 1.1.1 and CRS for 1.3.0.
func crsKey(version capabilities.Version) string {
	if version == capabilities.WMS130 {
		return "CRS"
	}
	return "SRS"
}

// bboxString formats a bounding box's four components with enough
// precision to round-trip a float64, avoiding scientific notation.
func bboxString(a, b, c, d float64) string {
	return fmt.Sprintf("%s,%s,%s,%s", formatCoord(a), formatCoord(b), formatCoord(c), formatCoord(d))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// swappedBBox applies the axis-swap rule: if version is 1.3.x and
// !ignoreAxisOrientation and the CRS is axis-inverted, emit
// ymin,xmin,ymax,xmax; invertAxisOrientation XORs the decision.
func swappedBBox(p GetMapParams) string {
	versionAtLeast13 := p.Version == capabilities.WMS130
	swap := crs.EffectiveSwap(versionAtLeast13, p.IgnoreAxis, p.InvertAxis, p.CRSInverted)
	if swap {
		return bboxString(p.BBox.MinY, p.BBox.MinX, p.BBox.MaxY, p.BBox.MaxX)
	}
	return bboxString(p.BBox.MinX, p.BBox.MinY, p.BBox.MaxX, p.BBox.MaxY)
}

// BuildGetMap builds the query parameters for a WMS GetMap request
// (non-tiled or WMS-C, distinguished by p.Tiled) and returns the full URL.
func BuildGetMap(p GetMapParams) (string, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", string(p.Version))
	q.Set("REQUEST", "GetMap")
	q.Set("BBOX", swappedBBox(p))
	q.Set(crsKey(p.Version), p.CRS)
	q.Set("WIDTH", strconv.Itoa(p.Width))
	q.Set("HEIGHT", strconv.Itoa(p.Height))
	q.Set("LAYERS", strings.Join(p.Layers, ","))
	q.Set("STYLES", strings.Join(p.Styles, ","))
	q.Set("FORMAT", p.Format)

	if formatSupportsTransparency(p.Format) {
		q.Set("TRANSPARENT", "TRUE")
	}

	if p.Tiled {
		q.Set("TILED", "true")
	}

	applyDPI(q, p.DPI, p.DPIMode)

	return mergeQuery(base, q), nil
}

// applyDPI adds the vendor-specific DPI parameters selected by mode:
// all selected modes apply simultaneously.
func applyDPI(q url.Values, dpi int, mode DPIMode) {
	if dpi <= 0 || mode == 0 {
		return
	}
	if mode&DPIQGIS != 0 {
		q.Set("DPI", strconv.Itoa(dpi))
	}
	if mode&DPIUMN != 0 {
		q.Set("MAP_RESOLUTION", strconv.Itoa(dpi))
	}
	if mode&DPIGeoServer != 0 {
		q.Set("FORMAT_OPTIONS", "dpi:"+strconv.Itoa(dpi))
	}
}

// mergeQuery appends q's parameters to any already present in base's own
// query string, preserving a stable key order for reproducible URLs.
// base's existing parameter names are lower-cased first so a BaseURL
// carrying e.g. "service=WMS" doesn't survive alongside our own
// canonical-case "SERVICE" key as a spurious duplicate.
func mergeQuery(base *url.URL, q url.Values) string {
	existing := utils.QueryParamsToLower(base.Query())
	for k, vs := range q {
		delete(existing, strings.ToLower(k))
		for _, v := range vs {
			existing.Add(k, v)
		}
	}
	base.RawQuery = encodeSorted(existing)
	return base.String()
}

// encodeSorted is url.Values.Encode with a stable key order, used so
// generated request URLs are deterministic (and therefore testable).
func encodeSorted(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// GetTileKVPParams describes a WMTS KVP GetTile request.
type GetTileKVPParams struct {
	BaseURL       string
	Version       string
	Layer         string
	Style         string
	Format        string
	TileMatrixSet string
	TileMatrix    string
	TileRow       int
	TileCol       int
	Dimensions    map[string]string
}

// BuildGetTileKVP builds a WMTS KVP GetTile request URL.
func BuildGetTileKVP(p GetTileKVPParams) (string, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("SERVICE", "WMTS")
	q.Set("REQUEST", "GetTile")
	q.Set("VERSION", p.Version)
	q.Set("LAYER", p.Layer)
	q.Set("STYLE", p.Style)
	q.Set("FORMAT", p.Format)
	q.Set("TILEMATRIXSET", p.TileMatrixSet)
	q.Set("TILEMATRIX", p.TileMatrix)
	q.Set("TILEROW", strconv.Itoa(p.TileRow))
	q.Set("TILECOL", strconv.Itoa(p.TileCol))
	for name, value := range p.Dimensions {
		q.Set(name, value)
	}
	return mergeQuery(base, q), nil
}

// BuildGetTileREST substitutes the standard placeholders plus every
// session dimension into a WMTS ResourceURL template.
func BuildGetTileREST(template, style, tileMatrixSet, tileMatrix string, row, col int, dimensions map[string]string) (string, error) {
	values := map[string]string{
		"style":         style,
		"tilematrixset": tileMatrixSet,
		"tilematrix":    tileMatrix,
		"tilerow":       strconv.Itoa(row),
		"tilecol":       strconv.Itoa(col),
	}
	for name, value := range dimensions {
		values[strings.ToLower(name)] = value
	}
	return resttemplate.Expand(template, values)
}

// GetFeatureInfoParams describes an identify request layered on top of a
// GetMapParams-shaped view. Only request planning is in scope here; the
// feature-info response decoding path is not.
type GetFeatureInfoParams struct {
	GetMapParams
	QueryLayers  []string
	X, Y         int
	InfoFormat   string
	FeatureCount int
}

// BuildGetFeatureInfo builds a GetFeatureInfo request URL, layering
// QUERY_LAYERS, X/Y, I/J, and the optional INFO_FORMAT and FEATURE_COUNT
// parameters atop a GetMap-shaped request. Every parameter name is
// emitted in upper case.
func BuildGetFeatureInfo(p GetFeatureInfoParams) (string, error) {
	base, err := BuildGetMap(p.GetMapParams)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("REQUEST", "GetFeatureInfo")
	q.Set("QUERY_LAYERS", strings.Join(p.QueryLayers, ","))
	q.Set("X", strconv.Itoa(p.X))
	q.Set("Y", strconv.Itoa(p.Y))
	q.Set("I", strconv.Itoa(p.X))
	q.Set("J", strconv.Itoa(p.Y))
	if p.InfoFormat != "" {
		q.Set("INFO_FORMAT", p.InfoFormat)
	}
	if p.FeatureCount > 0 {
		q.Set("FEATURE_COUNT", strconv.Itoa(p.FeatureCount))
	}
	return mergeQuery(u, q), nil
}

// GetLegendGraphicParams describes a legend-graphic request, including the
// RULE/SCALE refinements a styled legend may need.
type GetLegendGraphicParams struct {
	BaseURL string
	Version capabilities.Version
	Layer   string
	Style   string
	Format  string
	Rule    string
	Scale   float64
}

// BuildGetLegendGraphic builds a GetLegendGraphic request URL.
func BuildGetLegendGraphic(p GetLegendGraphicParams) (string, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", string(p.Version))
	q.Set("REQUEST", "GetLegendGraphic")
	q.Set("LAYER", p.Layer)
	q.Set("FORMAT", p.Format)
	if p.Style != "" {
		q.Set("STYLE", p.Style)
	}
	if p.Rule != "" {
		q.Set("RULE", p.Rule)
	}
	if p.Scale > 0 {
		q.Set("SCALE", formatCoord(p.Scale))
	}
	return mergeQuery(base, q), nil
}
