// Package crs is the CRS collaborator the rest of the module delegates
// axis-order and coordinate-reference bookkeeping to. It does not perform
// geodetic transforms itself — reprojection is left to whatever the
// hosting application wires in; this package only tracks what a CRS's axis
// order is, and represents bounding boxes as a plain Rect.
package crs

import (
	"strconv"
	"strings"
)

// Rect is a minx/miny/maxx/maxy bounding box in some CRS.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width and Height report the rectangle's extent along each axis.
func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Finite reports whether every component of r is finite (§7 ExtentError:
// "transform failure or non-finite extent").
func (r Rect) Finite() bool {
	for _, v := range []float64{r.MinX, r.MinY, r.MaxX, r.MaxY} {
		if v != v || v > maxFinite || v < -maxFinite {
			return false
		}
	}
	return true
}

const maxFinite = 1.0e308

// Contains reports whether r fully contains other.
func (r Rect) Contains(other Rect) bool {
	return r.MinX <= other.MinX && r.MinY <= other.MinY && r.MaxX >= other.MaxX && r.MaxY >= other.MaxY
}

// Intersect returns the overlap of r and other, and whether they overlap
// at all.
func (r Rect) Intersect(other Rect) (Rect, bool) {
	out := Rect{
		MinX: maxF(r.MinX, other.MinX),
		MinY: maxF(r.MinY, other.MinY),
		MaxX: minF(r.MaxX, other.MaxX),
		MaxY: minF(r.MaxY, other.MaxY),
	}
	if out.MinX >= out.MaxX || out.MinY >= out.MaxY {
		return Rect{}, false
	}
	return out, true
}

// Union returns the smallest Rect containing both r and other, implementing
// the façade's combineExtentWith operation (§4.6) for the case where
// multiple sublayers are active.
func (r Rect) Union(other Rect) Rect {
	return Rect{
		MinX: minF(r.MinX, other.MinX),
		MinY: minF(r.MinY, other.MinY),
		MaxX: maxF(r.MaxX, other.MaxX),
		MaxY: maxF(r.MaxY, other.MaxY),
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// WholeWorld is the CRS:84 whole-world rectangle used as the last-resort
// bounding-box fallback.
var WholeWorld = Rect{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

// CRS84 is the identifier of the geographic CRS every geographicBoundingBox
// is expressed in.
const CRS84 = "CRS:84"

// Registry resolves whether a CRS identifier's canonical first axis is
// latitude/northing (axis-inverted), applied through a single axis
// orientation override formula:
//
//	swap = (version >= 1.3 && !ignoreAxisOrientation && crsInverted) XOR invertAxisOrientation
//
// A default Registry knows the common EPSG geographic CRSes; callers may
// register additional codes (e.g. from a capabilities document's
// SupportedCRS list) before parsing.
type Registry struct {
	inverted map[string]bool
}

// NewRegistry returns a Registry pre-seeded with a default set of
// axis-inverted codes: EPSG:4326 and its URN form
// "urn:ogc:def:crs:EPSG::4326", plus EPSG:4269, EPSG:4258 and EPSG:2154.
func NewRegistry() *Registry {
	r := &Registry{inverted: make(map[string]bool)}
	for _, code := range defaultInvertedCRS {
		r.inverted[normalize(code)] = true
	}
	return r
}

var defaultInvertedCRS = []string{
	"EPSG:4326",
	"EPSG:4269",
	"EPSG:4258",
	"EPSG:2154",
	"URN:OGC:DEF:CRS:EPSG::4326",
}

func normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Register records that id is (or is not) axis-inverted, overriding any
// default. Codes registered before parsing are consulted when a WMTS
// TileMatrixSet's TopLeftCorner axis order is resolved.
func (r *Registry) Register(id string, invertedAxis bool) {
	r.inverted[normalize(id)] = invertedAxis
}

// AxisInverted reports whether id's canonical first axis is
// latitude/northing. CRS:84 is always lon/lat (never inverted) regardless
// of registration, per OGC convention.
func (r *Registry) AxisInverted(id string) bool {
	n := normalize(id)
	if n == normalize(CRS84) || n == "OGC:CRS84" {
		return false
	}
	return r.inverted[n]
}

// EffectiveSwap implements the single axis-swap formula consumed
// identically at BBOX emission and at TopLeftCorner parsing.
func EffectiveSwap(versionAtLeast13 bool, ignoreAxisOrientation, invertAxisOrientation, crsInverted bool) bool {
	swap := versionAtLeast13 && !ignoreAxisOrientation && crsInverted
	return swap != invertAxisOrientation
}

// MetersPerUnit returns the number of meters in one CRS unit, used by the
// WMTS resolution formula: resolution = scaleDenominator * 0.00028 /
// metersPerUnit(crs). Geographic CRSes are treated as degrees and use
// the standard WGS84 degree-to-meter approximation at the equator;
// everything else is assumed already metric.
func MetersPerUnit(id string) float64 {
	n := normalize(id)
	if strings.HasPrefix(n, "EPSG:4326") || n == normalize(CRS84) || strings.Contains(n, "CRS84") {
		return metersPerDegree
	}
	if code, ok := epsgCode(n); ok {
		if geographicEPSG[code] {
			return metersPerDegree
		}
	}
	return 1.0
}

const metersPerDegree = 111319.49079327358 // WMTS well-known-scale-set convention: 2*pi*6378137/360

var geographicEPSG = map[int]bool{
	4326: true,
	4269: true,
	4258: true,
	4267: true,
}

func epsgCode(id string) (int, bool) {
	const prefix = "EPSG:"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}
