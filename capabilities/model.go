// Package capabilities turns an OGC capabilities XML document (WMS 1.1.1,
// WMS 1.3.0, or WMTS 1.0.0) into a uniform in-memory model. Namespace
// prefixes (wms:, ows:) are stripped before matching element names, so
// the same recursion handles qualified and unqualified documents.
package capabilities

import "github.com/delta10/ogcprovider/crs"

// Version identifies which capabilities dialect was parsed.
type Version string

const (
	WMS111 Version = "1.1.1"
	WMS130 Version = "1.3.0"
	WMTS10 Version = "1.0.0-WMTS"
)

// Capabilities is the root of the parsed document.
type Capabilities struct {
	Version    Version
	Service    ServiceMetadata
	Capability Capability

	// Layers holds every WMS layer, root(s) first, in document order.
	// Empty for WMTS documents (see TileLayers instead).
	Layers []*LayerProperty

	// TileMatrixSets and TileLayers are populated for WMTS documents
	// (and synthesised for WMS-C VendorSpecificCapabilities).
	TileMatrixSets map[string]*TileMatrixSet
	TileLayers     map[string]*TileLayer
}

// FindLayer performs a depth-first search for a WMS layer by name.
func (c *Capabilities) FindLayer(name string) *LayerProperty {
	for _, root := range c.Layers {
		if l := findLayer(root, name); l != nil {
			return l
		}
	}
	return nil
}

func findLayer(l *LayerProperty, name string) *LayerProperty {
	if l.Name == name {
		return l
	}
	for _, child := range l.Children {
		if found := findLayer(child, name); found != nil {
			return found
		}
	}
	return nil
}

// ServiceMetadata is the Service / ows:ServiceIdentification+ServiceProvider
// block.
type ServiceMetadata struct {
	Title             string
	Abstract          string
	KeywordList       []string
	ContactPerson     string
	ContactOrg        string
	Fees              string
	AccessConstraints string
	MaxLayers         int // 0 means unlimited
	MaxWidth          int
	MaxHeight         int
}

// Capability holds the operation metadata for GetMap/GetFeatureInfo/
// GetLegendGraphic/GetTile.
type Capability struct {
	GetMap           OperationType
	GetFeatureInfo   OperationType
	GetLegendGraphic OperationType
	GetTile          OperationType
	ExceptionFormats []string
}

// DCPEndpoint is a (getUrl, postUrl) pair advertised for an operation.
type DCPEndpoint struct {
	GetURL           string
	PostURL          string
	AllowedEncodings map[string]bool // relevant only to WMTS
}

// OperationType carries the formats and DCP endpoints published for one
// operation.
type OperationType struct {
	Formats []string
	DCP     []DCPEndpoint
}

// StyleProperty is a named rendering style for a layer.
type StyleProperty struct {
	Name      string
	Title     string
	Abstract  string
	LegendURL []LegendURL
}

// LegendURL describes a legend graphic advertised by a style.
type LegendURL struct {
	Format         string
	Width, Height  int
	OnlineResource string
}

// BoundingBoxEntry is one CRS-indexed bounding box declared for a layer.
type BoundingBoxEntry struct {
	CRS  string
	Rect crs.Rect
}

// LayerProperty is a WMS layer tree node. The INHERITANCE
// INVARIANT is enforced at parse time: parseLayer copies the parent's
// inheritable fields into the child before the child's own declarations
// are applied, so by the time a LayerProperty is returned every field is
// either locally declared or inherited verbatim; there is no live
// parent pointer to keep the tree acyclic.
type LayerProperty struct {
	OrderID  int
	Name     string
	Title    string
	Abstract string

	KeywordList []string
	CRS         map[string]bool
	BoundingBox []BoundingBoxEntry
	GeographicBoundingBox crs.Rect
	HasGeographicBoundingBox bool

	Style []StyleProperty

	Queryable   bool
	Opaque      bool
	NoSubsets   bool
	Cascaded    bool
	FixedWidth  int
	FixedHeight int

	Children []*LayerProperty
}

// inheritable is the subset of fields a child copies from its nearest
// ancestor before applying its own declarations: crs, style, boundingBox,
// geographicBoundingBox.
type inheritable struct {
	crs                      map[string]bool
	style                    []StyleProperty
	boundingBox              []BoundingBoxEntry
	geographicBoundingBox    crs.Rect
	hasGeographicBoundingBox bool
}

func (l *LayerProperty) inheritableSnapshot() inheritable {
	crsCopy := make(map[string]bool, len(l.CRS))
	for k, v := range l.CRS {
		crsCopy[k] = v
	}
	return inheritable{
		crs:                      crsCopy,
		style:                    append([]StyleProperty(nil), l.Style...),
		boundingBox:              append([]BoundingBoxEntry(nil), l.BoundingBox...),
		geographicBoundingBox:    l.GeographicBoundingBox,
		hasGeographicBoundingBox: l.HasGeographicBoundingBox,
	}
}

func (l *LayerProperty) applyInherited(parent inheritable) {
	l.CRS = make(map[string]bool, len(parent.crs))
	for k, v := range parent.crs {
		l.CRS[k] = v
	}
	l.Style = append([]StyleProperty(nil), parent.style...)
	l.BoundingBox = append([]BoundingBoxEntry(nil), parent.boundingBox...)
	l.GeographicBoundingBox = parent.geographicBoundingBox
	l.HasGeographicBoundingBox = parent.hasGeographicBoundingBox
}

// DimensionSpec describes a WMTS dimension (e.g. TIME, ELEVATION).
type DimensionSpec struct {
	Identifier string
	Default    string
	Values     []string
}

// Style is a WMTS style (identifier/title/legend); TileLayer.Styles keys
// this by identifier.
type Style struct {
	Identifier string
	Title      string
	LegendURL  []LegendURL
}

// MatrixLimits restricts the valid row/col range within one tile matrix
//.
type MatrixLimits struct {
	MinRow, MaxRow, MinCol, MaxCol int
}

// TileMatrixSetLink associates a layer with a matrix set and optional
// per-matrix limits.
type TileMatrixSetLink struct {
	TileMatrixSet string
	Limits        map[string]MatrixLimits // keyed by TileMatrix identifier
}

// TileMode distinguishes the two tiled dispatch styles a TileLayer can use.
type TileMode int

const (
	WMSC TileMode = iota
	WMTS
)

// TileLayer is a WMTS layer or a WMS-C VendorSpecificCapabilities TileSet,
// normalised to a common shape.
type TileLayer struct {
	Identifier string
	TileMode   TileMode

	BoundingBox    crs.Rect
	BoundingBoxCRS string

	Styles       map[string]Style
	DefaultStyle string

	Formats     []string
	InfoFormats []string

	Dimensions map[string]DimensionSpec

	SetLinks map[string]TileMatrixSetLink // keyed by tile matrix set identifier

	// GetTileURLs/GetFeatureInfoURLs are ResourceURL templates keyed by
	// format, used for the WMTS REST dispatch style.
	GetTileURLs        map[string]string
	GetFeatureInfoURLs map[string]string
}

// TileMatrix is one resolution level of a TileMatrixSet.
type TileMatrix struct {
	Identifier       string
	ScaleDenominator float64
	TopLeftX         float64
	TopLeftY         float64
	TileWidth        int
	TileHeight       int
	MatrixWidth      int
	MatrixHeight     int
}

// TileMatrixSet is an ordered-by-resolution collection of TileMatrix
// entries anchored to one CRS.
//
// INVARIANT: resolutions (keys) are unique and Ordered() yields matrices
// from finest to coarsest.
type TileMatrixSet struct {
	Identifier        string
	CRS               string
	WellKnownScaleSet string

	byResolution map[float64]*TileMatrix
	resOrder     []float64 // ascending
}

// NewTileMatrixSet returns an empty set ready for Insert calls.
func NewTileMatrixSet(identifier, crsID string) *TileMatrixSet {
	return &TileMatrixSet{
		Identifier:   identifier,
		CRS:          crsID,
		byResolution: make(map[float64]*TileMatrix),
	}
}

// Insert adds a matrix keyed by its resolution, maintaining ascending
// order and rejecting duplicate resolutions.
func (s *TileMatrixSet) Insert(resolution float64, m *TileMatrix) bool {
	if _, exists := s.byResolution[resolution]; exists {
		return false
	}
	s.byResolution[resolution] = m
	// insertion sort; capabilities documents have at most a few dozen
	// matrices so this stays cheap and keeps the slice always sorted.
	i := 0
	for i < len(s.resOrder) && s.resOrder[i] < resolution {
		i++
	}
	s.resOrder = append(s.resOrder, 0)
	copy(s.resOrder[i+1:], s.resOrder[i:])
	s.resOrder[i] = resolution
	return true
}

// Ordered returns the set's matrices in ascending-resolution order:
// finest (smallest ground distance per pixel) first, coarsest last.
func (s *TileMatrixSet) Ordered() []*TileMatrix {
	out := make([]*TileMatrix, len(s.resOrder))
	for i, r := range s.resOrder {
		out[i] = s.byResolution[r]
	}
	return out
}

// Resolutions returns the ascending list of resolution keys.
func (s *TileMatrixSet) Resolutions() []float64 {
	return append([]float64(nil), s.resOrder...)
}

// ByIdentifier looks up a matrix by its identifier (needed once a
// TileMatrixSelector has chosen a matrix's resolution, to recover its
// TILEMATRIX request parameter).
func (s *TileMatrixSet) ByIdentifier(id string) (*TileMatrix, bool) {
	for _, m := range s.byResolution {
		if m.Identifier == id {
			return m, true
		}
	}
	return nil, false
}
