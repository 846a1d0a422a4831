package capabilities

import (
	"strconv"
	"strings"

	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/ogcerr"
)

// ServiceHint tells Parse which dialect is expected; dialect is always
// confirmed (or corrected) by the document's root element, so an
// incorrect hint is not fatal.
type ServiceHint int

const (
	HintAuto ServiceHint = iota
	HintWMS
	HintWMTS
)

// Options controls parse-time behaviour that depends on session
// configuration rather than the document alone: the CRS collaborator used
// to reproject non-CRS:84 LatLonBoundingBox declarations, the CRS
// registry consulted for axis inversion, and the axis-orientation
// overrides applied to WMTS TopLeftCorner parsing.
type Options struct {
	Transformer           crs.Transformer
	Registry              *crs.Registry
	IgnoreAxisOrientation bool
	InvertAxisOrientation bool
}

func (o Options) withDefaults() Options {
	if o.Transformer == nil {
		o.Transformer = crs.IdentityTransformer{}
	}
	if o.Registry == nil {
		o.Registry = crs.NewRegistry()
	}
	return o
}

// Parse turns raw capabilities XML bytes into a Capabilities value using
// default options (identity transformer, default CRS registry, no axis
// overrides). Use ParseWithOptions to supply a real geodetic-transform
// collaborator or axis-orientation overrides.
func Parse(raw []byte, hint ServiceHint) (*Capabilities, error) {
	return ParseWithOptions(raw, hint, Options{})
}

// ParseWithOptions is Parse with explicit Options. The root element name
// determines the dialect: WMS_Capabilities -> WMS 1.3.0,
// WMT_MS_Capabilities -> WMS 1.1.1, Capabilities -> WMTS. Any other root
// is a CapabilitiesError.
func ParseWithOptions(raw []byte, hint ServiceHint, opts Options) (*Capabilities, error) {
	opts = opts.withDefaults()

	root, err := buildTree(raw)
	if err != nil {
		return nil, err
	}

	switch root.name {
	case "WMS_Capabilities":
		return parseWMS(root, WMS130, opts.Transformer)
	case "WMT_MS_Capabilities":
		return parseWMS(root, WMS111, opts.Transformer)
	case "Capabilities":
		return parseWMTS(root, opts)
	default:
		return nil, newUnknownRootError(root.name)
	}
}

func newUnknownRootError(rootName string) error {
	return ogcerr.New(ogcerr.Capabilities, "unrecognised capabilities document",
		"unexpected root element %q; expected WMS_Capabilities, WMT_MS_Capabilities, or Capabilities", rootName)
}

// parseFloat parses a capabilities numeric attribute/text, returning 0 on
// failure; malformed numeric fields in a capabilities document are
// tolerated rather than treated as fatal (only structural XML errors and
// an unrecognised root are fatal).
func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseBool(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	return s == "1" || s == "true"
}
