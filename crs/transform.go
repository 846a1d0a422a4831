package crs

import "github.com/delta10/ogcprovider/ogcerr"

// Transformer performs a geodetic transform of a rectangle from one CRS to
// another. This module never implements one itself — it is not a CRS
// library, it delegates geodetic transforms to a collaborator — so a
// hosting application supplies one backed by whatever projection library
// it already uses (PROJ bindings, a geometry package's reprojection
// routines, etc).
type Transformer interface {
	Transform(r Rect, fromCRS, toCRS string) (Rect, error)
}

// IdentityTransformer is the zero-dependency Transformer used when no
// reprojection collaborator has been wired in: it accepts same-CRS
// transforms and rejects everything else with an ExtentError, rather than
// silently returning un-reprojected coordinates under a different CRS
// label.
type IdentityTransformer struct{}

func (IdentityTransformer) Transform(r Rect, fromCRS, toCRS string) (Rect, error) {
	if normalize(fromCRS) == normalize(toCRS) {
		return r, nil
	}
	return Rect{}, ogcerr.New(ogcerr.Extent, "no transformer configured",
		"cannot transform bounding box from %s to %s without a crs.Transformer", fromCRS, toCRS)
}
