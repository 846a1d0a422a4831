package capabilities

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/delta10/ogcprovider/crs"
)

// parseWMSCVendorCapabilities synthesises one TileLayer per TileSet
// declared under VendorSpecificCapabilities, the WMS-C de-facto tiled
// profile.
func parseWMSCVendorCapabilities(vendor *node, caps *Capabilities) {
	if caps.TileLayers == nil {
		caps.TileLayers = make(map[string]*TileLayer)
	}
	if caps.TileMatrixSets == nil {
		caps.TileMatrixSets = make(map[string]*TileMatrixSet)
	}

	n := 0
	for _, tileSet := range vendor.childrenNamed("TileSet") {
		layer, matrixSet := synthesizeWMSCTileLayer(tileSet, n)
		if layer == nil {
			continue
		}
		n++
		caps.TileLayers[layer.Identifier] = layer
		caps.TileMatrixSets[matrixSet.Identifier] = matrixSet
	}
}

func synthesizeWMSCTileLayer(tileSet *node, index int) (*TileLayer, *TileMatrixSet) {
	layersName := tileSet.childText("Layers")
	if layersName == "" {
		return nil, nil
	}
	srs := tileSet.childText("SRS")

	var bboxRect crs.Rect
	if bb := tileSet.child("BoundingBox"); bb != nil {
		bboxRect = crs.Rect{
			MinX: parseFloat(bb.attr("minx")),
			MinY: parseFloat(bb.attr("miny")),
			MaxX: parseFloat(bb.attr("maxx")),
			MaxY: parseFloat(bb.attr("maxy")),
		}
		if bbSRS := bb.attr("SRS"); bbSRS != "" {
			srs = bbSRS
		}
	}

	tileWidth := parseInt(tileSet.childText("Width"))
	if tileWidth == 0 {
		tileWidth = 256
	}
	tileHeight := parseInt(tileSet.childText("Height"))
	if tileHeight == 0 {
		tileHeight = 256
	}
	format := tileSet.childText("Format")
	stylesText := strings.TrimSpace(tileSet.childText("Styles"))

	setID := fmt.Sprintf("%s-wmsc-%d", layersName, index)
	matrixSet := NewTileMatrixSet(setID, srs)

	for _, resStr := range strings.Fields(tileSet.childText("Resolutions")) {
		resolution, err := strconv.ParseFloat(resStr, 64)
		if err != nil || resolution <= 0 {
			continue
		}
		matrixWidth := 1
		matrixHeight := 1
		if bboxRect.Width() > 0 {
			matrixWidth = int(math.Ceil(bboxRect.Width() / (float64(tileWidth) * resolution)))
			if matrixWidth < 1 {
				matrixWidth = 1
			}
		}
		if bboxRect.Height() > 0 {
			matrixHeight = int(math.Ceil(bboxRect.Height() / (float64(tileHeight) * resolution)))
			if matrixHeight < 1 {
				matrixHeight = 1
			}
		}

		// Open question: biasing the
		// synthesised matrix's top-left y by matrixHeight*tileHeight*
		// resolution puts the origin at the top of a pyramid whose
		// bottom aligns with the layer bounding box's minimum y.
		// Preserved verbatim pending verification against real servers.
		topLeftY := bboxRect.MinY + float64(matrixHeight)*float64(tileHeight)*resolution

		m := &TileMatrix{
			Identifier:       resStr,
			ScaleDenominator: resolution / 0.00028 * crs.MetersPerUnit(srs),
			TopLeftX:         bboxRect.MinX,
			TopLeftY:         topLeftY,
			TileWidth:        tileWidth,
			TileHeight:       tileHeight,
			MatrixWidth:      matrixWidth,
			MatrixHeight:     matrixHeight,
		}
		matrixSet.Insert(resolution, m)
	}

	layer := &TileLayer{
		Identifier:     layersName,
		TileMode:       WMSC,
		BoundingBox:    bboxRect,
		BoundingBoxCRS: srs,
		Formats:        []string{format},
		Styles:         map[string]Style{},
		SetLinks: map[string]TileMatrixSetLink{
			setID: {TileMatrixSet: setID},
		},
	}
	styleName := stylesText
	if styleName == "" {
		styleName = "default"
	}
	layer.Styles[styleName] = Style{Identifier: styleName}
	layer.DefaultStyle = styleName

	return layer, matrixSet
}
