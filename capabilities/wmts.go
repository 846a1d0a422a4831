package capabilities

import (
	"github.com/delta10/ogcprovider/crs"
)

// parseWMTS walks a WMTS 1.0.0 Capabilities document: ServiceIdentification
// / ServiceProvider populate ServiceMetadata (reusing the WMS merge
// helpers, since the node shapes overlap once namespace prefixes are
// stripped), OperationsMetadata populates Capability, and Contents
// populates TileMatrixSets and TileLayers.
func parseWMTS(root *node, opts Options) (*Capabilities, error) {
	caps := &Capabilities{
		Version:        WMTS10,
		TileMatrixSets: make(map[string]*TileMatrixSet),
		TileLayers:     make(map[string]*TileLayer),
	}

	if identification := root.child("ServiceIdentification"); identification != nil {
		mergeServiceIdentification(&caps.Service, identification)
	}
	if provider := root.child("ServiceProvider"); provider != nil {
		mergeServiceProvider(&caps.Service, provider)
	}
	if ops := root.child("OperationsMetadata"); ops != nil {
		caps.Capability = parseWMTSOperations(ops)
	}

	contents := root.child("Contents")
	if contents == nil {
		return caps, nil
	}

	for _, tmsNode := range contents.childrenNamed("TileMatrixSet") {
		tms := parseTileMatrixSet(tmsNode, opts)
		if tms != nil {
			caps.TileMatrixSets[tms.Identifier] = tms
		}
	}

	for _, layerNode := range contents.childrenNamed("Layer") {
		layer := parseWMTSLayer(layerNode, caps.TileMatrixSets)
		if layer != nil {
			caps.TileLayers[layer.Identifier] = layer
		}
	}

	return caps, nil
}

func parseWMTSOperations(ops *node) Capability {
	var out Capability
	for _, op := range ops.childrenNamed("Operation") {
		switch op.attr("name") {
		case "GetTile":
			out.GetTile = parseOperationType(op)
		case "GetFeatureInfo":
			out.GetFeatureInfo = parseOperationType(op)
		case "GetLegendGraphic":
			out.GetLegendGraphic = parseOperationType(op)
		case "GetMap":
			out.GetMap = parseOperationType(op)
		}
	}
	return out
}

// parseTileMatrixSet resolves SupportedCRS to a CRS identifier and
// determines axis inversion as
// (!ignoreAxisOrientation && crs.axisInverted()) XOR invertAxisOrientation;
// if inverted, every TopLeftCorner's two components are swapped.
// Resolution is computed as
// scaleDenominator * 0.00028 / metersPerUnit(crs) and matrices are
// inserted into the set's ascending-resolution map.
func parseTileMatrixSet(n *node, opts Options) *TileMatrixSet {
	identifier := n.childText("Identifier")
	if identifier == "" {
		return nil
	}
	crsID := n.childText("SupportedCRS")
	tms := NewTileMatrixSet(identifier, crsID)
	tms.WellKnownScaleSet = n.childText("WellKnownScaleSet")

	crsInverted := opts.Registry.AxisInverted(crsID)
	invert := crs.EffectiveSwap(true, opts.IgnoreAxisOrientation, opts.InvertAxisOrientation, crsInverted)

	for _, mNode := range n.childrenNamed("TileMatrix") {
		m := parseTileMatrix(mNode, crsID, invert)
		if m == nil {
			continue
		}
		resolution := m.ScaleDenominator * 0.00028 / crs.MetersPerUnit(crsID)
		tms.Insert(resolution, m)
	}
	return tms
}

func parseTileMatrix(n *node, crsID string, invertAxis bool) *TileMatrix {
	identifier := n.childText("Identifier")
	if identifier == "" {
		return nil
	}
	scaleDenominator := parseFloat(n.childText("ScaleDenominator"))

	x, y := parseTwoFloats(n.childText("TopLeftCorner"))
	if invertAxis {
		x, y = y, x
	}

	return &TileMatrix{
		Identifier:       identifier,
		ScaleDenominator: scaleDenominator,
		TopLeftX:         x,
		TopLeftY:         y,
		TileWidth:        parseInt(n.childText("TileWidth")),
		TileHeight:       parseInt(n.childText("TileHeight")),
		MatrixWidth:      parseInt(n.childText("MatrixWidth")),
		MatrixHeight:     parseInt(n.childText("MatrixHeight")),
	}
}

func parseTwoFloats(s string) (a, b float64) {
	var i int
	for i < len(s) && s[i] != ' ' {
		i++
	}
	if i >= len(s) {
		return parseFloat(s), 0
	}
	return parseFloat(s[:i]), parseFloat(s[i+1:])
}

func parseWMTSLayer(n *node, matrixSets map[string]*TileMatrixSet) *TileLayer {
	identifier := n.childText("Identifier")
	if identifier == "" {
		return nil
	}

	layer := &TileLayer{
		Identifier:         identifier,
		TileMode:           WMTS,
		Styles:             make(map[string]Style),
		Dimensions:         make(map[string]DimensionSpec),
		SetLinks:           make(map[string]TileMatrixSetLink),
		GetTileURLs:        make(map[string]string),
		GetFeatureInfoURLs: make(map[string]string),
	}

	bboxRect, bboxCRS, haveBBox := parseWMTSBoundingBox(n)

	for _, format := range n.childrenNamed("Format") {
		layer.Formats = append(layer.Formats, trimmed(format.text))
	}
	for _, infoFormat := range n.childrenNamed("InfoFormat") {
		layer.InfoFormats = append(layer.InfoFormats, trimmed(infoFormat.text))
	}

	for _, styleNode := range n.childrenNamed("Style") {
		id := styleNode.childText("Identifier")
		if id == "" {
			continue
		}
		style := Style{Identifier: id, Title: styleNode.childText("Title")}
		for _, legend := range styleNode.childrenNamed("LegendURL") {
			style.LegendURL = append(style.LegendURL, LegendURL{
				Format:         legend.attr("format"),
				Width:          parseInt(legend.attr("width")),
				Height:         parseInt(legend.attr("height")),
				OnlineResource: legend.attr("href"),
			})
		}
		layer.Styles[id] = style
		if parseBool(styleNode.attr("isDefault")) || layer.DefaultStyle == "" {
			layer.DefaultStyle = id
		}
	}
	if len(layer.Styles) == 0 {
		layer.Styles["default"] = Style{Identifier: "default"}
		layer.DefaultStyle = "default"
	}

	for _, dim := range n.childrenNamed("Dimension") {
		id := dim.childText("Identifier")
		if id == "" {
			continue
		}
		spec := DimensionSpec{Identifier: id, Default: dim.childText("Default")}
		for _, v := range dim.childrenNamed("Value") {
			spec.Values = append(spec.Values, trimmed(v.text))
		}
		layer.Dimensions[id] = spec
	}

	var firstSetID string
	for _, linkNode := range n.childrenNamed("TileMatrixSetLink") {
		setID := linkNode.childText("TileMatrixSet")
		if setID == "" {
			continue
		}
		if firstSetID == "" {
			firstSetID = setID
		}
		link := TileMatrixSetLink{TileMatrixSet: setID, Limits: make(map[string]MatrixLimits)}
		if limitsNode := linkNode.child("TileMatrixSetLimits"); limitsNode != nil {
			set := matrixSets[setID]
			for _, limitNode := range limitsNode.childrenNamed("TileMatrixLimits") {
				matrixID := limitNode.childText("TileMatrix")
				limit := MatrixLimits{
					MinRow: parseInt(limitNode.childText("MinTileRow")),
					MaxRow: parseInt(limitNode.childText("MaxTileRow")),
					MinCol: parseInt(limitNode.childText("MinTileCol")),
					MaxCol: parseInt(limitNode.childText("MaxTileCol")),
				}
				if validMatrixLimits(limit, matrixID, set) {
					link.Limits[matrixID] = limit
				}
			}
		}
		layer.SetLinks[setID] = link
	}

	if !haveBBox {
		if rect, rectCRS, ok := coarsestMatrixBoundingBox(matrixSets[firstSetID]); ok {
			bboxRect, bboxCRS, haveBBox = rect, rectCRS, true
		}
	}
	if !haveBBox {
		bboxRect, bboxCRS = crs.WholeWorld, crs.CRS84
	}
	layer.BoundingBox = bboxRect
	layer.BoundingBoxCRS = bboxCRS

	for _, res := range n.childrenNamed("ResourceURL") {
		format := res.attr("format")
		template := res.attr("template")
		if format == "" || template == "" {
			continue
		}
		switch res.attr("resourceType") {
		case "FeatureInfo":
			layer.GetFeatureInfoURLs[format] = template
		default:
			layer.GetTileURLs[format] = template
		}
	}

	return layer
}

// validMatrixLimits enforces: 0 <= min <= max < matrix{Width,Height},
// only then accepted.
func validMatrixLimits(limit MatrixLimits, matrixID string, set *TileMatrixSet) bool {
	if set == nil {
		return false
	}
	m, ok := set.ByIdentifier(matrixID)
	if !ok {
		return false
	}
	if !(0 <= limit.MinRow && limit.MinRow <= limit.MaxRow && limit.MaxRow < m.MatrixHeight) {
		return false
	}
	if !(0 <= limit.MinCol && limit.MinCol <= limit.MaxCol && limit.MaxCol < m.MatrixWidth) {
		return false
	}
	return true
}

// coarsestMatrixBoundingBox synthesises a bounding box from a
// TileMatrixSet's coarsest matrix (the full extent a zoomed-out client
// would request), covering the whole MatrixWidth x MatrixHeight grid of
// tiles at that matrix's resolution. Used when a Layer declares no
// WGS84BoundingBox or BoundingBox of its own.
func coarsestMatrixBoundingBox(set *TileMatrixSet) (crs.Rect, string, bool) {
	if set == nil {
		return crs.Rect{}, "", false
	}
	ordered := set.Ordered()
	if len(ordered) == 0 {
		return crs.Rect{}, "", false
	}
	resolutions := set.Resolutions()
	coarsest := ordered[len(ordered)-1]
	resolution := resolutions[len(resolutions)-1]

	width := resolution * float64(coarsest.TileWidth*coarsest.MatrixWidth)
	height := resolution * float64(coarsest.TileHeight*coarsest.MatrixHeight)
	rect := crs.Rect{
		MinX: coarsest.TopLeftX,
		MaxX: coarsest.TopLeftX + width,
		MinY: coarsest.TopLeftY - height,
		MaxY: coarsest.TopLeftY,
	}
	return rect, set.CRS, true
}

func parseWMTSBoundingBox(n *node) (crs.Rect, string, bool) {
	if bbox := n.child("WGS84BoundingBox"); bbox != nil {
		lower := parseTwoFloatsSpace(bbox.childText("LowerCorner"))
		upper := parseTwoFloatsSpace(bbox.childText("UpperCorner"))
		return crs.Rect{MinX: lower[0], MinY: lower[1], MaxX: upper[0], MaxY: upper[1]}, crs.CRS84, true
	}
	if bbox := n.child("BoundingBox"); bbox != nil {
		lower := parseTwoFloatsSpace(bbox.childText("LowerCorner"))
		upper := parseTwoFloatsSpace(bbox.childText("UpperCorner"))
		bboxCRS := bbox.attr("crs")
		return crs.Rect{MinX: lower[0], MinY: lower[1], MaxX: upper[0], MaxY: upper[1]}, bboxCRS, true
	}
	return crs.Rect{}, "", false
}

func parseTwoFloatsSpace(s string) [2]float64 {
	a, b := parseTwoFloats(s)
	return [2]float64{a, b}
}
