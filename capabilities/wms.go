package capabilities

import (
	"github.com/delta10/ogcprovider/crs"
)

// parseWMS walks a WMS_Capabilities (1.3.0) or WMT_MS_Capabilities (1.1.1)
// tree. Service / ows:ServiceIdentification / ows:ServiceProvider populate
// ServiceMetadata and Capability populates Capability; an
// OperationsMetadata element is not read here (parseWMTS handles it for
// WMTS documents).
func parseWMS(root *node, version Version, transformer crs.Transformer) (*Capabilities, error) {
	caps := &Capabilities{Version: version}

	if svc := root.child("Service"); svc != nil {
		caps.Service = parseServiceMetadata(svc)
	}
	if identification := root.child("ServiceIdentification"); identification != nil {
		mergeServiceIdentification(&caps.Service, identification)
	}
	if provider := root.child("ServiceProvider"); provider != nil {
		mergeServiceProvider(&caps.Service, provider)
	}

	if cap := root.child("Capability"); cap != nil {
		caps.Capability = parseWMSCapability(cap)

		rootLayers := cap.childrenNamed("Layer")
		orderID := 0
		for _, layerNode := range rootLayers {
			layer := parseLayer(layerNode, nil, &orderID, transformer)
			caps.Layers = append(caps.Layers, layer)
		}

		if vendor := cap.child("VendorSpecificCapabilities"); vendor != nil {
			parseWMSCVendorCapabilities(vendor, caps)
		}
	}

	return caps, nil
}

func parseServiceMetadata(svc *node) ServiceMetadata {
	m := ServiceMetadata{
		Title:             svc.childText("Title"),
		Abstract:          svc.childText("Abstract"),
		Fees:              svc.childText("Fees"),
		AccessConstraints: svc.childText("AccessConstraints"),
	}
	if kw := svc.child("KeywordList"); kw != nil {
		for _, k := range kw.childrenNamed("Keyword") {
			m.KeywordList = append(m.KeywordList, trimmed(k.text))
		}
	}
	if contact := svc.child("ContactInformation"); contact != nil {
		if primary := contact.child("ContactPersonPrimary"); primary != nil {
			m.ContactPerson = primary.childText("ContactPerson")
			m.ContactOrg = primary.childText("ContactOrganization")
		}
	}
	if v := svc.childText("MaxWidth"); v != "" {
		m.MaxWidth = parseInt(v)
	}
	if v := svc.childText("MaxHeight"); v != "" {
		m.MaxHeight = parseInt(v)
	}
	if v := svc.childText("LayerLimit"); v != "" {
		m.MaxLayers = parseInt(v)
	}
	return m
}

func mergeServiceIdentification(m *ServiceMetadata, n *node) {
	if v := n.childText("Title"); v != "" {
		m.Title = v
	}
	if v := n.childText("Abstract"); v != "" {
		m.Abstract = v
	}
	if v := n.childText("Fees"); v != "" {
		m.Fees = v
	}
	if v := n.childText("AccessConstraints"); v != "" {
		m.AccessConstraints = v
	}
	if kw := n.child("Keywords"); kw != nil {
		for _, k := range kw.childrenNamed("Keyword") {
			m.KeywordList = append(m.KeywordList, trimmed(k.text))
		}
	}
}

func mergeServiceProvider(m *ServiceMetadata, n *node) {
	if v := n.childText("ProviderName"); v != "" && m.ContactOrg == "" {
		m.ContactOrg = v
	}
	if contact := n.child("ServiceContact"); contact != nil {
		if v := contact.childText("IndividualName"); v != "" {
			m.ContactPerson = v
		}
	}
}

func trimmed(s string) string {
	out := make([]byte, 0, len(s))
	inWS := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		isSpace := c == ' ' || c == '\t' || c == '\n' || c == '\r'
		if isSpace && inWS {
			continue
		}
		inWS = isSpace
		out = append(out, c)
	}
	for len(out) > 0 && (out[len(out)-1] == ' ' || out[len(out)-1] == '\t' || out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return string(out)
}

// parseWMSCapability reads Request/Exception under a WMS 1.1.1/1.3.0
// Capability element. WMTS OperationsMetadata is read by
// parseWMTSOperations instead.
func parseWMSCapability(cap *node) Capability {
	var out Capability
	if req := cap.child("Request"); req != nil {
		if gm := req.child("GetMap"); gm != nil {
			out.GetMap = parseOperationType(gm)
		}
		if gfi := req.child("GetFeatureInfo"); gfi != nil {
			out.GetFeatureInfo = parseOperationType(gfi)
		}
		if glg := req.child("GetLegendGraphic"); glg != nil {
			out.GetLegendGraphic = parseOperationType(glg)
		}
	}
	if exc := cap.child("Exception"); exc != nil {
		for _, f := range exc.childrenNamed("Format") {
			out.ExceptionFormats = append(out.ExceptionFormats, trimmed(f.text))
		}
	}
	return out
}

func parseOperationType(op *node) OperationType {
	var out OperationType
	for _, f := range op.childrenNamed("Format") {
		out.Formats = append(out.Formats, trimmed(f.text))
	}
	for _, dcpType := range op.childrenNamed("DCPType") {
		http := dcpType.child("HTTP")
		if http == nil {
			continue
		}
		var ep DCPEndpoint
		if get := http.child("Get"); get != nil {
			ep.GetURL = onlineResourceHref(get)
		}
		if post := http.child("Post"); post != nil {
			ep.PostURL = onlineResourceHref(post)
		}
		out.DCP = append(out.DCP, ep)
	}
	// WMTS-shaped ows:Operation/ows:DCP/ows:HTTP/ows:Get with
	// ows:Constraint AllowedValues for encoding negotiation.
	for _, dcp := range op.childrenNamed("DCP") {
		http := dcp.child("HTTP")
		if http == nil {
			continue
		}
		for _, get := range http.childrenNamed("Get") {
			ep := DCPEndpoint{GetURL: get.attr("href")}
			if constraint := get.child("Constraint"); constraint != nil {
				ep.AllowedEncodings = allowedValues(constraint)
			}
			out.DCP = append(out.DCP, ep)
		}
		for _, post := range http.childrenNamed("Post") {
			out.DCP = append(out.DCP, DCPEndpoint{PostURL: post.attr("href")})
		}
	}
	return out
}

func allowedValues(constraint *node) map[string]bool {
	allowed := constraint.child("AllowedValues")
	if allowed == nil {
		return nil
	}
	out := make(map[string]bool)
	for _, v := range allowed.childrenNamed("Value") {
		out[trimmed(v.text)] = true
	}
	return out
}

func onlineResourceHref(n *node) string {
	if res := n.child("OnlineResource"); res != nil {
		if href := res.attr("href"); href != "" {
			return href
		}
	}
	return n.attr("href")
}

// parseLayer assigns a monotonically increasing orderId, inherits
// {style, crs, boundingBox, geographicBoundingBox} from parent before
// reading element children, and recurses into nested Layers.
func parseLayer(n *node, parent *LayerProperty, orderID *int, transformer crs.Transformer) *LayerProperty {
	l := &LayerProperty{OrderID: *orderID}
	*orderID++

	if parent != nil {
		l.applyInherited(parent.inheritableSnapshot())
	} else {
		l.CRS = make(map[string]bool)
	}

	l.Name = n.childText("Name")
	l.Title = n.childText("Title")
	l.Abstract = n.childText("Abstract")
	l.Queryable = parseBool(n.attr("queryable"))
	l.Opaque = parseBool(n.attr("opaque"))
	l.Cascaded = parseBool(n.attr("cascaded"))
	l.NoSubsets = parseBool(n.attr("noSubsets"))
	if fw := n.attr("fixedWidth"); fw != "" {
		l.FixedWidth = parseInt(fw)
	}
	if fh := n.attr("fixedHeight"); fh != "" {
		l.FixedHeight = parseInt(fh)
	}

	if kw := n.child("KeywordList"); kw != nil {
		for _, k := range kw.childrenNamed("Keyword") {
			l.KeywordList = append(l.KeywordList, trimmed(k.text))
		}
	}

	for _, c := range n.childrenNamed("CRS") {
		l.CRS[trimmed(c.text)] = true
	}
	for _, c := range n.childrenNamed("SRS") {
		l.CRS[trimmed(c.text)] = true
	}

	if llbb := n.child("LatLonBoundingBox"); llbb != nil {
		rect := crs.Rect{
			MinX: parseFloat(llbb.attr("minx")),
			MinY: parseFloat(llbb.attr("miny")),
			MaxX: parseFloat(llbb.attr("maxx")),
			MaxY: parseFloat(llbb.attr("maxy")),
		}
		declaredCRS := llbb.attr("SRS")
		if declaredCRS == "" {
			declaredCRS = llbb.attr("CRS")
		}
		if declaredCRS == "" || declaredCRS == crs.CRS84 {
			l.GeographicBoundingBox = rect
			l.HasGeographicBoundingBox = true
		} else if transformed, err := transformer.Transform(rect, declaredCRS, crs.CRS84); err == nil {
			l.GeographicBoundingBox = transformed
			l.HasGeographicBoundingBox = true
		}
	}

	if egbb := n.child("EX_GeographicBoundingBox"); egbb != nil {
		l.GeographicBoundingBox = crs.Rect{
			MinX: parseFloat(egbb.childText("westBoundLongitude")),
			MinY: parseFloat(egbb.childText("southBoundLatitude")),
			MaxX: parseFloat(egbb.childText("eastBoundLongitude")),
			MaxY: parseFloat(egbb.childText("northBoundLatitude")),
		}
		l.HasGeographicBoundingBox = true
	}

	for _, bb := range n.childrenNamed("BoundingBox") {
		entryCRS := bb.attr("CRS")
		if entryCRS == "" {
			entryCRS = bb.attr("SRS")
		}
		entry := BoundingBoxEntry{
			CRS: entryCRS,
			Rect: crs.Rect{
				MinX: parseFloat(bb.attr("minx")),
				MinY: parseFloat(bb.attr("miny")),
				MaxX: parseFloat(bb.attr("maxx")),
				MaxY: parseFloat(bb.attr("maxy")),
			},
		}
		l.BoundingBox = upsertBoundingBox(l.BoundingBox, entry)
	}

	for _, styleNode := range n.childrenNamed("Style") {
		style := StyleProperty{
			Name:     styleNode.childText("Name"),
			Title:    styleNode.childText("Title"),
			Abstract: styleNode.childText("Abstract"),
		}
		for _, legend := range styleNode.childrenNamed("LegendURL") {
			style.LegendURL = append(style.LegendURL, LegendURL{
				Format:         legend.childText("Format"),
				Width:          parseInt(legend.attr("width")),
				Height:         parseInt(legend.attr("height")),
				OnlineResource: onlineResourceHref(legend),
			})
		}
		l.Style = upsertStyle(l.Style, style)
	}

	for _, child := range n.childrenNamed("Layer") {
		l.Children = append(l.Children, parseLayer(child, l, orderID, transformer))
	}

	return l
}

// upsertBoundingBox replaces an inherited entry for the same CRS with a
// locally re-declared one, implementing "a parent may be overridden by a
// child only by re-declaration".
func upsertBoundingBox(existing []BoundingBoxEntry, entry BoundingBoxEntry) []BoundingBoxEntry {
	for i, e := range existing {
		if e.CRS == entry.CRS {
			existing[i] = entry
			return existing
		}
	}
	return append(existing, entry)
}

func upsertStyle(existing []StyleProperty, style StyleProperty) []StyleProperty {
	for i, s := range existing {
		if s.Name == style.Name {
			existing[i] = style
			return existing
		}
	}
	return append(existing, style)
}
