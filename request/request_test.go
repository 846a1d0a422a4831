package request

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delta10/ogcprovider/capabilities"
	"github.com/delta10/ogcprovider/crs"
)

func parseQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query()
}

func TestBuildGetMapWMS111Basic(t *testing.T) {
	got, err := BuildGetMap(GetMapParams{
		BaseURL: "http://s/wms",
		Version: capabilities.WMS111,
		Layers:  []string{"L"},
		Styles:  []string{""},
		CRS:     "EPSG:4326",
		BBox:    crs.Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10},
		Width:   200, Height: 200,
		Format: "image/png",
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "WMS", q.Get("SERVICE"))
	assert.Equal(t, "1.1.1", q.Get("VERSION"))
	assert.Equal(t, "GetMap", q.Get("REQUEST"))
	assert.Equal(t, "-10,-10,10,10", q.Get("BBOX"))
	assert.Equal(t, "EPSG:4326", q.Get("SRS"))
	assert.Equal(t, "200", q.Get("WIDTH"))
	assert.Equal(t, "200", q.Get("HEIGHT"))
	assert.Equal(t, "L", q.Get("LAYERS"))
	assert.Equal(t, "image/png", q.Get("FORMAT"))
	assert.Equal(t, "TRUE", q.Get("TRANSPARENT"))
}

func TestBuildGetMapWMS130AxisSwap(t *testing.T) {
	// EPSG:4326 is axis-inverted in 1.3.0
	got, err := BuildGetMap(GetMapParams{
		BaseURL:     "http://s/wms",
		Version:     capabilities.WMS130,
		Layers:      []string{"L"},
		Styles:      []string{""},
		CRS:         "EPSG:4326",
		CRSInverted: true,
		BBox:        crs.Rect{MinX: -10, MinY: -20, MaxX: 10, MaxY: 20},
		Width:       200, Height: 200,
		Format: "image/png",
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "EPSG:4326", q.Get("CRS"))
	assert.Equal(t, "-20,-10,20,10", q.Get("BBOX"))
}

func TestBuildGetMapInvertAxisOverrideFlipsBack(t *testing.T) {
	got, err := BuildGetMap(GetMapParams{
		BaseURL:     "http://s/wms",
		Version:     capabilities.WMS130,
		Layers:      []string{"L"},
		CRS:         "EPSG:4326",
		CRSInverted: true,
		InvertAxis:  true,
		BBox:        crs.Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10},
		Width:       200, Height: 200,
		Format: "image/png",
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "-10,-10,10,10", q.Get("BBOX"))
}

func TestBuildGetMapTransparencyGatedByFormat(t *testing.T) {
	jpeg, err := BuildGetMap(GetMapParams{BaseURL: "http://s/wms", Format: "image/jpeg", Layers: []string{"L"}})
	require.NoError(t, err)
	assert.Empty(t, parseQuery(t, jpeg).Get("TRANSPARENT"))

	sentinel, err := BuildGetMap(GetMapParams{BaseURL: "http://s/wms", Format: "image/x-jpegorpng", Layers: []string{"L"}})
	require.NoError(t, err)
	assert.Equal(t, "TRUE", parseQuery(t, sentinel).Get("TRANSPARENT"))
}

func TestBuildGetMapDPIAllModes(t *testing.T) {
	got, err := BuildGetMap(GetMapParams{
		BaseURL: "http://s/wms", Format: "image/png", Layers: []string{"L"},
		DPI: 192, DPIMode: DPIAll,
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "192", q.Get("DPI"))
	assert.Equal(t, "192", q.Get("MAP_RESOLUTION"))
	assert.Equal(t, "dpi:192", q.Get("FORMAT_OPTIONS"))
}

func TestBuildGetMapWMSCTiled(t *testing.T) {
	got, err := BuildGetMap(GetMapParams{BaseURL: "http://s/wms", Format: "image/png", Layers: []string{"L"}, Tiled: true})
	require.NoError(t, err)
	assert.Equal(t, "true", parseQuery(t, got).Get("TILED"))
}

func TestBuildGetMapMergesCaseInsensitivelyWithBaseURLQuery(t *testing.T) {
	got, err := BuildGetMap(GetMapParams{
		BaseURL: "http://s/wms?service=WMS&map=/etc/mapserver/foo.map",
		Layers:  []string{"L"}, Styles: []string{""}, Format: "image/png",
	})
	require.NoError(t, err)
	q := parseQuery(t, got)

	assert.Equal(t, "WMS", q.Get("SERVICE"))
	assert.Empty(t, q.Get("service"))
	assert.Equal(t, "/etc/mapserver/foo.map", q.Get("map"))
}

func TestBuildGetTileKVP(t *testing.T) {
	got, err := BuildGetTileKVP(GetTileKVPParams{
		BaseURL: "http://s/wmts", Version: "1.0.0", Layer: "L", Style: "default",
		Format: "image/png", TileMatrixSet: "g", TileMatrix: "5", TileRow: 3, TileCol: 7,
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "WMTS", q.Get("SERVICE"))
	assert.Equal(t, "GetTile", q.Get("REQUEST"))
	assert.Equal(t, "g", q.Get("TILEMATRIXSET"))
	assert.Equal(t, "5", q.Get("TILEMATRIX"))
	assert.Equal(t, "3", q.Get("TILEROW"))
	assert.Equal(t, "7", q.Get("TILECOL"))
}

func TestBuildGetTileREST(t *testing.T) {
	tpl := "http://s/{style}/{tilematrixset}/{tilematrix}/{tilerow}/{tilecol}.png"
	got, err := BuildGetTileREST(tpl, "s", "g", "5", 3, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://s/s/g/5/3/7.png", got)
}

func TestBuildGetFeatureInfoCarriesFeatureCountAndInfoFormat(t *testing.T) {
	got, err := BuildGetFeatureInfo(GetFeatureInfoParams{
		GetMapParams: GetMapParams{BaseURL: "http://s/wms", Format: "image/png", Layers: []string{"L"}},
		QueryLayers:  []string{"L"},
		X:            10, Y: 20,
		InfoFormat:   "text/plain",
		FeatureCount: 5,
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "GetFeatureInfo", q.Get("REQUEST"))
	assert.Equal(t, "L", q.Get("QUERY_LAYERS"))
	assert.Equal(t, "text/plain", q.Get("INFO_FORMAT"))
	assert.Equal(t, "5", q.Get("FEATURE_COUNT"))
}

func TestBuildGetLegendGraphicWithRuleAndScale(t *testing.T) {
	got, err := BuildGetLegendGraphic(GetLegendGraphicParams{
		BaseURL: "http://s/wms", Version: capabilities.WMS130, Layer: "L", Format: "image/png",
		Rule: "rule1", Scale: 5000,
	})
	require.NoError(t, err)
	q := parseQuery(t, got)
	assert.Equal(t, "GetLegendGraphic", q.Get("REQUEST"))
	assert.Equal(t, "rule1", q.Get("RULE"))
	assert.Equal(t, "5000", q.Get("SCALE"))
}
