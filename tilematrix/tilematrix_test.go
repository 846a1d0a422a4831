package tilematrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delta10/ogcprovider/capabilities"
	"github.com/delta10/ogcprovider/crs"
)

func buildSet() *capabilities.TileMatrixSet {
	set := capabilities.NewTileMatrixSet("test", "EPSG:3857")
	set.Insert(1, &capabilities.TileMatrix{
		Identifier: "fine", TopLeftX: -100, TopLeftY: 100,
		TileWidth: 10, TileHeight: 10, MatrixWidth: 20, MatrixHeight: 20,
	})
	set.Insert(2, &capabilities.TileMatrix{
		Identifier: "coarse", TopLeftX: -100, TopLeftY: 100,
		TileWidth: 10, TileHeight: 10, MatrixWidth: 10, MatrixHeight: 10,
	})
	return set
}

func TestSelectPicksNearestResolutionBiasedFiner(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}

	// vres=1.3: |1.3-2|=0.7, |1.3-1|=0.3, so the finer(1) neighbour wins
	// (it is strictly closer).
	plan := Select(set, 1.3, view, nil)
	require.NotNil(t, plan.Matrix)
	assert.Equal(t, "fine", plan.Matrix.Identifier)
}

func TestSelectFallsBackToCoarsestWhenFinerThanAll(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}
	plan := Select(set, 0.1, view, nil)
	require.NotNil(t, plan.Matrix)
	assert.Equal(t, "coarse", plan.Matrix.Identifier, "coarsest matrix is used when vres is below every resolution")
}

func TestSelectMonotonicity(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}

	coarse := Select(set, 5, view, nil)
	fine := Select(set, 0.5, view, nil)
	assert.GreaterOrEqual(t, coarse.Resolution, fine.Resolution, "matrix selection never gets coarser as vres strictly decreases")
}

func TestCoveringRangeRowMajorOrder(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -100, MinY: 80, MaxX: -80, MaxY: 100}
	plan := Select(set, 2, view, nil)
	require.False(t, plan.Overflow)
	require.NotEmpty(t, plan.Tiles)
	for i := 1; i < len(plan.Tiles); i++ {
		prev, cur := plan.Tiles[i-1], plan.Tiles[i]
		assert.True(t, cur.Row > prev.Row || (cur.Row == prev.Row && cur.Col >= prev.Col), "tiles must be in row-major order")
	}
}

func TestCoveringRangeClampsToLimits(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -100, MinY: 0, MaxX: 0, MaxY: 100}
	limits := &capabilities.MatrixLimits{MinRow: 0, MaxRow: 1, MinCol: 0, MaxCol: 1}
	plan := Select(set, 2, view, limits)
	require.False(t, plan.Overflow)
	for _, tile := range plan.Tiles {
		assert.LessOrEqual(t, tile.Row, 1)
		assert.LessOrEqual(t, tile.Col, 1)
	}
}

func TestCoveringRangeOverflowAbortsAt100Tiles(t *testing.T) {
	set := capabilities.NewTileMatrixSet("huge", "EPSG:3857")
	set.Insert(1, &capabilities.TileMatrix{
		Identifier: "huge", TopLeftX: 0, TopLeftY: 1000,
		TileWidth: 1, TileHeight: 1, MatrixWidth: 1000, MatrixHeight: 1000,
	})
	view := crs.Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
	plan := Select(set, 1, view, nil)
	assert.True(t, plan.Overflow)
	assert.Empty(t, plan.Tiles)
}

func TestTileRangeIdempotence(t *testing.T) {
	set := buildSet()
	view := crs.Rect{MinX: -100, MinY: 80, MaxX: -80, MaxY: 100}
	first := Select(set, 2, view, nil)
	second := Select(set, 2, view, nil)
	assert.Equal(t, first.Tiles, second.Tiles)
}

func TestSynthesizeNonTiled(t *testing.T) {
	extent := crs.Rect{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 500}
	m := tilematrixSynthesize(extent)
	assert.Equal(t, 0.0, m.TopLeftX)
	assert.Equal(t, 500.0, m.TopLeftY)
	assert.GreaterOrEqual(t, m.MatrixWidth, 1)
	assert.GreaterOrEqual(t, m.MatrixHeight, 1)
}

func tilematrixSynthesize(extent crs.Rect) *capabilities.TileMatrix {
	return SynthesizeNonTiled(extent, 500, 500, 1)
}
