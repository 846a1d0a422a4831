// Package tilematrix implements the TileMatrixSelector: choosing a tile
// matrix at an appropriate resolution for a view, and computing the
// covering tile range.
package tilematrix

import (
	"math"

	"github.com/delta10/ogcprovider/capabilities"
	"github.com/delta10/ogcprovider/crs"
)

// MaxTiles is the per-draw tile count cap. A
// selection that would exceed it is reported via Plan.Overflow instead of
// being returned.
const MaxTiles = 100

// Tile is one covering tile: its (row, col) address in the chosen matrix
// and its map-space rectangle.
type Tile struct {
	Row, Col int
	MapRect  crs.Rect
}

// Plan is the TileMatrixSelector's output: the chosen matrix, its
// resolution, and the covering tiles in row-major dispatch order.
type Plan struct {
	Matrix     *capabilities.TileMatrix
	Resolution float64
	Tiles      []Tile
	Overflow   bool // true iff the covering range exceeds MaxTiles; Tiles is empty
}

func limitsOrFull(limits *capabilities.MatrixLimits, m *capabilities.TileMatrix) (minRow, maxRow, minCol, maxCol int) {
	if limits != nil {
		return limits.MinRow, limits.MaxRow, limits.MinCol, limits.MaxCol
	}
	return 0, m.MatrixHeight - 1, 0, m.MatrixWidth - 1
}

// pickResolutionIndex scans in ascending resolution order, picks the last
// matrix whose resolution is less than vres, then biases toward the next
// coarser neighbour if it is strictly closer. If no matrix has
// resolution <= vres, the coarsest (last) index is used.
func pickResolutionIndex(resolutions []float64, vres float64) int {
	chosen := 0
	for i, r := range resolutions {
		if r <= vres {
			chosen = i
		}
	}
	if resolutions[chosen] > vres {
		chosen = len(resolutions) - 1
	}
	if chosen+1 < len(resolutions) {
		curDiff := math.Abs(resolutions[chosen] - vres)
		nextDiff := math.Abs(resolutions[chosen+1] - vres)
		if nextDiff < curDiff {
			chosen++
		}
	}
	return chosen
}

// Select runs matrix selection followed by covering-range computation in
// one call: a view resolution and extent in, a Plan out.
func Select(set *capabilities.TileMatrixSet, vres float64, view crs.Rect, limits *capabilities.MatrixLimits) Plan {
	resolutions := set.Resolutions()
	ordered := set.Ordered()
	if len(ordered) == 0 {
		return Plan{}
	}

	idx := pickResolutionIndex(resolutions, vres)
	matrix := ordered[idx]
	tres := resolutions[idx]

	return coveringRangeAtResolution(matrix, tres, view, limits)
}

func coveringRangeAtResolution(matrix *capabilities.TileMatrix, tres float64, view crs.Rect, limits *capabilities.MatrixLimits) Plan {
	twMap := float64(matrix.TileWidth) * tres
	thMap := float64(matrix.TileHeight) * tres

	minRow, maxRow, minCol, maxCol := limitsOrFull(limits, matrix)

	col0 := clampInt(int(math.Floor((view.MinX-matrix.TopLeftX)/twMap)), minCol, maxCol)
	row0 := clampInt(int(math.Floor((matrix.TopLeftY-view.MaxY)/thMap)), minRow, maxRow)
	col1 := clampInt(int(math.Floor((view.MaxX-matrix.TopLeftX)/twMap)), minCol, maxCol)
	row1 := clampInt(int(math.Floor((matrix.TopLeftY-view.MinY)/thMap)), minRow, maxRow)

	if row0 > row1 {
		row0, row1 = row1, row0
	}
	if col0 > col1 {
		col0, col1 = col1, col0
	}

	count := (row1 - row0 + 1) * (col1 - col0 + 1)
	if count > MaxTiles {
		return Plan{Matrix: matrix, Resolution: tres, Overflow: true}
	}

	tiles := make([]Tile, 0, count)
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			rect := crs.Rect{
				MinX: matrix.TopLeftX + float64(col)*twMap,
				MinY: matrix.TopLeftY - float64(row+1)*thMap,
				MaxX: matrix.TopLeftX + float64(col+1)*twMap,
				MaxY: matrix.TopLeftY - float64(row)*thMap,
			}
			tiles = append(tiles, Tile{Row: row, Col: col, MapRect: rect})
		}
	}

	return Plan{Matrix: matrix, Resolution: tres, Tiles: tiles}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SynthesizeNonTiled builds the virtual single-matrix fallback used when a
// server caps the legal image size via maxWidth/maxHeight.
func SynthesizeNonTiled(layerExtent crs.Rect, maxWidth, maxHeight int, vres float64) *capabilities.TileMatrix {
	if maxWidth <= 0 {
		maxWidth = 2000
	}
	if maxHeight <= 0 {
		maxHeight = 2000
	}
	matrixWidth := int(math.Ceil(layerExtent.Width() / float64(maxWidth) / vres))
	matrixHeight := int(math.Ceil(layerExtent.Height() / float64(maxHeight) / vres))
	if matrixWidth < 1 {
		matrixWidth = 1
	}
	if matrixHeight < 1 {
		matrixHeight = 1
	}
	return &capabilities.TileMatrix{
		Identifier:   "synthetic-non-tiled",
		TopLeftX:     layerExtent.MinX,
		TopLeftY:     layerExtent.MaxY,
		TileWidth:    maxWidth,
		TileHeight:   maxHeight,
		MatrixWidth:  matrixWidth,
		MatrixHeight: matrixHeight,
	}
}
