package crs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveSwap(t *testing.T) {
	cases := []struct {
		name                                                              string
		versionAtLeast13, ignoreAxis, invertAxis, crsInverted, wantResult bool
	}{
		{"1.3.0 inverted crs, no overrides", true, false, false, true, true},
		{"1.3.0 inverted crs, invert override flips back", true, false, true, true, false},
		{"1.3.0 inverted crs, ignore suppresses swap", true, true, false, true, false},
		{"1.1.1 never swaps regardless of crs", false, false, false, true, false},
		{"1.3.0 non-inverted crs never swaps", true, false, false, false, false},
		{"1.3.0 non-inverted crs with invert forces swap", true, false, true, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveSwap(tc.versionAtLeast13, tc.ignoreAxis, tc.invertAxis, tc.crsInverted)
			assert.Equal(t, tc.wantResult, got)
		})
	}
}

func TestRegistryAxisInverted(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.AxisInverted("EPSG:4326"))
	assert.False(t, r.AxisInverted("EPSG:3857"))
	assert.False(t, r.AxisInverted("CRS:84"), "CRS:84 is always lon/lat")

	r.Register("EPSG:9999", true)
	assert.True(t, r.AxisInverted("epsg:9999"), "lookups are case-insensitive")
}

func TestRectUnionAndIntersect(t *testing.T) {
	a := Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Rect{MinX: 5, MinY: 5, MaxX: 15, MaxY: 15}

	u := a.Union(b)
	assert.Equal(t, Rect{MinX: 0, MinY: 0, MaxX: 15, MaxY: 15}, u)

	i, ok := a.Intersect(b)
	assert.True(t, ok)
	assert.Equal(t, Rect{MinX: 5, MinY: 5, MaxX: 10, MaxY: 10}, i)

	_, ok = a.Intersect(Rect{MinX: 20, MinY: 20, MaxX: 30, MaxY: 30})
	assert.False(t, ok)
}

func TestRectFinite(t *testing.T) {
	assert.True(t, Rect{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1}.Finite())
	nan := 0.0
	nan = nan / nan
	assert.False(t, Rect{MinX: nan, MaxX: 1, MaxY: 1}.Finite())
}

func TestMetersPerUnit(t *testing.T) {
	assert.InDelta(t, 111319.49, MetersPerUnit("EPSG:4326"), 0.01)
	assert.Equal(t, 1.0, MetersPerUnit("EPSG:3857"))
}
