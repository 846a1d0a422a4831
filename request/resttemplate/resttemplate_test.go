package resttemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandSubstitutesKnownPlaceholders(t *testing.T) {
	tpl := "http://s/{style}/{tilematrixset}/{tilematrix}/{tilerow}/{tilecol}.png"
	got, err := Expand(tpl, map[string]string{
		"style": "s", "tilematrixset": "g", "tilematrix": "5", "tilerow": "3", "tilecol": "7",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://s/s/g/5/3/7.png", got)
}

func TestExpandIsCaseInsensitive(t *testing.T) {
	tpl := "http://s/{Style}/{TileMatrix}.png"
	got, err := Expand(tpl, map[string]string{"style": "s", "tilematrix": "5"})
	require.NoError(t, err)
	assert.Equal(t, "http://s/s/5.png", got)
}

func TestExpandLeavesUnknownPlaceholderUntouched(t *testing.T) {
	tpl := "http://s/{TIME}/{tilerow}.png"
	got, err := Expand(tpl, map[string]string{"tilerow": "3"})
	require.NoError(t, err)
	assert.Equal(t, "http://s/{TIME}/3.png", got)
}

func TestExpandUnbalancedBracesErrors(t *testing.T) {
	_, err := Expand("http://s/{tilerow.png", nil)
	assert.Error(t, err)
}
