package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion(" 10, 20,300 ,40", 3)
	require.NoError(t, err)
	assert.Equal(t, Region{X: 10, Y: 20, Width: 300, Height: 40, Page: 3}, *r)
	assert.Equal(t, "Page 3 (10,20)", r.SourceLocation())

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "1,2,-3,4", "1,2,0,4"} {
		_, err := ParseRegion(bad, 1)
		assert.Error(t, err, bad)
	}
}

func TestCharacterCount(t *testing.T) {
	res := &ExtractionRunResult{Items: []ResultItem{{ItemName: "Panel LP-1"}, {ItemName: "Ø 50"}}}
	assert.Equal(t, 14, res.CharacterCount())
}
