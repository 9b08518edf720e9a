package divisions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeed_ReturnsCopy(t *testing.T) {
	a := Seed()
	a[0].Name = "mutated"

	assert.NotEqual(t, "mutated", Seed()[0].Name)
}

func TestLoadTaxonomy_EmptyPathUsesSeed(t *testing.T) {
	got, err := LoadTaxonomy("")
	require.NoError(t, err)
	assert.Equal(t, Seed(), got)
}

func TestLoadTaxonomy_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	content := `divisions:
  - id: 1
    code: "03 00 00"
    name: "03 - Concrete"
    color: "#7C2D12"
  - id: 2
    code: "26 00 00"
    name: "26 - Electrical"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadTaxonomy(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "26 00 00", got[1].Code)
	assert.Equal(t, "#7C2D12", got[0].Color)
}

func TestParseTaxonomy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "divisions: []", "no divisions"},
		{"missing code", "divisions:\n  - id: 1\n    name: X\n", "code is required"},
		{"duplicate id", "divisions:\n  - {id: 1, code: '03', name: A}\n  - {id: 1, code: '05', name: B}\n", "duplicate id"},
		{"not yaml", "divisions: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTaxonomy([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMatch(t *testing.T) {
	available := []Division{
		{ID: 4, Code: "03 00 00", Name: "03 - Concrete"},
		{ID: 20, Code: "26 00 00", Name: "26 - Electrical"},
	}
	id := func(v int) *int { return &v }

	tests := []struct {
		name   string
		ref    Ref
		wantID int
		wantOK bool
	}{
		{"by id", Ref{ID: id(20)}, 20, true},
		{"by code when id unknown", Ref{ID: id(99), Code: "03 00 00"}, 4, true},
		{"by name containment", Ref{Name: "Electrical"}, 20, true},
		{"no match falls back to first", Ref{Name: "Plumbing"}, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.ref, available)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestParseID(t *testing.T) {
	available := Seed()

	d, ok := ParseID(available, " 20 ")
	require.True(t, ok)
	assert.Equal(t, "26 00 00", d.Code)

	_, ok = ParseID(available, "electrical")
	assert.False(t, ok)

	_, ok = ParseID(available, "999")
	assert.False(t, ok)
}

func TestDivision_Prefix(t *testing.T) {
	assert.Equal(t, "26", Division{Code: "26 00 00"}.Prefix())
	assert.Equal(t, "0", Division{Code: "0"}.Prefix())
}
