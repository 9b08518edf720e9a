package divisions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ElectricalPanel(t *testing.T) {
	available := []Division{
		{ID: 1, Code: "03", Name: "Concrete"},
		{ID: 2, Code: "26", Name: "Electrical"},
	}

	got := Classify("Electrical panel", "", available)

	assert.Equal(t, "26", got.Code)
	assert.Equal(t, 2, got.ID)
}

func TestClassify_SeedExamples(t *testing.T) {
	available := Seed()

	tests := []struct {
		item     string
		wantCode string
	}{
		{"Steel W18x35 Beam", "05 00 00"},
		{"AHU-1: 5 Ton RTU", "23 00 00"},
		{"Door Type A: 3'-0\" x 7'-0\" Wood", "08 00 00"},
		{"6\" CMU Block, 8' High", "04 00 00"},
		{"LED Light Fixture Type L1", "26 00 00"},
		{"Gypsum board ceiling", "09 00 00"},
		{"Wet pipe sprinkler head", "21 00 00"},
		{"#5 rebar @ 12\" o.c.", "03 00 00"},
		{"Electrical conductor", "26 00 00"},
		{"Copper conductor #12 AWG", "26 00 00"},
		{"Hollow metal door", "08 00 00"},
		{"Steel door frame", "08 00 00"},
		{"Metal window frame", "08 00 00"},
		{"Supply ductwork 24x12", "23 00 00"},
		{"VAV box VAV-3", "23 00 00"},
		{"Cat6 data outlet", "27 00 00"},
		{"Ceramic floor tile", "09 00 00"},
		{"Hydraulic lift", "14 00 00"},
		{"Wheelchair lift", "14 00 00"},
	}

	for _, tt := range tests {
		t.Run(tt.item, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, Classify(tt.item, "", available).Code)
		})
	}
}

func TestClassify_FallsThroughWhenPrefixUnavailable(t *testing.T) {
	// "steel door" hits the openings rule first, but only metals is available
	available := []Division{
		{ID: 5, Code: "05 00 00", Name: "Metals"},
		{ID: 9, Code: "09 00 00", Name: "Finishes"},
	}

	got := Classify("Hollow steel door", "", available)

	assert.Equal(t, 5, got.ID)
}

func TestClassify_KeywordsMatchWordStarts(t *testing.T) {
	available := Seed()

	for _, item := range []string{
		"Product data sheet",
		"Textile wall covering sample",
		"Forklift access note",
		"Shahu residence title block",
	} {
		t.Run(item, func(t *testing.T) {
			assert.Equal(t, Default(available), Classify(item, "", available))
		})
	}
}

func TestClassify_MasonryWithoutDivision04(t *testing.T) {
	available := []Division{
		{ID: 1, Code: "03", Name: "Concrete"},
		{ID: 2, Code: "09", Name: "Finishes"},
	}

	assert.Equal(t, "03", Classify("Masonry veneer", "", available).Code)
}

func TestClassify_NoMatchReturnsFirst(t *testing.T) {
	available := []Division{
		{ID: 11, Code: "22", Name: "Plumbing"},
		{ID: 12, Code: "26", Name: "Electrical"},
	}

	assert.Equal(t, 11, Classify("Sheet A-101 title block", "", available).ID)
}

func TestClassify_EmptyTaxonomyReturnsGeneral(t *testing.T) {
	got := Classify("Electrical panel", "", nil)

	assert.Equal(t, "00", got.Code)
	assert.Equal(t, "General", got.Name)
}

func TestClassify_UsesCategoryAfterName(t *testing.T) {
	available := Seed()

	got := Classify("Type P-2", "plumbing", available)

	assert.Equal(t, "22 00 00", got.Code)
}

func TestClassifyWithDefault_PreferredWhenNoRule(t *testing.T) {
	available := Seed()
	preferred := Division{ID: 10, Code: "09 00 00", Name: "09 - Finishes"}

	assert.Equal(t, preferred, ClassifyWithDefault("Note 4", "", available, &preferred))
	// a keyword hit still wins over the preferred division
	assert.Equal(t, "26 00 00", ClassifyWithDefault("Lighting panel LP-1", "", available, &preferred).Code)
}

func TestClassify_Deterministic(t *testing.T) {
	available := Seed()
	first := Classify("Copper pipe and ductwork", "", available)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify("Copper pipe and ductwork", "", available))
	}
	assert.Equal(t, "22 00 00", first.Code)
}
