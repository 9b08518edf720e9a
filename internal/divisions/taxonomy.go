package divisions

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// taxonomyFile is the YAML layout accepted by LoadTaxonomy.
type taxonomyFile struct {
	Divisions []Division `yaml:"divisions"`
}

var seed = []Division{
	{ID: 1, Code: "00 00 00", Name: "00 - Procurement and Contracting Requirements", Color: "#6B7280"},
	{ID: 2, Code: "01 00 00", Name: "01 - General Requirements", Color: "#374151"},
	{ID: 3, Code: "02 00 00", Name: "02 - Existing Conditions", Color: "#1F2937"},
	{ID: 4, Code: "03 00 00", Name: "03 - Concrete", Color: "#7C2D12"},
	{ID: 5, Code: "04 00 00", Name: "04 - Masonry", Color: "#A16207"},
	{ID: 6, Code: "05 00 00", Name: "05 - Metals", Color: "#4B5563"},
	{ID: 7, Code: "06 00 00", Name: "06 - Wood, Plastics, and Composites", Color: "#92400E"},
	{ID: 8, Code: "07 00 00", Name: "07 - Thermal and Moisture Protection", Color: "#1E40AF"},
	{ID: 9, Code: "08 00 00", Name: "08 - Openings", Color: "#7C3AED"},
	{ID: 10, Code: "09 00 00", Name: "09 - Finishes", Color: "#BE185D"},
	{ID: 11, Code: "10 00 00", Name: "10 - Specialties", Color: "#059669"},
	{ID: 12, Code: "11 00 00", Name: "11 - Equipment", Color: "#DC2626"},
	{ID: 13, Code: "12 00 00", Name: "12 - Furnishings", Color: "#7C2D12"},
	{ID: 14, Code: "13 00 00", Name: "13 - Special Construction", Color: "#1565C0"},
	{ID: 15, Code: "14 00 00", Name: "14 - Conveying Equipment", Color: "#5B21B6"},
	{ID: 16, Code: "21 00 00", Name: "21 - Fire Suppression", Color: "#DC2626"},
	{ID: 17, Code: "22 00 00", Name: "22 - Plumbing", Color: "#1976D2"},
	{ID: 18, Code: "23 00 00", Name: "23 - Heating Ventilating and Air Conditioning", Color: "#388E3C"},
	{ID: 19, Code: "25 00 00", Name: "25 - Integrated Automation", Color: "#512DA8"},
	{ID: 20, Code: "26 00 00", Name: "26 - Electrical", Color: "#FFB300"},
	{ID: 21, Code: "27 00 00", Name: "27 - Communications", Color: "#00796B"},
	{ID: 22, Code: "28 00 00", Name: "28 - Electronic Safety and Security", Color: "#C62828"},
	{ID: 23, Code: "31 00 00", Name: "31 - Earthwork", Color: "#8D6E63"},
	{ID: 24, Code: "32 00 00", Name: "32 - Exterior Improvements", Color: "#689F38"},
	{ID: 25, Code: "33 00 00", Name: "33 - Utilities", Color: "#0288D1"},
	{ID: 26, Code: "34 00 00", Name: "34 - Transportation", Color: "#455A64"},
	{ID: 27, Code: "35 00 00", Name: "35 - Waterway and Marine Construction", Color: "#0097A7"},
	{ID: 28, Code: "40 00 00", Name: "40 - Process Integration", Color: "#5E35B1"},
	{ID: 29, Code: "41 00 00", Name: "41 - Material Processing and Handling Equipment", Color: "#8E24AA"},
	{ID: 30, Code: "42 00 00", Name: "42 - Process Heating, Cooling, and Drying Equipment", Color: "#D81B60"},
	{ID: 31, Code: "43 00 00", Name: "43 - Process Gas and Liquid Handling, Purification Equipment", Color: "#00ACC1"},
	{ID: 32, Code: "44 00 00", Name: "44 - Pollution Control Equipment", Color: "#43A047"},
	{ID: 33, Code: "45 00 00", Name: "45 - Industry-Specific Manufacturing Equipment", Color: "#FB8C00"},
	{ID: 34, Code: "46 00 00", Name: "46 - Water and Wastewater Equipment", Color: "#3949AB"},
	{ID: 35, Code: "47 00 00", Name: "47 - Energy Generation", Color: "#FFD54F"},
	{ID: 36, Code: "48 00 00", Name: "48 - Electrical Power Generation", Color: "#FF7043"},
}

// Seed returns a copy of the built-in taxonomy.
func Seed() []Division {
	out := make([]Division, len(seed))
	copy(out, seed)
	return out
}

// LoadTaxonomy reads a YAML taxonomy file. An empty path returns the built-in seed.
func LoadTaxonomy(path string) ([]Division, error) {
	if strings.TrimSpace(path) == "" {
		return Seed(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}

	return ParseTaxonomy(data)
}

// ParseTaxonomy decodes and validates a YAML taxonomy document.
func ParseTaxonomy(data []byte) ([]Division, error) {
	var file taxonomyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}

	if len(file.Divisions) == 0 {
		return nil, fmt.Errorf("taxonomy has no divisions")
	}

	seenIDs := make(map[int]bool, len(file.Divisions))
	for i, d := range file.Divisions {
		if strings.TrimSpace(d.Code) == "" {
			return nil, fmt.Errorf("division %d: code is required", i)
		}
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("division %q: name is required", d.Code)
		}
		if seenIDs[d.ID] {
			return nil, fmt.Errorf("division %q: duplicate id %d", d.Code, d.ID)
		}
		seenIDs[d.ID] = true
	}

	return file.Divisions, nil
}
