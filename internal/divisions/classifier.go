package divisions

import (
	"regexp"
	"strings"
)

// rule maps a keyword set to a division code prefix. Keywords match at the start
// of a word, so "duct" finds "ductwork" but not "conductor".
type rule struct {
	prefix  string
	pattern *regexp.Regexp
}

// wholeWords are abbreviations that only count as a complete word
var wholeWords = map[string]bool{"ahu": true, "rtu": true, "vav": true, "cmu": true, "awg": true}

func newRule(prefix string, keywords ...string) rule {
	alts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		alt := `\b` + regexp.QuoteMeta(kw)
		if wholeWords[kw] {
			alt += `\b`
		}
		alts = append(alts, alt)
	}
	return rule{prefix: prefix, pattern: regexp.MustCompile(strings.Join(alts, "|"))}
}

// Order matters: the first rule with a keyword hit and an available division wins.
// Masonry resolves to 04 when the taxonomy has it and to 03 otherwise. Openings sit
// before metals and wood so "steel door" and "wood door" land in 08.
var rules = []rule{
	newRule("04", "masonry", "cmu", "brick", "block wall", "stone veneer", "grout"),
	newRule("03", "concrete", "masonry", "rebar", "footing", "slab", "precast", "cast-in-place", "formwork"),
	newRule("08", "door", "window", "hardware", "glazing", "storefront", "skylight", "hinge", "opening"),
	newRule("05", "steel", "metal", "beam", "joist", "column", "lintel", "railing"),
	newRule("06", "wood", "timber", "lumber", "plywood", "framing", "casework", "millwork"),
	newRule("07", "insulation", "roofing", "membrane", "waterproof", "vapor", "flashing", "sealant", "thermal"),
	newRule("09", "finish", "paint", "gypsum", "drywall", "tile", "carpet", "ceiling", "flooring", "plaster", "acoustical"),
	newRule("10", "toilet partition", "signage", "locker", "louver", "specialt", "fire extinguisher cabinet"),
	newRule("11", "equipment", "appliance", "kitchen equipment"),
	newRule("12", "furniture", "furnishing", "blinds", "window treatment"),
	newRule("14", "elevator", "escalator", "lift", "conveying"),
	newRule("21", "sprinkler", "fire suppression", "fire pump", "standpipe"),
	newRule("22", "plumbing", "pipe", "valve", "plumbing fixture", "sink", "lavatory", "water closet", "toilet", "drain", "faucet", "water heater"),
	newRule("23", "hvac", "duct", "air handler", "ahu", "rtu", "vav", "diffuser", "exhaust fan", "boiler", "chiller", "damper", "mechanical"),
	newRule("26", "electrical", "panel", "lighting", "light fixture", "luminaire", "conduit", "conductor", "awg", "circuit", "receptacle", "switchboard", "transformer"),
	newRule("27", "data outlet", "data jack", "data port", "data drop", "voice/data", "telecom", "communication", "audio", "cabling"),
	newRule("28", "security", "fire alarm", "access control", "camera", "cctv", "intrusion"),
	newRule("31", "excavation", "earthwork", "grading", "backfill", "compaction"),
	newRule("32", "paving", "asphalt", "landscape", "planting", "curb", "sidewalk", "fence", "exterior"),
	newRule("33", "utility", "utilities", "sewer", "storm", "water main", "manhole"),
}

// Classify maps an item to a division using the ordered keyword rules.
// It never fails: when no rule fits it returns the first available division, or
// General when the list is empty.
func Classify(itemName, category string, available []Division) Division {
	return ClassifyWithDefault(itemName, category, available, nil)
}

// ClassifyWithDefault is Classify with an explicit fallback used when no rule fits,
// typically the division the user selected before drawing a region.
func ClassifyWithDefault(itemName, category string, available []Division, preferred *Division) Division {
	if d, ok := matchRules(itemName, available); ok {
		return d
	}
	if d, ok := matchRules(category, available); ok {
		return d
	}
	if preferred != nil {
		return *preferred
	}
	return Default(available)
}

func matchRules(text string, available []Division) (Division, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return Division{}, false
	}

	for _, r := range rules {
		if !r.pattern.MatchString(text) {
			continue
		}
		for _, d := range available {
			if strings.HasPrefix(strings.TrimSpace(d.Code), r.prefix) {
				return d, true
			}
		}
		// keyword hit but no division with this prefix: fall through to later rules
	}
	return Division{}, false
}
