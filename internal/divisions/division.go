// Package divisions holds the construction division taxonomy and the
// keyword classifier that assigns extracted items to it.
package divisions

import (
	"fmt"
	"strconv"
	"strings"
)

// Division is one entry of the construction division taxonomy.
type Division struct {
	ID    int    `json:"id" yaml:"id"`
	Code  string `json:"code" yaml:"code"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// General is returned when no taxonomy is available at all.
var General = Division{ID: 0, Code: "00", Name: "General", Color: "#6B7280"}

// Prefix returns the two-digit division number ("03" for "03 00 00").
func (d Division) Prefix() string {
	code := strings.TrimSpace(d.Code)
	if len(code) < 2 {
		return code
	}
	return code[:2]
}

func (d Division) String() string {
	return fmt.Sprintf("%s %s", d.Code, d.Name)
}

// Ref is a division as reported by an external model: any of the fields may be missing.
type Ref struct {
	ID   *int   `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

// ByID returns the division with the given id.
func ByID(available []Division, id int) (Division, bool) {
	for _, d := range available {
		if d.ID == id {
			return d, true
		}
	}
	return Division{}, false
}

// ParseID resolves a division id key such as "26" or " 3 " against the taxonomy.
func ParseID(available []Division, key string) (Division, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return Division{}, false
	}
	return ByID(available, id)
}

// Match resolves a model-reported division: exact id, then exact code, then a
// case-insensitive name containment in either direction. ok is false when nothing
// matched; the returned division is then the default (first entry or General).
func Match(ref Ref, available []Division) (Division, bool) {
	if ref.ID != nil {
		if d, ok := ByID(available, *ref.ID); ok {
			return d, true
		}
	}

	code := strings.TrimSpace(ref.Code)
	if code != "" {
		for _, d := range available {
			if d.Code == code {
				return d, true
			}
		}
	}

	name := strings.ToLower(strings.TrimSpace(ref.Name))
	if name != "" {
		for _, d := range available {
			candidate := strings.ToLower(d.Name)
			if strings.Contains(candidate, name) || strings.Contains(name, candidate) {
				return d, true
			}
		}
	}

	return Default(available), false
}

// Default returns the first division of the list, or General for an empty list.
func Default(available []Division) Division {
	if len(available) == 0 {
		return General
	}
	return available[0]
}
