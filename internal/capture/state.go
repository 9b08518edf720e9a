// Package capture implements the interactive region capture flow: a user
// picks a division, drags a rectangle over a drawing page and the region is
// extracted, persisted and reported back through notifications.
package capture

import (
	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// Phase is the capture lifecycle position
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelecting  Phase = "selecting"
	PhaseExtracting Phase = "extracting"
	PhaseCommitted  Phase = "committed"
	PhaseDiscarded  Phase = "discarded"
)

// MinSelectionSize is the smallest accepted rectangle side, in pixels
const MinSelectionSize = 10

// Point is a pointer position in page image pixels
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// State is a snapshot of one capture session. It is a value; Machine hands out copies.
type State struct {
	Phase    Phase               `json:"phase"`
	Start    Point               `json:"start"`
	Current  Point               `json:"current"`
	Region   *processor.Region   `json:"region,omitempty"`
	Division *divisions.Division `json:"division,omitempty"`
	Message  string              `json:"message,omitempty"`
	ItemIDs  []string            `json:"itemIds,omitempty"`
}

// normalize turns two corners into a top-left anchored region
func normalize(a, b Point, page int) processor.Region {
	x, w := a.X, b.X-a.X
	if w < 0 {
		x, w = b.X, -w
	}
	y, h := a.Y, b.Y-a.Y
	if h < 0 {
		y, h = b.Y, -h
	}
	return processor.Region{X: x, Y: y, Width: w, Height: h, Page: page}
}

func largeEnough(r processor.Region) bool {
	return r.Width > MinSelectionSize && r.Height > MinSelectionSize
}
