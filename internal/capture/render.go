package capture

// Draw operations
const (
	OpClear = "clear"
	OpRect  = "rect"
	OpLabel = "label"
)

const (
	defaultStroke  = "#3B82F6"
	committedColor = "#16A34A"
	fillAlpha      = "33" // ~20% opacity suffix for #RRGGBB colours
	labelOffset    = 6
)

// DrawCommand is one overlay drawing instruction in page image pixels
type DrawCommand struct {
	Op     string `json:"op"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Stroke string `json:"stroke,omitempty"`
	Fill   string `json:"fill,omitempty"`
	Dashed bool   `json:"dashed,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Render turns a state into overlay commands. It has no side effects and
// always starts with a clear.
func Render(st State) []DrawCommand {
	cmds := []DrawCommand{{Op: OpClear}}
	if st.Region == nil {
		return cmds
	}

	r := *st.Region
	stroke := defaultStroke
	if st.Division != nil && len(st.Division.Color) == 7 {
		stroke = st.Division.Color
	}

	rect := DrawCommand{
		Op:     OpRect,
		X:      r.X,
		Y:      r.Y,
		Width:  r.Width,
		Height: r.Height,
		Stroke: stroke,
	}

	switch st.Phase {
	case PhaseSelecting:
		rect.Fill = stroke + fillAlpha
		rect.Dashed = true
		cmds = append(cmds, rect)
		if st.Division != nil {
			cmds = append(cmds, label(r.X, r.Y, stroke, st.Division.Name))
		}

	case PhaseExtracting:
		rect.Fill = stroke + fillAlpha
		cmds = append(cmds, rect, label(r.X, r.Y, stroke, "Extracting..."))

	case PhaseCommitted:
		rect.Stroke = committedColor
		rect.Fill = committedColor + fillAlpha
		cmds = append(cmds, rect, label(r.X, r.Y, committedColor, "Saved"))
	}

	return cmds
}

func label(x, y int, color, text string) DrawCommand {
	ly := y - labelOffset
	if ly < 0 {
		ly = 0
	}
	return DrawCommand{Op: OpLabel, X: x, Y: ly, Fill: color, Text: text}
}
