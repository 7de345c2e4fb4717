package console

import "github.com/fatih/color"

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Faint  = color.New(color.Faint).SprintFunc()
)

// Zone cell colors of a distance grid.
var (
	cellNear    = Red
	cellFar     = Green
	cellMissing = Faint
)
