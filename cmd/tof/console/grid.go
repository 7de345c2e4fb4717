package console

import (
	"fmt"
	"io"
	"strings"
)

// Grid prints a distance matrix, unusable zones (negative) shown as dashes.
// Zones closer than near are highlighted.
func Grid(w io.Writer, distances [][]int16, near int16) {
	var b strings.Builder
	for _, row := range distances {
		for col, d := range row {
			if col > 0 {
				b.WriteString(" ")
			}
			cell := fmt.Sprintf("%5d", d)
			switch {
			case d < 0:
				cell = cellMissing("    -")
			case d < near:
				cell = cellNear(cell)
			default:
				cell = cellFar(cell)
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	_, _ = io.WriteString(w, b.String())
}
