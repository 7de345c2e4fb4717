package console

import (
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes/no question on the terminal. Anything but an explicit
// yes, an empty answer included, is a no.
func Confirm(question string) (bool, error) {
	rl, err := readline.New(question + " [y/N]: ")
	if err != nil {
		return false, err
	}
	defer rl.Close()
	answer, err := rl.Readline()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
