package console

import (
	"fmt"
	"io"
	"os"
)

const (
	PictoFinish = "🏁"
	PictoStop   = "🚫"
	PictoGhost  = "👻"
	PictoPin    = "📌"
	PictoRuler  = "📏"
	PictoTape   = "📼"
)

var (
	writer    io.Writer = os.Stdout
	errWriter io.Writer = os.Stderr
)

// Writer is where frames and messages are printed.
func Writer() io.Writer {
	return writer
}

func Errorf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(errWriter, "%s: %s\n", Red("ERROR"), fmt.Sprintf(msg, args...))
}

func Infof(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", White("..."), fmt.Sprintf(msg, args...))
}

func PInfof(picto, msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", picto, fmt.Sprintf(msg, args...))
}

// Found prints one line of a bus scan.
func Found(addr fmt.Stringer, what string) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", White(addr), what)
}
