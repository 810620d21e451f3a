package lakesched

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type accepted by WithLogger.
type Logger = logiface.Logger[logiface.Event]

// NewLogger builds a JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func defaultLogger() *Logger {
	return NewLogger(os.Stderr, logiface.LevelWarning)
}
