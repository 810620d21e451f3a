// Package assert holds invariant checks that only exist in lakedebug builds.
// Release builds compile every call site down to nothing.
package assert

import "fmt"

// Violation is the panic value raised by a failed assertion.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string {
	return "lakesched: invariant violated: " + v.Msg
}

func That(cond bool, msg string) {
	if Enabled && !cond {
		panic(&Violation{Msg: msg})
	}
}

func Thatf(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(&Violation{Msg: fmt.Sprintf(format, args...)})
	}
}
