package restic

import (
	"fmt"
	"strings"
)

// CallError reports a restic run that exited non-zero or could not complete.
type CallError struct {
	Cmd    string
	Code   int
	Stdout []string
	Stderr []string
	Err    error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restic %s exited with code %d", e.Cmd, e.Code)
	if n := len(e.Stderr); n > 0 {
		b.WriteString(": ")
		b.WriteString(e.Stderr[n-1])
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }
