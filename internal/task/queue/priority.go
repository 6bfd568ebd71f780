package queue

import (
	"fmt"
	"strings"
)

// Priority controls where a submitted task lands.
type Priority int

const (
	// Normal appends to the end of the pending list.
	Normal Priority = iota
	// Next inserts at the front of the pending list, behind the running task.
	Next
	// Immediate runs the task right away on a separate goroutine when tasks
	// are pending, outside the one-task-at-a-time guarantee. With an empty
	// pending list it behaves like Normal.
	Immediate
)

func (p Priority) String() string {
	switch p {
	case Normal:
		return "normal"
	case Next:
		return "next"
	case Immediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool { return p >= Normal && p <= Immediate }

// ParsePriority maps "normal", "next" or "immediate" (case-insensitive) to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "next":
		return Next, nil
	case "immediate":
		return Immediate, nil
	default:
		return Normal, fmt.Errorf("%w %q (use normal, next or immediate)", ErrInvalidPriority, s)
	}
}
