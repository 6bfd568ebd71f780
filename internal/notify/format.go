package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"resticd/internal/task/queue"
)

const maxErrorRunes = 600

// streak tracks consecutive failures of one task.
type streak struct {
	failures    int
	lastSuccess time.Time
}

func formatFailure(ev queue.TaskEvent, st streak) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ %s failed", ev.Name)
	if st.failures > 1 {
		fmt.Fprintf(&b, " (%s time in a row)", humanize.Ordinal(st.failures))
	}
	b.WriteString("\n")
	if msg := strings.TrimSpace(ev.Error); msg != "" {
		fmt.Fprintf(&b, "error: %s\n", truncate(msg, maxErrorRunes))
	}
	fmt.Fprintf(&b, "took %s", roundDur(ev.Duration))
	if !st.lastSuccess.IsZero() {
		fmt.Fprintf(&b, ", last success %s", humanize.Time(st.lastSuccess))
	}
	if ev.RunID != "" {
		fmt.Fprintf(&b, "\nrun %s", ev.RunID)
	}
	return b.String()
}

func formatSuccess(ev queue.TaskEvent, recovered int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s finished in %s", ev.Name, roundDur(ev.Duration))
	if recovered > 0 {
		fmt.Fprintf(&b, " (recovered after %d failed %s)", recovered, plural(recovered, "run", "runs"))
	}
	return b.String()
}

func formatScheduleError(name, msg string) string {
	return fmt.Sprintf("⚠️ schedule %s could not enqueue its task\nerror: %s", name, truncate(msg, maxErrorRunes))
}

func roundDur(d time.Duration) time.Duration {
	if d >= time.Second {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
