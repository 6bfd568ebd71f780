package scheduler

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidPeriod reports a malformed "<integer><unit>" period.
	ErrInvalidPeriod = errors.New("invalid period")
	// ErrInvalidSchedule reports a schedule that is neither a period nor a cron expression.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecInterval SpecKind = iota
	SpecCron
)

func (k SpecKind) String() string {
	if k == SpecCron {
		return "cron"
	}
	return "interval"
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Period: "30m", "2d", "1w" (integer magnitude, unit s/m/h/d/w)
//   - Cron: "0 3 * * *", "*/30 * * * * *", "@daily", "@every 90m"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces period parsing
type ParsedSpec struct {
	Kind     SpecKind
	Raw      string
	Every    time.Duration
	Cron     string
	Schedule cron.Schedule
}

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

var rePeriod = regexp.MustCompile(`^(\d+)([a-zA-Z]*)$`)

// cronParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsePeriod parses "<integer><unit>" with unit one of s, m, h, d, w.
func ParsePeriod(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	m := rePeriod.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w %q: expected <integer><unit> like 30m or 2d", ErrInvalidPeriod, raw)
	}
	if m[2] == "" {
		return 0, fmt.Errorf("%w %q: missing unit (s, m, h, d, w)", ErrInvalidPeriod, raw)
	}
	mult, ok := unitSeconds[m[2][0]]
	if !ok || len(m[2]) != 1 {
		return 0, fmt.Errorf("%w %q: unknown unit %q (use s, m, h, d, w)", ErrInvalidPeriod, raw, m[2])
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidPeriod, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w %q: must be > 0", ErrInvalidPeriod, raw)
	}
	if n > math.MaxInt64/int64(time.Second)/mult {
		return 0, fmt.Errorf("%w %q: too large", ErrInvalidPeriod, raw)
	}
	return time.Duration(n*mult) * time.Second, nil
}

// ParseSchedule parses a schedule string into either a fixed period or a cron
// expression. The returned Schedule is ready to drive a Job.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(raw, strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, strings.TrimSpace(s[len("every:"):]))
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}
	return parseEvery(raw, s)
}

func parseEvery(raw, v string) (ParsedSpec, error) {
	d, err := ParsePeriod(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Raw: strings.TrimSpace(raw), Every: d, Schedule: periodSchedule(d)}, nil
}

// periodSchedule fires exactly d after the previous fire. cron.Every would
// truncate the base time to whole seconds.
type periodSchedule time.Duration

func (p periodSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(p)) }

func parseCron(raw, expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, raw, err)
	}
	return ParsedSpec{Kind: SpecCron, Raw: strings.TrimSpace(raw), Cron: expr, Schedule: sched}, nil
}

// PreviewNext returns the next n fire times of sched after from.
func PreviewNext(sched cron.Schedule, from time.Time, n int) []time.Time {
	if sched == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
