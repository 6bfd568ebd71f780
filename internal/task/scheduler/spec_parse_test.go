package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "30m", want: 1800 * time.Second},
		{raw: "2d", want: 172800 * time.Second},
		{raw: "45s", want: 45 * time.Second},
		{raw: "12h", want: 12 * time.Hour},
		{raw: "1w", want: 604800 * time.Second},
		{raw: " 5m ", want: 5 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePeriod(tt.raw)
			if err != nil {
				t.Fatalf("ParsePeriod(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParsePeriod(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParsePeriodInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"5x", "1.5h", "m", "30", "", "0m", "-5m", "10mm", "99999999999999w"} {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			if _, err := ParsePeriod(raw); !errors.Is(err, ErrInvalidPeriod) {
				t.Fatalf("ParsePeriod(%q) err = %v, want ErrInvalidPeriod", raw, err)
			}
		})
	}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		kind SpecKind
		next time.Time
	}{
		{name: "period", raw: "30m", kind: SpecInterval, next: from.Add(30 * time.Minute)},
		{name: "prefixed interval", raw: "interval:2h", kind: SpecInterval, next: from.Add(2 * time.Hour)},
		{name: "prefixed every", raw: "every:1d", kind: SpecInterval, next: from.Add(24 * time.Hour)},
		{name: "cron", raw: "0 3 * * *", kind: SpecCron, next: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)},
		{name: "prefixed cron", raw: "cron:*/20 * * * *", kind: SpecCron, next: time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC)},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, next: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if next := got.Schedule.Next(from).UTC(); !next.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", next, tt.next)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseSchedule("5x"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
	for _, raw := range []string{"", "cron:", "61 * * * *", "@sometimes"} {
		if _, err := ParseSchedule(raw); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("ParseSchedule(%q) err = %v, want ErrInvalidSchedule", raw, err)
		}
	}
}

func TestPreviewNext(t *testing.T) {
	t.Parallel()
	ps, err := ParseSchedule("1h")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := PreviewNext(ps.Schedule, from, 3)
	if len(got) != 3 || !got[2].Equal(from.Add(3*time.Hour)) {
		t.Fatalf("PreviewNext = %v", got)
	}
}
