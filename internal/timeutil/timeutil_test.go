package timeutil

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90s": 90 * time.Second,
		"2h":  2 * time.Hour,
		"3d":  3 * Day,
		"1w":  7 * Day,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
	for _, bad := range []string{"", "x", "3y", "d"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseBoundedDuration(t *testing.T) {
	if _, err := ParseBoundedDuration("45m", time.Second, 30*time.Minute); err == nil {
		t.Fatal("expected out of range error")
	}
	if d, err := ParseBoundedDuration("10s", time.Second, 30*time.Minute); err != nil || d != 10*time.Second {
		t.Fatalf("unexpected %v %v", d, err)
	}
}

func TestParseRelativeTime(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	got, err := ParseRelativeTime("-2d", now)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected %s", got)
	}
	if got, _ := ParseRelativeTime("now", now); !got.Equal(now) {
		t.Fatalf("now: %s", got)
	}
	if got, _ := ParseRelativeTime("2024-01-01", now); got.Year() != 2024 || got.Month() != time.January {
		t.Fatalf("date: %s", got)
	}
	if _, err := ParseRelativeTime("yesterday", now); err == nil {
		t.Fatal("expected error")
	}
	if !DaysBefore(now, 1).Equal(now.Add(-Day)) {
		t.Fatal("DaysBefore mismatch")
	}
}
