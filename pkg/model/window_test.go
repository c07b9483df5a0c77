package model

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return ts
}

func TestNewWindow(t *testing.T) {
	a := mustTime(t, "2024-01-01T00:00:00Z")
	b := mustTime(t, "2024-01-02T00:00:00Z")

	if _, err := NewWindow(a, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewWindow(a, a); !errors.Is(err, ErrEmptyWindow) {
		t.Errorf("expected ErrEmptyWindow for equal bounds, got %v", err)
	}
	if _, err := NewWindow(b, a); !errors.Is(err, ErrEmptyWindow) {
		t.Errorf("expected ErrEmptyWindow for reversed bounds, got %v", err)
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: mustTime(t, "2024-01-01T00:00:00Z"), End: mustTime(t, "2024-01-02T00:00:00Z")}

	tests := []struct {
		name string
		ts   string
		want bool
	}{
		{"start is excluded", "2024-01-01T00:00:00Z", false},
		{"end is included", "2024-01-02T00:00:00Z", true},
		{"inside", "2024-01-01T12:00:00Z", true},
		{"before", "2023-12-31T23:59:59Z", false},
		{"after", "2024-01-02T00:00:01Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Contains(mustTime(t, tt.ts)); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.ts, got, tt.want)
			}
		})
	}
}

func TestNextWindow(t *testing.T) {
	last := mustTime(t, "2024-01-01T00:00:00Z")

	w, ok := NextWindow(last, mustTime(t, "2024-01-01T12:00:00Z"), 24*time.Hour)
	if !ok || !w.End.Equal(mustTime(t, "2024-01-01T12:00:00Z")) {
		t.Errorf("expected window capped at high, got %v ok=%v", w, ok)
	}

	w, ok = NextWindow(last, mustTime(t, "2024-01-05T00:00:00Z"), 24*time.Hour)
	if !ok || !w.End.Equal(mustTime(t, "2024-01-02T00:00:00Z")) {
		t.Errorf("expected window capped at span, got %v ok=%v", w, ok)
	}

	if _, ok := NextWindow(last, last, time.Hour); ok {
		t.Error("expected no window when high equals watermark")
	}
	if _, ok := NextWindow(last, last.Add(-time.Hour), time.Hour); ok {
		t.Error("expected no window when high is behind watermark")
	}
}

func TestParseTime(t *testing.T) {
	want := mustTime(t, "2024-01-01T12:00:00Z")

	inputs := []any{
		want,
		"2024-01-01T12:00:00Z",
		"2024-01-01 12:00:00+00:00",
		"2024-01-01 12:00:00",
		[]byte("2024-01-01 12:00:00"),
		want.Unix(),
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		if err != nil {
			t.Errorf("ParseTime(%v): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%v) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseTime("not a time"); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := ParseTime(nil); err == nil {
		t.Error("expected error for nil")
	}
}
