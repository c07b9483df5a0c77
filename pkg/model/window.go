// Package model holds the value types shared by the sync pipeline: time
// windows and extracted records.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyWindow is returned when a window would not contain any instant.
var ErrEmptyWindow = errors.New("window start must be before end")

// Window is the half-open interval (Start, End]. Adjacent windows that share
// a boundary never overlap and never leave a gap.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates start < end.
func NewWindow(start, end time.Time) (Window, error) {
	if !start.Before(end) {
		return Window{}, fmt.Errorf("%w: (%s, %s]", ErrEmptyWindow,
			start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// NextWindow derives the window following the watermark `last`: it spans at
// most `span` and never ends after `high`. ok is false when `high` is not
// strictly ahead of `last`.
func NextWindow(last, high time.Time, span time.Duration) (w Window, ok bool) {
	if !high.After(last) {
		return Window{}, false
	}
	end := high
	if span > 0 {
		if capped := last.Add(span); capped.Before(high) {
			end = capped
		}
	}
	return Window{Start: last.UTC(), End: end.UTC()}, true
}

// Contains reports whether ts lies in (Start, End].
func (w Window) Contains(ts time.Time) bool {
	return ts.After(w.Start) && !ts.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("(%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
