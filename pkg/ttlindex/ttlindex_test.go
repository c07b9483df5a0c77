package ttlindex

import (
	"testing"
	"time"
)

func TestIndexTouchOrdering(t *testing.T) {
	index := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	index.Touch("B", base.Add(2*time.Minute))
	index.Touch("A", base.Add(time.Minute))
	index.Touch("C", base.Add(3*time.Minute))

	if index.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", index.Len())
	}
	want := []string{"A", "B", "C"}
	for i, item := range index.items {
		if item.Key != want[i] {
			t.Errorf("items[%d] = %s, want %s", i, item.Key, want[i])
		}
	}

	// Refreshing moves the key to the back without duplicating it.
	index.Touch("A", base.Add(4*time.Minute))
	if index.Len() != 3 {
		t.Fatalf("expected 3 items after refresh, got %d", index.Len())
	}
	if last := index.items[2]; last.Key != "A" || !last.TS.Equal(base.Add(4*time.Minute)) {
		t.Errorf("unexpected last item after refresh: %+v", last)
	}
}

func TestIndexExpire(t *testing.T) {
	index := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		cutoff time.Time
		want   []string
		remain int
	}{
		{"nothing expired", base, []string{}, 3},
		{"inclusive cutoff", base.Add(time.Minute), []string{"T1"}, 2},
		{"rest expired", base.Add(time.Hour), []string{"T2", "T3"}, 0},
		{"empty index", base.Add(2 * time.Hour), []string{}, 0},
	}

	index.Touch("T1", base.Add(time.Minute))
	index.Touch("T2", base.Add(2*time.Minute))
	index.Touch("T3", base.Add(3*time.Minute))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := index.Expire(tt.cutoff)
			if len(got) != len(tt.want) {
				t.Fatalf("Expire() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expire()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
			if index.Len() != tt.remain {
				t.Errorf("Len() = %d, want %d", index.Len(), tt.remain)
			}
		})
	}
}

func TestIndexRemove(t *testing.T) {
	index := New()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Same timestamp for every key: removal must pick the right one.
	index.Touch("X", ts)
	index.Touch("Y", ts)
	index.Touch("Z", ts)

	index.Remove("Y")
	index.Remove("missing")

	if index.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", index.Len())
	}
	for _, item := range index.items {
		if item.Key == "Y" {
			t.Error("removed key still present")
		}
	}
	if got := index.Expire(ts); len(got) != 2 || got[0] != "X" || got[1] != "Z" {
		t.Errorf("Expire() = %v, want [X Z]", got)
	}
}
