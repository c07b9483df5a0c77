package schema

import (
	"reflect"
	"testing"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name       string
		data       []string
		schema     []string
		consistent bool
		added      []string
		removed    []string
	}{
		{"same columns", []string{"A", "B"}, []string{"A", "B"}, true, []string{}, []string{}},
		{"added column", []string{"A", "B", "C"}, []string{"A", "B"}, false, []string{"C"}, []string{}},
		{"removed column", []string{"A"}, []string{"A", "B"}, false, []string{}, []string{"B"}},
		{"both empty", nil, []string{}, true, []string{}, []string{}},
		{"case insensitive", []string{"toolid", "Value"}, []string{"TOOLID", "VALUE"}, true, []string{}, []string{}},
		{"both directions", []string{"A", "D", "C"}, []string{"B", "A"}, false, []string{"C", "D"}, []string{"B"}},
		{"blank names ignored", []string{"A", " "}, []string{"a"}, true, []string{}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.data, tt.schema)
			if got.Consistent != tt.consistent {
				t.Errorf("Consistent = %v, want %v", got.Consistent, tt.consistent)
			}
			if !reflect.DeepEqual(got.Added, tt.added) {
				t.Errorf("Added = %v, want %v", got.Added, tt.added)
			}
			if !reflect.DeepEqual(got.Removed, tt.removed) {
				t.Errorf("Removed = %v, want %v", got.Removed, tt.removed)
			}
		})
	}
}

func TestDiffLargeSets(t *testing.T) {
	var data, schema []string
	for i := 0; i < 5000; i++ {
		name := "COL" + string(rune('A'+i%26)) + string(rune('A'+(i/26)%26)) + string(rune('A'+(i/676)%26))
		data = append(data, name)
		schema = append(schema, name)
	}
	if got := Diff(data, schema); !got.Consistent {
		t.Errorf("expected consistent diff for identical large sets, got %+v", got)
	}
}

func TestColumnSet(t *testing.T) {
	set := NewColumnSet("b", "A", "a")
	if len(set) != 2 {
		t.Fatalf("expected 2 names, got %d", len(set))
	}
	if !set.Has("B") || !set.Has("a") {
		t.Error("Has should ignore case")
	}
	if got := set.Sorted(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("Sorted() = %v", got)
	}
}
