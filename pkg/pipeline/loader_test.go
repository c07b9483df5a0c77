package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const edcImportYAML = `
name: EDC_Import
kind: load
group: NIKON
span: 24h
start: "2017-07-13T20:00:27Z"
source:
  indexTable: index_glassout
  keyColumn: toolid
  timeColumn: endtime
  keyPattern: "TLCD__01"
  dataTable: "{key}_rawdata"
  dataTimeColumn: tstamp
destination:
  table: "{key}_rawdata"
  timeColumn: tstamp
`

const avmYAML = `
name: AVM_Process
kind: script
group: NIKON
span: 24h
start: "2017-07-13T20:00:27Z"
upstream: EDC_Import
script:
  name: TLCD_Nikon_VM_Fcn
`

func writeStage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write stage file: %v", err)
	}
	return path
}

// withQuery adds a custom source query to the EDC stage.
func withQuery(query string) string {
	return strings.Replace(edcImportYAML, "dataTimeColumn: tstamp\n",
		"dataTimeColumn: tstamp\n  query: \""+query+"\"\n", 1)
}

func TestLoadFromFile(t *testing.T) {
	path := writeStage(t, t.TempDir(), "edc.yaml", edcImportYAML)

	s, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if s.Name != "EDC_Import" || s.Kind != KindLoad || s.Group != "NIKON" {
		t.Errorf("unexpected stage header: %+v", s)
	}
	if s.SpanDuration() != 24*time.Hour {
		t.Errorf("SpanDuration() = %v", s.SpanDuration())
	}
	if want := time.Date(2017, 7, 13, 20, 0, 27, 0, time.UTC); !s.StartTime().Equal(want) {
		t.Errorf("StartTime() = %v, want %v", s.StartTime(), want)
	}
	if got := s.DataTable("TLCD0101"); got != "tlcd0101_rawdata" {
		t.Errorf("DataTable() = %q", got)
	}
	if got := s.DestinationTable("TLCD0101"); got != "tlcd0101_rawdata" {
		t.Errorf("DestinationTable() = %q", got)
	}
	if s.WatermarkGroup() != "NIKON" {
		t.Errorf("WatermarkGroup() = %q", s.WatermarkGroup())
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty file", "", "empty pipeline file"},
		{"invalid yaml", "name: [unclosed", ""},
		{"missing name", strings.Replace(edcImportYAML, "name: EDC_Import", "", 1), "stage name is required"},
		{"colon in name", strings.Replace(edcImportYAML, "name: EDC_Import", `name: "EDC_Import:B"`, 1), "must not contain ':'"},
		{"bad span", strings.Replace(edcImportYAML, "span: 24h", "span: daily", 1), "invalid span"},
		{"negative span", strings.Replace(edcImportYAML, "span: 24h", "span: -1h", 1), "span must be positive"},
		{"bad start", strings.Replace(edcImportYAML, `"2017-07-13T20:00:27Z"`, "yesterday", 1), "invalid start"},
		{"unknown kind", strings.Replace(edcImportYAML, "kind: load", "kind: stream", 1), "unknown stage kind"},
		{"missing index table", strings.Replace(edcImportYAML, "indexTable: index_glassout", "", 1), "source.indexTable is required"},
		{"injected identifier", strings.Replace(edcImportYAML, "timeColumn: endtime", "timeColumn: \"endtime; DROP TABLE x\"", 1), "invalid identifier"},
		{"shared table without key column", strings.Replace(edcImportYAML, `table: "{key}_rawdata"`, "table: rawdata", 1), "destination.keyColumn is required"},
		{"script without upstream", strings.Replace(avmYAML, "upstream: EDC_Import", "", 1), "requires an upstream"},
		{"script without name", strings.Replace(avmYAML, "name: TLCD_Nikon_VM_Fcn", "", 1), "requires script.name"},
		{"custom query with wrong params", withQuery("SELECT * FROM {key}_rawdata WHERE tstamp > ?"), "exactly 2 parameters"},
		{"custom query not select", withQuery("DELETE FROM {key}_rawdata"), "invalid source query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeStage(t, t.TempDir(), "stage.yaml", tt.content)
			_, err := LoadFromFile(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("expected an error for a missing file")
		}
	})
}

func TestLoadFromFileCustomQuery(t *testing.T) {
	content := withQuery("SELECT * FROM {key}_rawdata WHERE tstamp > ? AND tstamp <= ?")
	s, err := LoadFromFile(writeStage(t, t.TempDir(), "edc.yaml", content))
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if !strings.Contains(s.Source.Query, "{key}_rawdata") {
		t.Errorf("query template lost: %q", s.Source.Query)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "20_avm.yaml", avmYAML)
	writeStage(t, dir, "10_edc.yml", edcImportYAML)
	writeStage(t, dir, "README.md", "not a stage")

	stages, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].Name != "AVM_Process" || stages[1].Name != "EDC_Import" {
		t.Errorf("stages not sorted by name: %s, %s", stages[0].Name, stages[1].Name)
	}
	if stages[0].SpanDuration() != 24*time.Hour {
		t.Error("parsed fields lost when loading a directory")
	}

	t.Run("unknown upstream", func(t *testing.T) {
		dir := t.TempDir()
		writeStage(t, dir, "avm.yaml", avmYAML)
		if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "unknown upstream") {
			t.Errorf("expected unknown upstream error, got %v", err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		dir := t.TempDir()
		writeStage(t, dir, "a.yaml", edcImportYAML)
		writeStage(t, dir, "b.yaml", edcImportYAML)
		if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "duplicate stage name") {
			t.Errorf("expected duplicate error, got %v", err)
		}
	})
}

func TestOrdered(t *testing.T) {
	stages := []Stage{
		{Name: "A_Report", Upstream: "C_Process"},
		{Name: "B_Import"},
		{Name: "C_Process", Upstream: "B_Import"},
		{Name: "D_Import"},
	}
	got, err := Ordered(stages)
	if err != nil {
		t.Fatalf("Ordered failed: %v", err)
	}
	names := make([]string, len(got))
	for i, s := range got {
		names[i] = s.Name
	}
	if want := "B_Import,C_Process,D_Import,A_Report"; strings.Join(names, ",") != want {
		t.Errorf("order = %v, want %s", names, want)
	}

	cyclic := []Stage{{Name: "X", Upstream: "Y"}, {Name: "Y", Upstream: "X"}}
	if _, err := Ordered(cyclic); err == nil {
		t.Error("expected cycle error")
	}
}
