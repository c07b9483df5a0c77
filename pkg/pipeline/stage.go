// Package pipeline defines sync stages: what to copy, from where, to where,
// and how far each window reaches.
package pipeline

import (
	"strings"
	"time"
)

// Kind selects how a stage processes a window.
type Kind string

const (
	// KindLoad copies source rows into the destination.
	KindLoad Kind = "load"
	// KindScript runs an external script over windows bounded by the
	// upstream stage's watermark.
	KindScript Kind = "script"
)

// KeyPlaceholder is substituted with the (lowercased) key in table templates.
const KeyPlaceholder = "{key}"

// Stage is one pipeline stage as declared in YAML:
//
//	name: EDC_Import
//	kind: load
//	group: NIKON
//	span: 24h
//	start: "2017-07-13T20:00:27Z"
//	source:
//	  indexTable: index_glassout
//	  keyColumn: toolid
//	  timeColumn: endtime
//	  keyPattern: "TLCD__01"
//	  dataTable: "{key}_rawdata"
//	  dataTimeColumn: tstamp
//	destination:
//	  table: "{key}_rawdata"
//	  timeColumn: tstamp
type Stage struct {
	Name        string          `yaml:"name"`
	Kind        Kind            `yaml:"kind"`
	Group       string          `yaml:"group"`
	Span        string          `yaml:"span"`
	Start       string          `yaml:"start"`
	Schedule    string          `yaml:"schedule,omitempty"`
	Upstream    string          `yaml:"upstream,omitempty"`
	Source      SourceSpec      `yaml:"source"`
	Destination DestinationSpec `yaml:"destination"`
	Script      ScriptSpec      `yaml:"script,omitempty"`

	span  time.Duration
	start time.Time
}

// SourceSpec locates the rows of a key in the source database. The index
// table lists (key, time) pairs and is used for discovery and the high
// watermark; the data table holds the rows themselves.
type SourceSpec struct {
	IndexTable     string `yaml:"indexTable"`
	KeyColumn      string `yaml:"keyColumn"`
	TimeColumn     string `yaml:"timeColumn"`
	KeyPattern     string `yaml:"keyPattern,omitempty"`
	DataTable      string `yaml:"dataTable"`
	DataTimeColumn string `yaml:"dataTimeColumn"`
	// Query overrides the generated range query. It receives the window
	// start and end as its two parameters, in that order.
	Query string `yaml:"query,omitempty"`
}

// DestinationSpec names the destination table template and its time column.
// KeyColumn is set when several keys share one table.
type DestinationSpec struct {
	Table      string `yaml:"table"`
	TimeColumn string `yaml:"timeColumn"`
	KeyColumn  string `yaml:"keyColumn,omitempty"`
}

// ScriptSpec describes the external script of a script stage.
type ScriptSpec struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

// SpanDuration returns the parsed window span.
func (s Stage) SpanDuration() time.Duration { return s.span }

// StartTime returns the parsed start used when no watermark exists yet.
func (s Stage) StartTime() time.Time { return s.start }

// WatermarkGroup is the key under which group-level discovery keeps its
// watermark. It falls back to the stage name.
func (s Stage) WatermarkGroup() string {
	if s.Group != "" {
		return s.Group
	}
	return s.Name
}

// DataTable resolves the source data table for key.
func (s Stage) DataTable(key string) string {
	return expandKey(s.Source.DataTable, key)
}

// DestinationTable resolves the destination table for key.
func (s Stage) DestinationTable(key string) string {
	return expandKey(s.Destination.Table, key)
}

func expandKey(template, key string) string {
	return strings.ReplaceAll(template, KeyPlaceholder, strings.ToLower(key))
}
