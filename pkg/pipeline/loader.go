package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.{}]*$`)

// LoadFromFile reads and validates one stage definition.
func LoadFromFile(path string) (Stage, error) {
	var s Stage

	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}

	// Check for empty file
	if len(data) == 0 {
		return s, fmt.Errorf("empty pipeline file")
	}

	if unmarshalErr := yaml.Unmarshal(data, &s); unmarshalErr != nil {
		return s, unmarshalErr
	}

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// LoadDir loads every *.yaml / *.yml stage in dir, sorted by name. Upstream
// references must resolve to a stage in the same directory.
func LoadDir(dir string) ([]Stage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var stages []Stage
	byName := make(map[string]struct{})
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		s, err := LoadFromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", s.Name)
		}
		byName[s.Name] = struct{}{}
		stages = append(stages, s)
	}

	for _, s := range stages {
		if s.Upstream == "" {
			continue
		}
		if _, ok := byName[s.Upstream]; !ok {
			return nil, fmt.Errorf("stage %s: unknown upstream %q", s.Name, s.Upstream)
		}
	}

	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })
	log.Printf("[Pipeline] Loaded %d stages from %s", len(stages), dir)
	return stages, nil
}

// Validate checks required fields and parses span and start.
func (s *Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if strings.Contains(s.Name, ":") {
		return fmt.Errorf("stage name %q must not contain ':'", s.Name)
	}
	if s.Kind == "" {
		s.Kind = KindLoad
	}

	if s.Span == "" {
		return fmt.Errorf("stage span is required")
	}
	span, err := time.ParseDuration(s.Span)
	if err != nil {
		return fmt.Errorf("invalid span %q: %w", s.Span, err)
	}
	if span <= 0 {
		return fmt.Errorf("span must be positive, got %s", s.Span)
	}
	s.span = span

	if s.Start == "" {
		return fmt.Errorf("stage start is required")
	}
	start, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return fmt.Errorf("invalid start %q: %w", s.Start, err)
	}
	s.start = start.UTC()

	switch s.Kind {
	case KindLoad:
		return s.validateLoad()
	case KindScript:
		if s.Upstream == "" {
			return fmt.Errorf("script stage requires an upstream stage")
		}
		if s.Script.Name == "" {
			return fmt.Errorf("script stage requires script.name")
		}
		return nil
	default:
		return fmt.Errorf("unknown stage kind %q", s.Kind)
	}
}

func (s *Stage) validateLoad() error {
	src := s.Source
	required := map[string]string{
		"source.indexTable":      src.IndexTable,
		"source.keyColumn":       src.KeyColumn,
		"source.timeColumn":      src.TimeColumn,
		"source.dataTable":       src.DataTable,
		"source.dataTimeColumn":  src.DataTimeColumn,
		"destination.table":      s.Destination.Table,
		"destination.timeColumn": s.Destination.TimeColumn,
	}
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := required[name]
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !identRe.MatchString(v) {
			return fmt.Errorf("%s: invalid identifier %q", name, v)
		}
	}
	if s.Destination.KeyColumn != "" && !identRe.MatchString(s.Destination.KeyColumn) {
		return fmt.Errorf("destination.keyColumn: invalid identifier %q", s.Destination.KeyColumn)
	}
	if !strings.Contains(s.Destination.Table, KeyPlaceholder) && s.Destination.KeyColumn == "" {
		return fmt.Errorf("destination.keyColumn is required when the table is shared by all keys")
	}

	if src.Query != "" {
		plan, err := NewQueryPlan(src.Query)
		if err != nil {
			return fmt.Errorf("invalid source query: %w", err)
		}
		if plan.Params != 2 {
			return fmt.Errorf("source query must take exactly 2 parameters (start, end), found %d", plan.Params)
		}
	}
	return nil
}

// Ordered returns stages with every upstream before its dependents, keeping
// name order otherwise. It fails on an upstream cycle.
func Ordered(stages []Stage) ([]Stage, error) {
	placed := make(map[string]bool, len(stages))
	known := make(map[string]bool, len(stages))
	for _, s := range stages {
		known[s.Name] = true
	}

	out := make([]Stage, 0, len(stages))
	for len(out) < len(stages) {
		progress := false
		for _, s := range stages {
			if placed[s.Name] {
				continue
			}
			if s.Upstream != "" && known[s.Upstream] && !placed[s.Upstream] {
				continue
			}
			placed[s.Name] = true
			out = append(out, s)
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("upstream cycle between stages")
		}
	}
	return out, nil
}
