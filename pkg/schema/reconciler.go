package schema

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/ttlindex"
)

// Policy decides what happens when data and destination columns drift.
type Policy string

const (
	// PolicyDegrade loads the columns both sides share. Columns missing from
	// the data are left NULL; columns missing from the destination are
	// reported and skipped.
	PolicyDegrade Policy = "degrade"
	// PolicyStrict fails on any drift that remains after the DDL hook ran.
	PolicyStrict Policy = "strict"
)

// ErrTableMissing is returned when the destination table does not exist.
var ErrTableMissing = errors.New("destination table does not exist")

// ParsePolicy accepts "degrade", "strict" or "" (degrade).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyDegrade:
		return PolicyDegrade, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown schema policy %q", s)
	}
}

// MismatchError carries the drift found for a table. It is returned only
// under PolicyStrict.
type MismatchError struct {
	Table string
	Diff  ColumnDiff
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on %s: added=%v removed=%v", e.Table, e.Diff.Added, e.Diff.Removed)
}

// Introspector reports the columns of a destination table. exists is false
// when the table is missing.
type Introspector interface {
	Columns(ctx context.Context, table string) (cols []string, exists bool, err error)
}

// DDLHook is asked to add columns that appear in the data only. data carries
// the inferred types of every data column.
type DDLHook func(ctx context.Context, table string, added []string, data TableSchema) error

// Plan is the outcome of a reconciliation.
type Plan struct {
	Diff ColumnDiff
	// Columns to write, in data order, restricted to columns the destination has.
	Columns []string
}

// Reconciler compares extraction columns against destination tables and
// applies the configured policy. Destination columns are cached for ttl.
type Reconciler struct {
	src    Introspector
	policy Policy
	hook   DDLHook
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cache  map[string][]string
	expiry *ttlindex.Index
}

// NewReconciler builds a reconciler. A zero ttl disables caching; a nil hook
// leaves added columns to the policy.
func NewReconciler(src Introspector, policy Policy, ttl time.Duration, hook DDLHook) *Reconciler {
	if policy == "" {
		policy = PolicyDegrade
	}
	return &Reconciler{
		src:    src,
		policy: policy,
		hook:   hook,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string][]string),
		expiry: ttlindex.New(),
	}
}

// Policy returns the configured policy.
func (r *Reconciler) Policy() Policy { return r.policy }

// Reconcile diffs the data columns against table and returns the columns to
// load.
func (r *Reconciler) Reconcile(ctx context.Context, table string, data TableSchema) (Plan, error) {
	dataCols := data.FieldOrder
	schemaCols, err := r.columns(ctx, table)
	if err != nil {
		return Plan{}, err
	}

	diff := Diff(dataCols, schemaCols)
	if len(diff.Added) > 0 && r.hook != nil {
		log.Printf("[Schema] %s: adding columns %v", table, diff.Added)
		if err := r.hook(ctx, table, diff.Added, data); err != nil {
			return Plan{Diff: diff}, fmt.Errorf("add columns to %s: %w", table, err)
		}
		r.Invalidate(table)
		if schemaCols, err = r.columns(ctx, table); err != nil {
			return Plan{Diff: diff}, err
		}
		diff = Diff(dataCols, schemaCols)
	}

	if !diff.Consistent {
		if r.policy == PolicyStrict {
			return Plan{Diff: diff}, &MismatchError{Table: table, Diff: diff}
		}
		log.Printf("[Schema] %s drifted: added=%v removed=%v", table, diff.Added, diff.Removed)
	}

	have := NewColumnSet(schemaCols...)
	seen := make(ColumnSet, len(dataCols))
	plan := Plan{Diff: diff, Columns: make([]string, 0, len(dataCols))}
	for _, c := range dataCols {
		name := strings.ToUpper(c)
		if !have.Has(name) || seen.Has(name) {
			continue
		}
		seen[name] = struct{}{}
		plan.Columns = append(plan.Columns, name)
	}
	return plan, nil
}

// Invalidate drops the cached columns of table.
func (r *Reconciler) Invalidate(table string) {
	key := strings.ToLower(table)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
	r.expiry.Remove(key)
}

func (r *Reconciler) columns(ctx context.Context, table string) ([]string, error) {
	key := strings.ToLower(table)

	r.mu.Lock()
	for _, k := range r.expiry.Expire(r.now().Add(-r.ttl)) {
		delete(r.cache, k)
	}
	cols, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return cols, nil
	}

	cols, exists, err := r.src.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", table, ErrTableMissing)
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cols
		r.expiry.Touch(key, r.now())
		r.mu.Unlock()
	}
	return cols, nil
}
