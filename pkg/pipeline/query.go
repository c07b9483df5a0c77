package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	pg "github.com/pganalyze/pg_query_go/v6"
)

// keyStandIn replaces the {key} template while a query is parsed.
const keyStandIn = "__key__"

// ============================================================================
// Public data-structures
// ============================================================================

// QueryPlan is what validation learned about a user supplied query.
type QueryPlan struct {
	SQL    string   // query with ? placeholders rewritten to $n
	Tables []string // referenced tables, sorted
	Params int      // highest $n parameter
}

var paramRe = regexp.MustCompile(`\$(\d+)`)

// ============================================================================
// Entry point
// ============================================================================

// NewQueryPlan parses sql with the PostgreSQL parser. Only SELECT statements
// that read from at least one table are accepted.
func NewQueryPlan(sql string) (*QueryPlan, error) {
	// Validate input
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("empty query not allowed")
	}

	numbered := NumberPlaceholders(sql)
	parsedSQL := strings.ReplaceAll(numbered, KeyPlaceholder, keyStandIn)

	tree, err := pg.Parse(parsedSQL)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if len(tree.GetStmts()) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(tree.GetStmts()))
	}
	if tree.GetStmts()[0].GetStmt().GetSelectStmt() == nil {
		return nil, fmt.Errorf("only SELECT statements are allowed")
	}

	tables := extractTables(tree)
	if len(tables) == 0 {
		return nil, fmt.Errorf("query must have a FROM clause with at least one table")
	}

	params := 0
	for _, m := range paramRe.FindAllStringSubmatch(parsedSQL, -1) {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > params {
			params = n
		}
	}

	return &QueryPlan{SQL: numbered, Tables: tables, Params: params}, nil
}

// NumberPlaceholders rewrites ? placeholders outside string literals to
// $1, $2, ... in order of appearance.
func NumberPlaceholders(sql string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	for _, r := range sql {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ============================================================================
// AST helpers (manual traversal)
// ============================================================================

func extractTables(tree *pg.ParseResult) []string {
	seen := map[string]struct{}{}
	tables := []string{}

	// helper to guarantee uniqueness and deterministic order
	addTable := func(name string) {
		name = strings.ReplaceAll(name, keyStandIn, KeyPlaceholder)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			tables = append(tables, name)
		}
	}

	for _, raw := range tree.GetStmts() {
		walkSelect(raw.GetStmt().GetSelectStmt(), addTable)
	}

	sort.Strings(tables)
	return tables
}

func walkSelect(sel *pg.SelectStmt, addTbl func(string)) {
	if sel == nil {
		return
	}
	// UNION / INTERSECT arms
	walkSelect(sel.GetLarg(), addTbl)
	walkSelect(sel.GetRarg(), addTbl)

	if with := sel.GetWithClause(); with != nil {
		for _, cte := range with.GetCtes() {
			if c := cte.GetCommonTableExpr(); c != nil {
				walkSelect(c.GetCtequery().GetSelectStmt(), addTbl)
			}
		}
	}
	walkFromClause(sel.GetFromClause(), addTbl)
}

// walkFromClause walks the nodes of a FROM clause, descending into joins and
// sub-selects.
func walkFromClause(list []*pg.Node, addTbl func(string)) {
	for _, n := range list {
		switch {
		case n.GetRangeVar() != nil:
			rv := n.GetRangeVar()
			name := rv.GetRelname()
			if rv.GetSchemaname() != "" {
				name = rv.GetSchemaname() + "." + name
			}
			addTbl(name)
		case n.GetJoinExpr() != nil:
			j := n.GetJoinExpr()
			walkFromClause([]*pg.Node{j.GetLarg(), j.GetRarg()}, addTbl)
		case n.GetRangeSubselect() != nil:
			walkSelect(n.GetRangeSubselect().GetSubquery().GetSelectStmt(), addTbl)
		}
	}
}
