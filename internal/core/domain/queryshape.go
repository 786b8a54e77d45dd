package domain

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	ErrEmptyQuery       = errors.New("empty query")
	ErrMultiStatement   = errors.New("multiple statements are not allowed")
	ErrParseFailed      = errors.New("failed to parse SQL")
	ErrUnsupportedQuery = errors.New("only SELECT, UPDATE and DELETE statements can be analyzed")
)

// QueryShape is the access pattern of a statement: the tables it reads and,
// per table, the columns it filters/joins on and sorts by.
type QueryShape struct {
	Tables  []string            `json:"tables"`
	Filters map[string][]string `json:"filter_columns,omitempty"`
	Sorts   map[string][]string `json:"sort_columns,omitempty"`
}

// ParseQueryShape parses a single PostgreSQL statement and extracts its shape.
// Columns whose table cannot be resolved (unqualified references in a
// multi-table FROM) are ignored.
func ParseQueryShape(sql string) (QueryShape, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return QueryShape{}, ErrEmptyQuery
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return QueryShape{}, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return QueryShape{}, ErrEmptyQuery
	}
	if len(tree.Stmts) > 1 {
		return QueryShape{}, ErrMultiStatement
	}

	w := &shapeWalker{shape: QueryShape{
		Filters: make(map[string][]string),
		Sorts:   make(map[string][]string),
	}}
	if err := w.stmt(tree.Stmts[0].Stmt, nil); err != nil {
		return QueryShape{}, err
	}
	w.finish()
	return w.shape, nil
}

type shapeScope struct {
	parent  *shapeScope
	aliases map[string]string // alias or table name -> table
	tables  []string
}

func newScope(parent *shapeScope) *shapeScope {
	return &shapeScope{parent: parent, aliases: make(map[string]string)}
}

func (s *shapeScope) resolve(qualifier string) (string, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if qualifier == "" {
			if len(sc.tables) == 1 {
				return sc.tables[0], true
			}
			if len(sc.tables) > 1 {
				return "", false
			}
			continue
		}
		if t, ok := sc.aliases[qualifier]; ok {
			return t, true
		}
	}
	return "", false
}

type shapeWalker struct {
	shape QueryShape
}

func (w *shapeWalker) stmt(node *pg_query.Node, parent *shapeScope) error {
	switch {
	case node.GetSelectStmt() != nil:
		w.selectStmt(node.GetSelectStmt(), parent)
	case node.GetExplainStmt() != nil:
		return w.stmt(node.GetExplainStmt().GetQuery(), parent)
	case node.GetUpdateStmt() != nil:
		u := node.GetUpdateStmt()
		scope := newScope(parent)
		w.rangeVar(u.GetRelation(), scope)
		for _, f := range u.GetFromClause() {
			w.fromItem(f, scope)
		}
		w.expr(u.GetWhereClause(), scope, w.shape.Filters)
	case node.GetDeleteStmt() != nil:
		d := node.GetDeleteStmt()
		scope := newScope(parent)
		w.rangeVar(d.GetRelation(), scope)
		for _, f := range d.GetUsingClause() {
			w.fromItem(f, scope)
		}
		w.expr(d.GetWhereClause(), scope, w.shape.Filters)
	default:
		return ErrUnsupportedQuery
	}
	return nil
}

func (w *shapeWalker) selectStmt(s *pg_query.SelectStmt, parent *shapeScope) {
	if s == nil {
		return
	}
	if s.GetLarg() != nil || s.GetRarg() != nil {
		w.selectStmt(s.GetLarg(), parent)
		w.selectStmt(s.GetRarg(), parent)
		return
	}

	scope := newScope(parent)
	for _, f := range s.GetFromClause() {
		w.fromItem(f, scope)
	}
	w.expr(s.GetWhereClause(), scope, w.shape.Filters)
	for _, n := range s.GetSortClause() {
		if sb := n.GetSortBy(); sb != nil {
			w.expr(sb.GetNode(), scope, w.shape.Sorts)
		}
	}
}

func (w *shapeWalker) fromItem(node *pg_query.Node, scope *shapeScope) {
	switch {
	case node.GetRangeVar() != nil:
		w.rangeVar(node.GetRangeVar(), scope)
	case node.GetJoinExpr() != nil:
		j := node.GetJoinExpr()
		w.fromItem(j.GetLarg(), scope)
		w.fromItem(j.GetRarg(), scope)
		// Join keys are index candidates just like WHERE predicates.
		w.expr(j.GetQuals(), scope, w.shape.Filters)
	case node.GetRangeSubselect() != nil:
		_ = w.stmt(node.GetRangeSubselect().GetSubquery(), scope)
	}
}

func (w *shapeWalker) rangeVar(rv *pg_query.RangeVar, scope *shapeScope) {
	if rv == nil || rv.GetRelname() == "" {
		return
	}
	table := NormalizeTable(rv.GetRelname())
	scope.aliases[table] = table
	if a := rv.GetAlias(); a != nil && a.GetAliasname() != "" {
		scope.aliases[strings.ToLower(a.GetAliasname())] = table
	}
	if !slices.Contains(scope.tables, table) {
		scope.tables = append(scope.tables, table)
	}
	if !slices.Contains(w.shape.Tables, table) {
		w.shape.Tables = append(w.shape.Tables, table)
	}
}

func (w *shapeWalker) expr(node *pg_query.Node, scope *shapeScope, into map[string][]string) {
	if node == nil {
		return
	}
	switch {
	case node.GetColumnRef() != nil:
		w.columnRef(node.GetColumnRef(), scope, into)
	case node.GetAExpr() != nil:
		w.expr(node.GetAExpr().GetLexpr(), scope, into)
		w.expr(node.GetAExpr().GetRexpr(), scope, into)
	case node.GetBoolExpr() != nil:
		for _, a := range node.GetBoolExpr().GetArgs() {
			w.expr(a, scope, into)
		}
	case node.GetNullTest() != nil:
		w.expr(node.GetNullTest().GetArg(), scope, into)
	case node.GetTypeCast() != nil:
		w.expr(node.GetTypeCast().GetArg(), scope, into)
	case node.GetList() != nil:
		for _, item := range node.GetList().GetItems() {
			w.expr(item, scope, into)
		}
	case node.GetSubLink() != nil:
		sl := node.GetSubLink()
		w.expr(sl.GetTestexpr(), scope, into)
		_ = w.stmt(sl.GetSubselect(), scope)
	}
}

func (w *shapeWalker) columnRef(ref *pg_query.ColumnRef, scope *shapeScope, into map[string][]string) {
	var parts []string
	for _, f := range ref.GetFields() {
		s := f.GetString_()
		if s == nil {
			return // A_Star
		}
		parts = append(parts, strings.ToLower(s.GetSval()))
	}
	if len(parts) == 0 {
		return
	}
	column := parts[len(parts)-1]
	qualifier := ""
	if len(parts) >= 2 {
		qualifier = parts[len(parts)-2]
	}
	table, ok := scope.resolve(qualifier)
	if !ok {
		return
	}
	if !slices.Contains(into[table], column) {
		into[table] = append(into[table], column)
	}
}

func (w *shapeWalker) finish() {
	sort.Strings(w.shape.Tables)
	if len(w.shape.Filters) == 0 {
		w.shape.Filters = nil
	}
	if len(w.shape.Sorts) == 0 {
		w.shape.Sorts = nil
	}
}
