package grove

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/schema"
)

// Build orders per statement class. Names absent from a plan are
// skipped, so one ordered list serves every plan of its class.
var (
	selectClauses = []string{"SELECT", "FROM", "WHERE", "GROUP BY", "ORDER BY", "LIMIT"}
	insertClauses = []string{"INSERT", "VALUES"}
	updateClauses = []string{"UPDATE", "SET", "WHERE"}
	deleteClauses = []string{"DELETE", "FROM", "WHERE"}
)

// Compiler renders plans into SQL for one dialect. It keeps no
// per-statement state, so a single compiler serves concurrent sessions.
type Compiler struct {
	registry *schema.Registry
	dialect  Dialect
}

// NewCompiler creates a compiler bound to a registry and dialect,
// defaulting to MySQL rendering when dialect is nil.
func NewCompiler(registry *schema.Registry, dialect Dialect) *Compiler {
	if dialect == nil {
		dialect = MySQLDialect{}
	}
	return &Compiler{registry: registry, dialect: dialect}
}

// Compile renders a read plan into statement text and an ordered bind
// list. Raw plans pass through verbatim after an arity check, built
// plans render SELECT, FROM, WHERE, GROUP BY, ORDER BY, LIMIT in that
// fixed order regardless of call order.
func (c *Compiler) Compile(q *Query) (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}

	if q.rawSQL != "" {
		if err := checkRawArity(c.dialect, q.rawSQL, q.rawVars); err != nil {
			return "", nil, err
		}
		return q.rawSQL, q.rawVars, nil
	}

	stmt, err := c.newStatement(q, c.dialect)
	if err != nil {
		return "", nil, err
	}
	if err := c.buildSelect(stmt, q); err != nil {
		return "", nil, err
	}
	return stmt.SQL.String(), stmt.Vars, nil
}

// CompileInsert renders an INSERT for the given rows. Column order is
// the sorted key set of the first row so identical rows always render
// identical statements, rows missing one of those columns bind NULL,
// rows carrying an extra column are rejected.
func (c *Compiler) CompileInsert(q *Query, rows ...map[string]interface{}) (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("%w: insert requires at least one row", ErrInvalidSQL)
	}

	stmt, err := c.newStatement(q, c.dialect)
	if err != nil {
		return "", nil, err
	}

	names := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	columns := make([]clause.Column, len(names))
	for idx, name := range names {
		columns[idx] = clause.Column{Name: name}
	}

	values := make([][]interface{}, len(rows))
	for idx, row := range rows {
		for name := range row {
			if _, ok := rows[0][name]; !ok {
				return "", nil, fmt.Errorf("%w: row %d has column %q missing from the first row", ErrInvalidSQL, idx, name)
			}
		}

		value := make([]interface{}, len(names))
		for i, name := range names {
			value[i] = row[name]
		}
		values[idx] = value
	}

	stmt.AddClause(clause.Insert{})
	stmt.AddClause(clause.Values{Columns: columns, Values: values})
	stmt.Build(insertClauses...)
	if stmt.Error != nil {
		return "", nil, stmt.Error
	}
	return stmt.SQL.String(), stmt.Vars, nil
}

// CompileUpdate renders an UPDATE applying the plan's conditions.
// Assignments render in sorted column order.
func (c *Compiler) CompileUpdate(q *Query, values map[string]interface{}) (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(values) == 0 {
		return "", nil, fmt.Errorf("%w: update requires at least one assignment", ErrInvalidSQL)
	}

	stmt, err := c.newStatement(q, c.dialect)
	if err != nil {
		return "", nil, err
	}

	for name, cl := range q.clauses {
		stmt.Clauses[name] = cl
	}

	stmt.AddClause(clause.Update{})
	stmt.AddClause(clause.Assignments(values))
	stmt.Build(updateClauses...)
	if stmt.Error != nil {
		return "", nil, stmt.Error
	}
	return stmt.SQL.String(), stmt.Vars, nil
}

// CompileDelete renders a DELETE applying the plan's conditions.
func (c *Compiler) CompileDelete(q *Query) (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}

	stmt, err := c.newStatement(q, c.dialect)
	if err != nil {
		return "", nil, err
	}

	for name, cl := range q.clauses {
		stmt.Clauses[name] = cl
	}

	stmt.AddClause(clause.Delete{})
	stmt.AddClauseIfNotExists(clause.From{})
	stmt.Build(deleteClauses...)
	if stmt.Error != nil {
		return "", nil, stmt.Error
	}
	return stmt.SQL.String(), stmt.Vars, nil
}

// CompileTruncate renders the dialect's table-emptying statement.
// SQLite has no TRUNCATE so an unconditional DELETE is used there.
func (c *Compiler) CompileTruncate(q *Query) (string, error) {
	if q.err != nil {
		return "", q.err
	}

	stmt, err := c.newStatement(q, c.dialect)
	if err != nil {
		return "", err
	}

	if c.dialect.Name() == "sqlite" {
		stmt.WriteString("DELETE FROM ")
	} else {
		stmt.WriteString("TRUNCATE TABLE ")
	}
	stmt.WriteQuoted(clause.Table{Name: clause.CurrentTable})
	return stmt.SQL.String(), nil
}

// newStatement prepares an empty statement for the plan's target,
// resolving the entity's schema when the plan has one.
func (c *Compiler) newStatement(q *Query, dialect Dialect) (*Statement, error) {
	stmt := &Statement{
		Dialect: dialect,
		Clauses: make(map[string]clause.Clause),
	}

	switch {
	case q.entity != "":
		s, err := c.registry.Resolve(q.entity)
		if err != nil {
			return nil, err
		}
		stmt.Schema = s
		stmt.Table = s.Table
	case q.table != "":
		stmt.Table = q.table
	default:
		return nil, fmt.Errorf("%w: no table for statement", ErrInvalidSQL)
	}

	return stmt, nil
}

// buildSelect copies the plan's clauses into the statement and renders
// them in select order.
func (c *Compiler) buildSelect(stmt *Statement, q *Query) error {
	if err := c.validatePlan(q); err != nil {
		return err
	}

	for name, cl := range q.clauses {
		stmt.Clauses[name] = cl
	}
	stmt.AddClauseIfNotExists(clause.Select{})
	stmt.AddClauseIfNotExists(clause.From{})

	stmt.Build(selectClauses...)
	return stmt.Error
}

// validatePlan rejects plans that would render structurally invalid
// SQL. Join targets are only checked for entity plans, table plans are
// an escape hatch from registry scope.
func (c *Compiler) validatePlan(q *Query) error {
	if q.entity != "" {
		for _, table := range q.joinTables {
			if !c.registry.KnownTable(table) {
				return fmt.Errorf("%w: join references unknown table %q", ErrInvalidSQL, table)
			}
		}
	}

	if gc, ok := q.clauses["GROUP BY"]; ok {
		if groupBy, ok := gc.Expression.(clause.GroupBy); ok {
			if len(groupBy.Columns) == 0 && len(groupBy.Having) > 0 {
				return fmt.Errorf("%w: HAVING requires GROUP BY", ErrInvalidSQL)
			}
		}
	}
	return nil
}

// buildSubqueryStatement renders a plan inline inside a parent
// statement. The subquery inherits the parent's dialect and is seeded
// with its vars so numbered placeholders continue across the boundary,
// the caller adopts the combined list afterwards.
func buildSubqueryStatement(q *Query, parent *Statement) (*Statement, error) {
	if q.err != nil {
		return nil, q.err
	}

	if q.rawSQL != "" {
		if err := checkRawArity(parent.Dialect, q.rawSQL, q.rawVars); err != nil {
			return nil, err
		}
		sub := &Statement{Dialect: parent.Dialect}
		sub.SQL.WriteString(q.rawSQL)
		sub.Vars = append(parent.Vars, q.rawVars...)
		return sub, nil
	}

	c := q.db.compiler
	sub, err := c.newStatement(q, parent.Dialect)
	if err != nil {
		return nil, err
	}
	sub.Vars = parent.Vars
	if err := c.buildSelect(sub, q); err != nil {
		return nil, err
	}
	return sub, nil
}

// checkRawArity verifies a raw statement's placeholder count matches
// its bind values. Numbered dialects are checked against the highest
// placeholder seen so repeated references stay legal.
func checkRawArity(dialect Dialect, sql string, vars []interface{}) error {
	want := 0
	if dialect.Name() == "postgres" {
		for _, match := range numericPlaceholder.FindAllStringSubmatch(sql, -1) {
			if n, err := strconv.Atoi(match[1]); err == nil && n > want {
				want = n
			}
		}
	} else {
		want = strings.Count(sql, "?")
	}

	if want != len(vars) {
		return fmt.Errorf("%w: statement expects %d bind values, got %d", ErrInvalidSQL, want, len(vars))
	}
	return nil
}
