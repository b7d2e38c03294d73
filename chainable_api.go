package grove

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/schema"
)

// Where adds an AND-ed comparison. Where(column, value) is shorthand
// for Where(column, "=", value).
func (q *Query) Where(column string, args ...interface{}) *Query {
	expr, err := whereArgs(column, args)
	if err != nil {
		return q.fail(err)
	}
	return q.addWhere(expr)
}

// OrWhere adds a comparison joined with OR at its position in the chain
func (q *Query) OrWhere(column string, args ...interface{}) *Query {
	expr, err := whereArgs(column, args)
	if err != nil {
		return q.fail(err)
	}
	return q.addWhere(clause.Or(expr))
}

// WhereRaw adds a raw condition fragment. Placeholders use ? on every
// dialect; each ? consumes one var.
func (q *Query) WhereRaw(sql string, vars ...interface{}) *Query {
	if strings.TrimSpace(sql) == "" {
		return q.fail(fmt.Errorf("%w: empty raw condition", ErrInvalidPlan))
	}
	if n := strings.Count(sql, "?"); n != len(vars) {
		return q.fail(fmt.Errorf("%w: raw condition wants %d vars, got %d", ErrInvalidPlan, n, len(vars)))
	}
	return q.addWhere(clause.Expr{SQL: sql, Vars: vars})
}

// WhereIn filters the column against a value list or a subquery
func (q *Query) WhereIn(column string, values ...interface{}) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	vals, sub := normalizeInValues(values)
	if sub != nil {
		return q.addWhere(clause.Expr{SQL: "? IN (?)", Vars: []interface{}{clause.Column{Name: column}, sub}})
	}
	return q.addWhere(clause.IN{Column: clause.Column{Name: column}, Values: vals})
}

// WhereNotIn negated WhereIn
func (q *Query) WhereNotIn(column string, values ...interface{}) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	vals, sub := normalizeInValues(values)
	if sub != nil {
		return q.addWhere(clause.Expr{SQL: "? NOT IN (?)", Vars: []interface{}{clause.Column{Name: column}, sub}})
	}
	return q.addWhere(clause.Not(clause.IN{Column: clause.Column{Name: column}, Values: vals}))
}

// WhereNull filters on the column being NULL
func (q *Query) WhereNull(column string) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	return q.addWhere(clause.Eq{Column: clause.Column{Name: column}})
}

// WhereNotNull filters on the column being NOT NULL
func (q *Query) WhereNotNull(column string) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	return q.addWhere(clause.Neq{Column: clause.Column{Name: column}})
}

// WhereBetween filters the column within the inclusive range
func (q *Query) WhereBetween(column string, from, to interface{}) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	return q.addWhere(clause.Between{Column: clause.Column{Name: column}, From: from, To: to})
}

// WhereNotBetween filters the column outside the inclusive range
func (q *Query) WhereNotBetween(column string, from, to interface{}) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	return q.addWhere(clause.Not(clause.Between{Column: clause.Column{Name: column}, From: from, To: to}))
}

// WhereGroup collects the conditions built by fn into one AND-ed,
// parenthesized group
func (q *Query) WhereGroup(fn func(*Query) *Query) *Query {
	exprs, err := q.groupExprs(fn)
	if err != nil {
		return q.fail(err)
	}
	if len(exprs) == 0 {
		return q
	}
	return q.addWhere(clause.And(exprs...))
}

// OrWhereGroup collects the conditions built by fn into a parenthesized
// group joined with OR
func (q *Query) OrWhereGroup(fn func(*Query) *Query) *Query {
	exprs, err := q.groupExprs(fn)
	if err != nil {
		return q.fail(err)
	}
	if len(exprs) == 0 {
		return q
	}
	return q.addWhere(clause.Or(clause.And(exprs...)))
}

func (q *Query) groupExprs(fn func(*Query) *Query) ([]clause.Expression, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil condition group", ErrInvalidPlan)
	}
	group := fn(q.emptyConditions())
	if group == nil {
		return nil, fmt.Errorf("%w: condition group returned nil", ErrInvalidPlan)
	}
	if group.err != nil {
		return nil, group.err
	}
	return group.whereExprs(), nil
}

// WhereHas keeps rows having at least one related row matching the
// optional constraint, compiled as an EXISTS subquery
func (q *Query) WhereHas(relation string, constraints ...func(*Query) *Query) *Query {
	expr, tables, err := q.relationExists(relation, constraints...)
	if err != nil {
		return q.fail(err)
	}
	n := q.addWhere(expr)
	n.extraTables = append(n.extraTables, tables...)
	return n
}

// WhereDoesntHave keeps rows with no related row matching the optional
// constraint
func (q *Query) WhereDoesntHave(relation string, constraints ...func(*Query) *Query) *Query {
	expr, tables, err := q.relationExists(relation, constraints...)
	if err != nil {
		return q.fail(err)
	}
	exists := expr.(clause.Expr)
	exists.SQL = "NOT " + exists.SQL
	n := q.addWhere(exists)
	n.extraTables = append(n.extraTables, tables...)
	return n
}

func (q *Query) relationExists(relation string, constraints ...func(*Query) *Query) (clause.Expression, []string, error) {
	if q.entity == "" {
		return nil, nil, fmt.Errorf("%w: relation filters require a registered entity target", ErrInvalidPlan)
	}
	rel, err := q.db.registry.Relation(q.entity, relation)
	if err != nil {
		return nil, nil, err
	}

	switch rel.Kind {
	case schema.HasOne, schema.HasMany, schema.BelongsTo, schema.BelongsToMany:
	default:
		return nil, nil, fmt.Errorf("%w: relation filter on %s", ErrUnsupportedRelation, rel.Kind)
	}

	owner, err := q.db.registry.Resolve(q.entity)
	if err != nil {
		return nil, nil, err
	}
	related, err := q.db.registry.Resolve(rel.Related)
	if err != nil {
		return nil, nil, err
	}

	sub := q.db.Model(rel.Related).SelectRaw("1")
	tables := []string{related.Table}

	switch rel.Kind {
	case schema.HasOne, schema.HasMany:
		sub = sub.whereColumnsEqual(related.Table, rel.ForeignKey, owner.Table, rel.LocalKey)
	case schema.BelongsTo:
		sub = sub.whereColumnsEqual(related.Table, rel.OwnerKey, owner.Table, rel.ForeignKey)
	case schema.BelongsToMany:
		sub = sub.Join(rel.PivotTable,
			related.Table+"."+rel.OwnerKey, "=", rel.PivotTable+"."+rel.RelatedPivotKey).
			whereColumnsEqual(rel.PivotTable, rel.ForeignPivotKey, owner.Table, rel.LocalKey)
		tables = append(tables, rel.PivotTable)
	}

	if len(constraints) > 0 && constraints[0] != nil {
		sub = constraints[0](sub)
	}
	if sub.err != nil {
		return nil, nil, sub.err
	}
	return clause.Expr{SQL: "EXISTS(?)", Vars: []interface{}{sub}}, tables, nil
}

func (q *Query) whereColumnsEqual(leftTable, leftColumn, rightTable, rightColumn string) *Query {
	return q.addWhere(clause.Eq{
		Column: clause.Column{Table: leftTable, Name: leftColumn},
		Value:  clause.Column{Table: rightTable, Name: rightColumn},
	})
}

// Select narrows the projection to the given columns. A later Select
// replaces an earlier one.
func (q *Query) Select(columns ...string) *Query {
	if len(columns) == 0 {
		return q.fail(fmt.Errorf("%w: Select wants at least one column", ErrInvalidPlan))
	}
	cols := make([]clause.Column, len(columns))
	for i, column := range columns {
		if column == "" {
			return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
		}
		cols[i] = clause.Column{Name: column}
	}
	return q.addClause(clause.Select{Columns: cols})
}

// SelectRaw projects a raw expression, e.g. SelectRaw("COUNT(*) AS total")
func (q *Query) SelectRaw(sql string, vars ...interface{}) *Query {
	if strings.TrimSpace(sql) == "" {
		return q.fail(fmt.Errorf("%w: empty raw projection", ErrInvalidPlan))
	}
	return q.addClause(clause.Select{Expression: clause.Expr{SQL: sql, Vars: vars}})
}

// Distinct marks the projection DISTINCT, optionally narrowing it to
// the given columns
func (q *Query) Distinct(columns ...string) *Query {
	sel := clause.Select{Distinct: true}
	if len(columns) > 0 {
		cols := make([]clause.Column, len(columns))
		for i, column := range columns {
			if column == "" {
				return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
			}
			cols[i] = clause.Column{Name: column}
		}
		sel.Columns = cols
	} else if c, ok := q.clauses["SELECT"]; ok {
		if prev, ok := c.Expression.(clause.Select); ok {
			sel.Columns = prev.Columns
		}
	}
	return q.addClause(sel)
}

// Join adds an INNER JOIN, e.g. Join("profiles", "users.id", "=", "profiles.user_id")
func (q *Query) Join(table, local, operator, foreign string) *Query {
	return q.join(clause.InnerJoin, table, local, operator, foreign)
}

// LeftJoin adds a LEFT JOIN
func (q *Query) LeftJoin(table, local, operator, foreign string) *Query {
	return q.join(clause.LeftJoin, table, local, operator, foreign)
}

// RightJoin adds a RIGHT JOIN
func (q *Query) RightJoin(table, local, operator, foreign string) *Query {
	return q.join(clause.RightJoin, table, local, operator, foreign)
}

func (q *Query) join(joinType clause.JoinType, table, local, operator, foreign string) *Query {
	if table == "" {
		return q.fail(fmt.Errorf("%w: empty join table", ErrInvalidPlan))
	}
	on, err := comparison(local, operator, clause.Column{Name: foreign})
	if err != nil {
		return q.fail(err)
	}
	n := q.addClause(clause.From{Joins: []clause.Join{{
		Type:  joinType,
		Table: clause.Table{Name: table},
		ON:    clause.Where{Exprs: []clause.Expression{on}},
	}}})
	n.joinTables = append(n.joinTables, table)
	return n
}

// Order appends an ordering term, ascending unless direction is "desc"
func (q *Query) Order(column string, direction ...string) *Query {
	if column == "" {
		return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
	}
	if len(direction) > 1 {
		return q.fail(fmt.Errorf("%w: Order wants at most one direction", ErrInvalidPlan))
	}

	desc := false
	if len(direction) == 1 {
		switch strings.ToLower(direction[0]) {
		case "", "asc":
		case "desc":
			desc = true
		default:
			return q.fail(fmt.Errorf("%w: order direction %q", ErrInvalidPlan, direction[0]))
		}
	}

	return q.addClause(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: column}, Desc: desc},
	}})
}

// Group appends grouping terms
func (q *Query) Group(columns ...string) *Query {
	if len(columns) == 0 {
		return q.fail(fmt.Errorf("%w: Group wants at least one column", ErrInvalidPlan))
	}
	cols := make([]clause.Column, len(columns))
	for i, column := range columns {
		if column == "" {
			return q.fail(fmt.Errorf("%w: empty column", ErrInvalidPlan))
		}
		cols[i] = clause.Column{Name: column}
	}
	return q.addClause(clause.GroupBy{Columns: cols})
}

// Having adds an aggregate constraint. Grouping terms must be present
// by compile time.
func (q *Query) Having(column string, args ...interface{}) *Query {
	expr, err := whereArgs(column, args)
	if err != nil {
		return q.fail(err)
	}
	return q.addClause(clause.GroupBy{Having: []clause.Expression{expr}})
}

// Limit caps the number of rows returned
func (q *Query) Limit(limit int) *Query {
	if limit < 0 {
		return q.fail(fmt.Errorf("%w: negative limit", ErrInvalidPlan))
	}
	return q.addClause(clause.Limit{Limit: &limit})
}

// Offset skips the first rows of the result
func (q *Query) Offset(offset int) *Query {
	if offset < 0 {
		return q.fail(fmt.Errorf("%w: negative offset", ErrInvalidPlan))
	}
	return q.addClause(clause.Limit{Offset: offset})
}

// Preload requests eager loading of a dot-separated relation path, with
// an optional constraint applied to that path's query
func (q *Query) Preload(path string, constraints ...func(*Query) *Query) *Query {
	if q.entity == "" {
		return q.fail(fmt.Errorf("%w: Preload requires a registered entity target", ErrInvalidPlan))
	}
	if err := q.validatePreloadPath(path); err != nil {
		return q.fail(err)
	}

	n := q.clone()
	p := preload{path: path}
	if len(constraints) > 0 {
		p.constraint = constraints[0]
	}
	n.preloads = append(n.preloads, p)
	return n
}

// validatePreloadPath walks the declared relation names along the path.
// Full key validation happens at resolution; this catches typos when
// the plan is built.
func (q *Query) validatePreloadPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty preload path", ErrInvalidPlan)
	}

	entity := q.entity
	segments := strings.Split(path, ".")
	for i, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: malformed preload path %q", ErrInvalidPlan, path)
		}
		s, err := q.db.registry.Resolve(entity)
		if err != nil {
			return fmt.Errorf("%w: preload path %q: %v", ErrInvalidPlan, path, err)
		}
		rel, ok := s.Relationship(segment)
		if !ok {
			return fmt.Errorf("%w: relation %s not declared on %s", ErrInvalidPlan, segment, entity)
		}
		if rel.Kind == schema.MorphTo {
			if i != len(segments)-1 {
				return fmt.Errorf("%w: cannot nest under morph_to segment %s in %q", ErrInvalidPlan, segment, path)
			}
			return nil
		}
		entity = rel.Related
	}
	return nil
}

// Remember caches the finisher's result set for ttl. Zero or negative
// disables caching for this plan, overriding any handle-wide default.
func (q *Query) Remember(ttl time.Duration) *Query {
	n := q.clone()
	n.ttl = ttl
	n.ttlSet = true
	return n
}

func whereArgs(column string, args []interface{}) (clause.Expression, error) {
	switch len(args) {
	case 1:
		return comparison(column, "=", args[0])
	case 2:
		operator, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: operator must be a string, got %T", ErrInvalidPlan, args[0])
		}
		return comparison(column, operator, args[1])
	default:
		return nil, fmt.Errorf("%w: condition wants (column, value) or (column, operator, value)", ErrInvalidPlan)
	}
}

func comparison(column, operator string, value interface{}) (clause.Expression, error) {
	if column == "" {
		return nil, fmt.Errorf("%w: empty column", ErrInvalidPlan)
	}

	op := strings.ToUpper(strings.TrimSpace(operator))
	col := clause.Column{Name: column}

	if sub, ok := value.(*Query); ok {
		switch op {
		case "=", "!=", "<>", "<", "<=", ">", ">=", "LIKE", "NOT LIKE":
			return clause.Expr{SQL: "? " + op + " (?)", Vars: []interface{}{col, sub}}, nil
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidPlan, operator)
		}
	}

	switch op {
	case "=":
		return clause.Eq{Column: col, Value: value}, nil
	case "!=", "<>":
		return clause.Neq{Column: col, Value: value}, nil
	case "<":
		return clause.Lt{Column: col, Value: value}, nil
	case "<=":
		return clause.Lte{Column: col, Value: value}, nil
	case ">":
		return clause.Gt{Column: col, Value: value}, nil
	case ">=":
		return clause.Gte{Column: col, Value: value}, nil
	case "LIKE":
		return clause.Like{Column: col, Value: value}, nil
	case "NOT LIKE":
		return clause.Not(clause.Like{Column: col, Value: value}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidPlan, operator)
	}
}

func normalizeInValues(values []interface{}) ([]interface{}, *Query) {
	if len(values) == 1 {
		switch v := values[0].(type) {
		case *Query:
			return nil, v
		case []interface{}:
			return v, nil
		case []byte:
			return values, nil
		default:
			if rv := reflect.ValueOf(values[0]); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				out := make([]interface{}, rv.Len())
				for i := 0; i < rv.Len(); i++ {
					out[i] = rv.Index(i).Interface()
				}
				return out, nil
			}
		}
	}
	return values, nil
}
