package grove

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/schema"
)

// Find runs the plan and hydrates every matching row, then eager loads
// the plan's preload paths.
func (q *Query) Find(ctx context.Context) ([]*Entity, error) {
	rows, err := q.fetch(ctx)
	if err != nil {
		return nil, err
	}

	entities, err := q.hydrateRows(rows)
	if err != nil {
		return nil, err
	}
	if err := q.db.loadPreloads(ctx, q, entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// First returns the first matching row, ordered by primary key when
// the plan carries no ordering of its own. ErrRecordNotFound when
// nothing matches.
func (q *Query) First(ctx context.Context) (*Entity, error) {
	plan := q
	if _, ok := q.clauses["ORDER BY"]; !ok {
		plan = q.Order(clause.PrimaryKey)
	}
	return plan.Limit(1).one(ctx)
}

// Take returns one matching row without implying any order.
func (q *Query) Take(ctx context.Context) (*Entity, error) {
	return q.Limit(1).one(ctx)
}

// FindByID returns the entity with the given primary key.
func (q *Query) FindByID(ctx context.Context, id interface{}) (*Entity, error) {
	return q.Where(clause.PrimaryKey, id).Take(ctx)
}

func (q *Query) one(ctx context.Context) (*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}

	sql, vars, err := q.db.compiler.Compile(q)
	if err != nil {
		return nil, err
	}

	begin := q.db.nowFunc()
	rows, _, err := q.db.executeQuery(ctx, q, sql, vars)
	if err == nil && len(rows) == 0 {
		err = ErrRecordNotFound
	}
	rowCount := int64(len(rows))
	if err != nil && err != ErrRecordNotFound {
		rowCount = -1
	}
	q.db.trace(ctx, begin, sql, vars, rowCount, err)
	if err != nil {
		return nil, err
	}

	entities, err := q.hydrateRows(rows)
	if err != nil {
		return nil, err
	}
	if err := q.db.loadPreloads(ctx, q, entities); err != nil {
		return nil, err
	}
	return entities[0], nil
}

// Pluck collects one column across every matching row.
func (q *Query) Pluck(ctx context.Context, column string) ([]interface{}, error) {
	rows, err := q.Select(column).fetch(ctx)
	if err != nil {
		return nil, err
	}

	key := columnKey(column)
	values := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		values = append(values, row[key])
	}
	return values, nil
}

// Value returns one column from the first matching row.
func (q *Query) Value(ctx context.Context, column string) (interface{}, error) {
	entity, err := q.Select(column).Take(ctx)
	if err != nil {
		return nil, err
	}
	return entity.Get(columnKey(column)), nil
}

// Exists reports whether any row matches the plan.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	rows, err := q.SelectRaw("1").Limit(1).fetch(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Count returns the number of matching rows. Over a single-column
// distinct selection it counts the distinct values instead.
func (q *Query) Count(ctx context.Context) (int64, error) {
	sql := "COUNT(*) AS aggregate"
	var vars []interface{}
	if sc, ok := q.clauses["SELECT"]; ok {
		if sel, ok := sc.Expression.(clause.Select); ok && sel.Distinct {
			if len(sel.Columns) != 1 {
				return 0, fmt.Errorf("%w: COUNT over a distinct selection needs exactly one column", ErrInvalidSQL)
			}
			sql = "COUNT(DISTINCT ?) AS aggregate"
			vars = []interface{}{sel.Columns[0]}
		}
	}

	row, err := q.aggregate(ctx, sql, vars...)
	if err != nil {
		return 0, err
	}
	return (&Entity{attributes: row}).GetInt("aggregate"), nil
}

// Sum totals a column over the matching rows, zero when none match.
func (q *Query) Sum(ctx context.Context, column string) (float64, error) {
	row, err := q.aggregate(ctx, "SUM(?) AS aggregate", clause.Column{Name: column})
	if err != nil {
		return 0, err
	}
	return (&Entity{attributes: row}).GetFloat("aggregate"), nil
}

// Avg averages a column over the matching rows.
func (q *Query) Avg(ctx context.Context, column string) (float64, error) {
	row, err := q.aggregate(ctx, "AVG(?) AS aggregate", clause.Column{Name: column})
	if err != nil {
		return 0, err
	}
	return (&Entity{attributes: row}).GetFloat("aggregate"), nil
}

// Min returns the smallest value of a column, nil when nothing
// matches.
func (q *Query) Min(ctx context.Context, column string) (interface{}, error) {
	row, err := q.aggregate(ctx, "MIN(?) AS aggregate", clause.Column{Name: column})
	if err != nil {
		return nil, err
	}
	return row["aggregate"], nil
}

// Max returns the largest value of a column, nil when nothing matches.
func (q *Query) Max(ctx context.Context, column string) (interface{}, error) {
	row, err := q.aggregate(ctx, "MAX(?) AS aggregate", clause.Column{Name: column})
	if err != nil {
		return nil, err
	}
	return row["aggregate"], nil
}

// aggregate swaps the projection for an aggregate expression and runs
// the plan. Ordering and windowing cannot change the result, so they
// are dropped from the copy.
func (q *Query) aggregate(ctx context.Context, sql string, vars ...interface{}) (Row, error) {
	plan := q.clone()
	delete(plan.clauses, "ORDER BY")
	delete(plan.clauses, "LIMIT")
	plan.clauses["SELECT"] = clause.Clause{
		Name:       "SELECT",
		Expression: clause.Expr{SQL: sql, Vars: vars},
	}

	rows, err := plan.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return Row{}, nil
	}
	return rows[0], nil
}

// Page holds one window of a paginated result.
type Page struct {
	Entities []*Entity
	Total    int64
	Page     int
	PerPage  int
	LastPage int
}

// Paginate counts the full result and fetches one window of it.
func (q *Query) Paginate(ctx context.Context, page, perPage int) (*Page, error) {
	if perPage < 1 {
		return nil, fmt.Errorf("%w: page size must be positive", ErrInvalidPlan)
	}
	if page < 1 {
		page = 1
	}

	total, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}

	entities := []*Entity{}
	if total > 0 {
		entities, err = q.Limit(perPage).Offset((page - 1) * perPage).Find(ctx)
		if err != nil {
			return nil, err
		}
	}

	lastPage := int((total + int64(perPage) - 1) / int64(perPage))
	if lastPage < 1 {
		lastPage = 1
	}
	return &Page{
		Entities: entities,
		Total:    total,
		Page:     page,
		PerPage:  perPage,
		LastPage: lastPage,
	}, nil
}

// Chunk walks the matching rows in primary key order, size rows at a
// time. Keyset pagination keeps batches stable while rows are written
// concurrently, so any ordering already on the plan is replaced by the
// key order. The callback returning false stops the walk.
func (q *Query) Chunk(ctx context.Context, size int, fn func(batch []*Entity) (bool, error)) error {
	if size < 1 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidPlan)
	}
	if q.err != nil {
		return q.err
	}

	keyOrder := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: clause.PrimaryKey}, Reorder: true},
	}}

	var lastKey interface{}
	for {
		plan := q.addClause(keyOrder).Limit(size)
		if lastKey != nil {
			plan = plan.Where(clause.PrimaryKey, ">", lastKey)
		}

		batch, err := plan.Find(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		keep, err := fn(batch)
		if err != nil {
			return err
		}

		lastKey = batch[len(batch)-1].Key()
		if lastKey == nil {
			return fmt.Errorf("%w: chunking requires hydrated primary keys", ErrInvalidPlan)
		}
		if !keep || len(batch) < size {
			return nil
		}
	}
}

// Create inserts one row and returns it as a persisted entity.
// Declared timestamps are stamped and the driver's insert id becomes
// the primary key when the row does not already carry one.
func (q *Query) Create(ctx context.Context, attrs Row) (*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.entity == "" {
		return nil, fmt.Errorf("%w: Create needs an entity plan", ErrInvalidPlan)
	}
	s, err := q.db.registry.Resolve(q.entity)
	if err != nil {
		return nil, err
	}

	row := make(Row, len(attrs)+2)
	for column, value := range attrs {
		row[column] = value
	}
	if s.Timestamps {
		stamp := q.db.nowFunc()
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = stamp
		}
		if _, ok := row["updated_at"]; !ok {
			row["updated_at"] = stamp
		}
	}

	sql, vars, err := q.db.compiler.CompileInsert(q, row)
	if err != nil {
		return nil, err
	}

	res, err := q.db.execWrite(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	if _, ok := row[s.PrimaryKey]; !ok && res.LastInsertID != 0 {
		row[s.PrimaryKey] = res.LastInsertID
	}

	q.db.invalidate(ctx, s.Table)
	return newEntity(q.entity, s, row, false), nil
}

// Insert writes rows without hydrating them back and reports how many
// landed. Unlike Create it stamps nothing.
func (q *Query) Insert(ctx context.Context, rows ...Row) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sql, vars, err := q.db.compiler.CompileInsert(q, rows...)
	if err != nil {
		return 0, err
	}

	res, err := q.db.execWrite(ctx, sql, vars)
	if err != nil {
		return 0, err
	}
	q.db.invalidate(ctx, q.TableName())
	return res.RowsAffected, nil
}

// Update applies assignments to every matching row. A plan without any
// condition is refused rather than silently updating the whole table.
func (q *Query) Update(ctx context.Context, values Row) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if len(q.whereExprs()) == 0 {
		return 0, ErrMissingWhereClause
	}

	assignments := make(Row, len(values)+1)
	for column, value := range values {
		assignments[column] = value
	}
	if q.entity != "" {
		if s, err := q.db.registry.Resolve(q.entity); err == nil && s.Timestamps {
			if _, ok := assignments["updated_at"]; !ok {
				assignments["updated_at"] = q.db.nowFunc()
			}
		}
	}

	sql, vars, err := q.db.compiler.CompileUpdate(q, assignments)
	if err != nil {
		return 0, err
	}

	res, err := q.db.execWrite(ctx, sql, vars)
	if err != nil {
		return 0, err
	}
	q.db.invalidate(ctx, q.TableName())
	return res.RowsAffected, nil
}

// Delete removes every matching row. A plan without any condition is
// refused, emptying a table is what Truncate is for.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if len(q.whereExprs()) == 0 {
		return 0, ErrMissingWhereClause
	}

	sql, vars, err := q.db.compiler.CompileDelete(q)
	if err != nil {
		return 0, err
	}

	res, err := q.db.execWrite(ctx, sql, vars)
	if err != nil {
		return 0, err
	}
	q.db.invalidate(ctx, q.TableName())
	return res.RowsAffected, nil
}

// Truncate empties the plan's target table.
func (q *Query) Truncate(ctx context.Context) error {
	if q.err != nil {
		return q.err
	}

	sql, err := q.db.compiler.CompileTruncate(q)
	if err != nil {
		return err
	}

	if _, err := q.db.execWrite(ctx, sql, nil); err != nil {
		return err
	}
	q.db.invalidate(ctx, q.TableName())
	return nil
}

// Exec runs a raw plan as a write statement. With no way to know which
// tables it touched, every cached result is dropped.
func (q *Query) Exec(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.rawSQL == "" {
		return 0, fmt.Errorf("%w: Exec requires a raw statement", ErrInvalidPlan)
	}
	if err := checkRawArity(q.db.dialect, q.rawSQL, q.rawVars); err != nil {
		return 0, err
	}

	res, err := q.db.execWrite(ctx, q.rawSQL, q.rawVars)
	if err != nil {
		return 0, err
	}
	q.db.invalidate(ctx)
	return res.RowsAffected, nil
}

// Save persists an entity: an insert when it is new, otherwise an
// update of just its dirty columns. A clean entity is a no-op.
func (db *DB) Save(ctx context.Context, entity *Entity) error {
	if entity == nil || entity.name == "" {
		return fmt.Errorf("%w: entity has no registered name", ErrInvalidPlan)
	}
	s, err := db.registry.Resolve(entity.name)
	if err != nil {
		return err
	}

	if !entity.exists {
		if s.Timestamps {
			stamp := db.nowFunc()
			if !entity.Has("created_at") {
				entity.Set("created_at", stamp)
			}
			if !entity.Has("updated_at") {
				entity.Set("updated_at", stamp)
			}
		}

		sql, vars, err := db.compiler.CompileInsert(db.Model(entity.name), entity.attributes)
		if err != nil {
			return err
		}
		res, err := db.execWrite(ctx, sql, vars)
		if err != nil {
			return err
		}

		if entity.Key() == nil && res.LastInsertID != 0 {
			entity.Set(s.PrimaryKey, res.LastInsertID)
		}
		entity.exists = true
		entity.syncOriginal()
		db.invalidate(ctx, s.Table)
		return nil
	}

	dirty := entity.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	if entity.Key() == nil {
		return fmt.Errorf("%w: cannot update an entity without its primary key", ErrInvalidPlan)
	}
	if s.Timestamps {
		if _, ok := dirty["updated_at"]; !ok {
			entity.Set("updated_at", db.nowFunc())
			dirty["updated_at"] = entity.Get("updated_at")
		}
	}

	if _, err := db.Model(entity.name).Where(s.PrimaryKey, entity.Key()).Update(ctx, dirty); err != nil {
		return err
	}
	entity.syncOriginal()
	return nil
}

// fetch compiles and runs the plan as a read, tracing the statement.
func (q *Query) fetch(ctx context.Context) ([]Row, error) {
	if q.err != nil {
		return nil, q.err
	}

	sql, vars, err := q.db.compiler.Compile(q)
	if err != nil {
		return nil, err
	}

	begin := q.db.nowFunc()
	rows, _, err := q.db.executeQuery(ctx, q, sql, vars)
	rowCount := int64(len(rows))
	if err != nil {
		rowCount = -1
	}
	q.db.trace(ctx, begin, sql, vars, rowCount, err)
	return rows, err
}

// execWrite runs a compiled write, tracing the statement.
func (db *DB) execWrite(ctx context.Context, sql string, vars []interface{}) (Result, error) {
	begin := db.nowFunc()
	res, err := db.exec().Exec(ctx, sql, vars...)
	rowCount := res.RowsAffected
	if err != nil {
		rowCount = -1
	}
	db.trace(ctx, begin, sql, vars, rowCount, err)
	return res, err
}

func (q *Query) hydrateRows(rows []Row) ([]*Entity, error) {
	var s *schema.Schema
	if q.entity != "" {
		resolved, err := q.db.registry.Resolve(q.entity)
		if err != nil {
			return nil, err
		}
		s = resolved
	}
	return hydrate(q.entity, s, rows), nil
}

// columnKey maps a selected column to its key in a result row.
func columnKey(column string) string {
	if idx := strings.LastIndexByte(column, '.'); idx >= 0 {
		column = column[idx+1:]
	}
	return column
}
