package grove

import (
	"time"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/utils"
)

// Query is an immutable query plan. Every chainable method returns a
// new *Query; previously returned plans never observe later edits, so
// concurrent composition from a shared base needs no synchronization.
type Query struct {
	db *DB

	entity  string
	table   string
	rawSQL  string
	rawVars []interface{}

	clauses     map[string]clause.Clause
	preloads    []preload
	joinTables  []string
	extraTables []string
	ttl         time.Duration
	ttlSet      bool
	err         error
}

type preload struct {
	path       string
	constraint func(*Query) *Query
}

func (q *Query) clone() *Query {
	n := &Query{
		db:     q.db,
		entity: q.entity,
		table:  q.table,
		rawSQL: q.rawSQL,
		ttl:    q.ttl,
		ttlSet: q.ttlSet,
		err:    q.err,

		clauses: make(map[string]clause.Clause, len(q.clauses)+1),
	}
	for name, c := range q.clauses {
		n.clauses[name] = c
	}
	if len(q.rawVars) > 0 {
		n.rawVars = make([]interface{}, len(q.rawVars))
		copy(n.rawVars, q.rawVars)
	}
	if len(q.preloads) > 0 {
		n.preloads = make([]preload, len(q.preloads))
		copy(n.preloads, q.preloads)
	}
	if len(q.joinTables) > 0 {
		n.joinTables = make([]string, len(q.joinTables))
		copy(n.joinTables, q.joinTables)
	}
	if len(q.extraTables) > 0 {
		n.extraTables = make([]string, len(q.extraTables))
		copy(n.extraTables, q.extraTables)
	}
	return n
}

// fail records a plan construction error. The first error wins and is
// surfaced by finishers before anything is compiled or executed.
func (q *Query) fail(err error) *Query {
	n := q.clone()
	if n.err == nil {
		n.err = err
	}
	return n
}

// Error returns the deferred construction error, if any
func (q *Query) Error() error {
	return q.err
}

func (q *Query) addClause(v clause.Interface) *Query {
	n := q.clone()
	name := v.Name()
	c := n.clauses[name]
	c.Name = name
	v.MergeClause(&c)
	n.clauses[name] = c
	return n
}

func (q *Query) addWhere(exprs ...clause.Expression) *Query {
	return q.addClause(clause.Where{Exprs: exprs})
}

func (q *Query) whereExprs() []clause.Expression {
	if c, ok := q.clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok {
			return where.Exprs
		}
	}
	return nil
}

// emptyConditions returns a bare plan against the same target, used to
// collect the conditions of a closure group
func (q *Query) emptyConditions() *Query {
	return &Query{db: q.db, entity: q.entity, table: q.table, clauses: map[string]clause.Clause{}}
}

// TableName resolves the table the plan targets
func (q *Query) TableName() string {
	if q.table != "" {
		return q.table
	}
	if q.entity != "" && q.db != nil {
		if s, err := q.db.registry.Resolve(q.entity); err == nil {
			return s.Table
		}
	}
	return ""
}

// referencedTables lists every table the statement touches: the target,
// joined tables and any table a relation-existence filter reached. The
// cache layer keys invalidation on this list.
func (q *Query) referencedTables() []string {
	tables := make([]string, 0, 1+len(q.joinTables)+len(q.extraTables))
	if t := q.TableName(); t != "" {
		tables = append(tables, t)
	}
	for _, t := range q.joinTables {
		if !utils.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	for _, t := range q.extraTables {
		if !utils.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	return tables
}

// ToSQL compiles the plan and returns the statement text with its
// ordered bind parameters
func (q *Query) ToSQL() (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return q.db.compiler.Compile(q)
}
