package grove

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/schema"
)

// Statement accumulates clauses and renders them into statement text
// plus an ordered bind list. It implements clause.Builder.
type Statement struct {
	Table   string
	Schema  *schema.Schema
	Dialect Dialect
	Clauses map[string]clause.Clause
	SQL     strings.Builder
	Vars    []interface{}
	Error   error
}

// WriteString write string
func (stmt *Statement) WriteString(str string) (int, error) {
	return stmt.SQL.WriteString(str)
}

// WriteByte write byte
func (stmt *Statement) WriteByte(c byte) error {
	return stmt.SQL.WriteByte(c)
}

// WriteQuoted write quoted value
func (stmt *Statement) WriteQuoted(value interface{}) {
	stmt.QuoteTo(&stmt.SQL, value)
}

// QuoteTo write quoted value to writer
func (stmt *Statement) QuoteTo(writer clause.Writer, field interface{}) {
	write := func(raw bool, str string) {
		if raw {
			writer.WriteString(str)
		} else {
			stmt.Dialect.QuoteTo(writer, str)
		}
	}

	switch v := field.(type) {
	case clause.Table:
		if v.Name == clause.CurrentTable {
			write(v.Raw, stmt.Table)
		} else {
			write(v.Raw, v.Name)
		}

		if v.Alias != "" {
			writer.WriteByte(' ')
			write(v.Raw, v.Alias)
		}
	case clause.Column:
		if v.Table != "" {
			if v.Table == clause.CurrentTable {
				write(v.Raw, stmt.Table)
			} else {
				write(v.Raw, v.Table)
			}
			writer.WriteByte('.')
		}

		if v.Name == clause.PrimaryKey {
			write(v.Raw, stmt.PrimaryKeyName())
		} else {
			write(v.Raw, v.Name)
		}

		if v.Alias != "" {
			writer.WriteString(" AS ")
			write(v.Raw, v.Alias)
		}
	case []clause.Column:
		writer.WriteByte('(')
		for idx, d := range v {
			if idx > 0 {
				writer.WriteByte(',')
			}
			stmt.QuoteTo(writer, d)
		}
		writer.WriteByte(')')
	case string:
		stmt.Dialect.QuoteTo(writer, v)
	case []string:
		writer.WriteByte('(')
		for idx, d := range v {
			if idx > 0 {
				writer.WriteByte(',')
			}
			stmt.Dialect.QuoteTo(writer, d)
		}
		writer.WriteByte(')')
	default:
		stmt.Dialect.QuoteTo(writer, fmt.Sprint(field))
	}
}

// Quote returns quoted value
func (stmt *Statement) Quote(field interface{}) string {
	var builder strings.Builder
	stmt.QuoteTo(&builder, field)
	return builder.String()
}

// PrimaryKeyName the primary key column the statement's sentinel
// references, "id" when no schema is attached
func (stmt *Statement) PrimaryKeyName() string {
	if stmt.Schema != nil {
		return stmt.Schema.PrimaryKey
	}
	return "id"
}

// AddVar add var
func (stmt *Statement) AddVar(writer clause.Writer, vars ...interface{}) {
	for idx, v := range vars {
		if idx > 0 {
			writer.WriteByte(',')
		}

		switch v := v.(type) {
		case clause.Column, clause.Table:
			stmt.QuoteTo(writer, v)
		case clause.Expr:
			v.Build(stmt)
		case *clause.Expr:
			v.Build(stmt)
		case driver.Valuer:
			stmt.Vars = append(stmt.Vars, v)
			stmt.Dialect.BindVarTo(writer, stmt, v)
		case []byte:
			stmt.Vars = append(stmt.Vars, v)
			stmt.Dialect.BindVarTo(writer, stmt, v)
		case *Query:
			stmt.addSubquery(writer, v)
		case []interface{}:
			if len(v) > 0 {
				writer.WriteByte('(')
				stmt.AddVar(writer, v...)
				writer.WriteByte(')')
			} else {
				writer.WriteString("(NULL)")
			}
		default:
			if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
				stmt.Vars = append(stmt.Vars, nil)
				stmt.Dialect.BindVarTo(writer, stmt, v)
			} else if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				if rv.Len() == 0 {
					writer.WriteString("(NULL)")
				} else {
					writer.WriteByte('(')
					for i := 0; i < rv.Len(); i++ {
						if i > 0 {
							writer.WriteByte(',')
						}
						stmt.AddVar(writer, rv.Index(i).Interface())
					}
					writer.WriteByte(')')
				}
			} else {
				stmt.Vars = append(stmt.Vars, v)
				stmt.Dialect.BindVarTo(writer, stmt, v)
			}
		}
	}
}

// addSubquery compiles a nested plan inline. The subquery statement is
// seeded with the vars collected so far so numbered placeholders keep
// counting across the boundary, then the combined list is adopted back.
func (stmt *Statement) addSubquery(writer clause.Writer, q *Query) {
	sub, err := buildSubqueryStatement(q, stmt)
	if err != nil {
		stmt.AddError(err)
		return
	}
	writer.WriteString(sub.SQL.String())
	stmt.Vars = sub.Vars
}

// AddClause add clause
func (stmt *Statement) AddClause(v clause.Interface) {
	name := v.Name()
	c := stmt.Clauses[name]
	c.Name = name
	v.MergeClause(&c)
	stmt.Clauses[name] = c
}

// AddClauseIfNotExists add clause if not exists
func (stmt *Statement) AddClauseIfNotExists(v clause.Interface) {
	if c, ok := stmt.Clauses[v.Name()]; !ok || c.Expression == nil {
		stmt.AddClause(v)
	}
}

// Build build sql with clauses names
func (stmt *Statement) Build(clauses ...string) {
	var firstClauseWritten bool

	for _, name := range clauses {
		if c, ok := stmt.Clauses[name]; ok {
			if firstClauseWritten {
				stmt.WriteByte(' ')
			}

			firstClauseWritten = true
			c.Build(stmt)
		}
	}
}

// AddError add error to statement
func (stmt *Statement) AddError(err error) error {
	if err != nil {
		if stmt.Error == nil {
			stmt.Error = err
		} else {
			stmt.Error = fmt.Errorf("%v; %w", stmt.Error, err)
		}
	}
	return stmt.Error
}
