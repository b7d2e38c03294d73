package grove

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/logger"
)

// Dialect customizes identifier quoting, bind placeholder style and
// explain rendering per database flavor.
type Dialect interface {
	Name() string
	BindVarTo(writer clause.Writer, stmt *Statement, v interface{})
	QuoteTo(writer clause.Writer, str string)
	Explain(sql string, vars ...interface{}) string
}

// MySQLDialect backquoted identifiers and ? placeholders. The default.
type MySQLDialect struct{}

func (MySQLDialect) Name() string {
	return "mysql"
}

func (MySQLDialect) BindVarTo(writer clause.Writer, stmt *Statement, v interface{}) {
	writer.WriteByte('?')
}

func (MySQLDialect) QuoteTo(writer clause.Writer, str string) {
	writeQuoted(writer, str, '`')
}

func (MySQLDialect) Explain(sql string, vars ...interface{}) string {
	return logger.ExplainSQL(sql, nil, `'`, vars...)
}

var numericPlaceholder = regexp.MustCompile(`\$(\d+)`)

// PostgresDialect double-quoted identifiers and numbered $n placeholders
type PostgresDialect struct{}

func (PostgresDialect) Name() string {
	return "postgres"
}

func (PostgresDialect) BindVarTo(writer clause.Writer, stmt *Statement, v interface{}) {
	writer.WriteByte('$')
	writer.WriteString(strconv.Itoa(len(stmt.Vars)))
}

func (PostgresDialect) QuoteTo(writer clause.Writer, str string) {
	writeQuoted(writer, str, '"')
}

func (PostgresDialect) Explain(sql string, vars ...interface{}) string {
	return logger.ExplainSQL(sql, numericPlaceholder, `'`, vars...)
}

// SQLiteDialect backquoted identifiers and ? placeholders
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string {
	return "sqlite"
}

func (SQLiteDialect) BindVarTo(writer clause.Writer, stmt *Statement, v interface{}) {
	writer.WriteByte('?')
}

func (SQLiteDialect) QuoteTo(writer clause.Writer, str string) {
	writeQuoted(writer, str, '`')
}

func (SQLiteDialect) Explain(sql string, vars ...interface{}) string {
	return logger.ExplainSQL(sql, nil, `"`, vars...)
}

// writeQuoted quotes an identifier, quoting each dotted segment on its own
func writeQuoted(writer clause.Writer, str string, quote byte) {
	writer.WriteByte(quote)
	if strings.Contains(str, ".") {
		for idx, s := range strings.Split(str, ".") {
			if idx > 0 {
				writer.WriteByte('.')
				writer.WriteByte(quote)
			}
			writer.WriteString(s)
			writer.WriteByte(quote)
		}
	} else {
		writer.WriteString(str)
		writer.WriteByte(quote)
	}
}
