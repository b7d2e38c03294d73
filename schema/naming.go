package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jinzhu/inflection"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Namer namer interface
type Namer interface {
	TableName(entity string) string
	ColumnName(entity, column string) string
	ForeignKeyName(entity string) string
	JoinTableName(entity, related string) string
	MorphColumns(name string) (typeColumn, idColumn string)
}

// NamingStrategy tables, columns naming strategy
type NamingStrategy struct {
	TablePrefix   string
	SingularTable bool
}

// TableName convert entity name to table name
func (ns NamingStrategy) TableName(entity string) string {
	if ns.SingularTable {
		return ns.TablePrefix + toDBName(entity)
	}
	return ns.TablePrefix + inflection.Plural(toDBName(entity))
}

// ColumnName convert string to column name
func (ns NamingStrategy) ColumnName(entity, column string) string {
	return toDBName(column)
}

// ForeignKeyName derive the conventional foreign key column for an entity
// or relation name, e.g. "Post" -> "post_id"
func (ns NamingStrategy) ForeignKeyName(entity string) string {
	return inflection.Singular(toDBName(entity)) + "_id"
}

// JoinTableName derive the conventional pivot table joining two entities:
// both singular snake names, sorted, joined by underscore
func (ns NamingStrategy) JoinTableName(entity, related string) string {
	names := []string{inflection.Singular(toDBName(entity)), inflection.Singular(toDBName(related))}
	sort.Strings(names)
	return ns.TablePrefix + strings.Join(names, "_")
}

// MorphColumns derive the discriminator column pair for a polymorphic name
func (ns NamingStrategy) MorphColumns(name string) (string, string) {
	return name + "_type", name + "_id"
}

var (
	smap sync.Map
	// https://github.com/golang/lint/blob/master/lint.go#L770
	commonInitialisms         = []string{"API", "ASCII", "CPU", "CSS", "DNS", "EOF", "GUID", "HTML", "HTTP", "HTTPS", "ID", "IP", "JSON", "LHS", "QPS", "RAM", "RHS", "RPC", "SLA", "SMTP", "SSH", "TLS", "TTL", "UID", "UI", "UUID", "URI", "URL", "UTF8", "VM", "XML", "XSRF", "XSS"}
	commonInitialismsReplacer *strings.Replacer
)

func init() {
	commonInitialismsForReplacer := make([]string, 0, len(commonInitialisms)*2)
	for _, initialism := range commonInitialisms {
		commonInitialismsForReplacer = append(commonInitialismsForReplacer, initialism, cases.Title(language.Und).String(initialism))
	}
	commonInitialismsReplacer = strings.NewReplacer(commonInitialismsForReplacer...)
}

func toDBName(name string) string {
	if name == "" {
		return ""
	} else if v, ok := smap.Load(name); ok {
		return fmt.Sprint(v)
	}

	var (
		value                          = commonInitialismsReplacer.Replace(name)
		buf                            strings.Builder
		lastCase, nextCase, nextNumber bool // upper case == true
		curCase                        = value[0] <= 'Z' && value[0] >= 'A'
	)

	for i, v := range value[:len(value)-1] {
		nextCase = value[i+1] <= 'Z' && value[i+1] >= 'A'
		nextNumber = value[i+1] >= '0' && value[i+1] <= '9'

		if curCase {
			if lastCase && (nextCase || nextNumber) {
				buf.WriteRune(v + 32)
			} else {
				if i > 0 && value[i-1] != '_' && value[i+1] != '_' {
					buf.WriteByte('_')
				}
				buf.WriteRune(v + 32)
			}
		} else {
			buf.WriteRune(v)
		}

		lastCase = curCase
		curCase = nextCase
	}

	if curCase {
		if !lastCase && len(value) > 1 {
			buf.WriteByte('_')
		}
		buf.WriteByte(value[len(value)-1] + 32)
	} else {
		buf.WriteByte(value[len(value)-1])
	}

	ret := buf.String()
	smap.Store(name, ret)
	return ret
}
