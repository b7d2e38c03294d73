package grove

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/jinzhu/now"

	"github.com/go-grove/grove/schema"
)

// Entity is a dynamic record: an attribute map plus the metadata needed
// to address it. Entities carry no session reference, persistence goes
// through the DB handle that produced them.
type Entity struct {
	name        string
	schema      *schema.Schema
	attributes  Row
	original    Row
	relations   map[string]interface{}
	pivot       Row
	exists      bool
	batchLoaded bool
}

// NewEntity returns an empty, unsaved entity for a registered name.
func (db *DB) NewEntity(entity string) (*Entity, error) {
	s, err := db.registry.Resolve(entity)
	if err != nil {
		return nil, err
	}
	return &Entity{
		name:       entity,
		schema:     s,
		attributes: Row{},
		original:   Row{},
		relations:  map[string]interface{}{},
	}, nil
}

// newEntity hydrates a record from a result row. The row is adopted,
// not copied.
func newEntity(entity string, s *schema.Schema, attributes Row, batch bool) *Entity {
	original := make(Row, len(attributes))
	for column, value := range attributes {
		original[column] = value
	}
	return &Entity{
		name:        entity,
		schema:      s,
		attributes:  attributes,
		original:    original,
		relations:   map[string]interface{}{},
		exists:      true,
		batchLoaded: batch,
	}
}

// Name returns the registered entity name, empty for raw table rows.
func (e *Entity) Name() string {
	return e.name
}

// Table returns the backing table name.
func (e *Entity) Table() string {
	if e.schema != nil {
		return e.schema.Table
	}
	return ""
}

// PrimaryKey returns the primary key column name.
func (e *Entity) PrimaryKey() string {
	if e.schema != nil {
		return e.schema.PrimaryKey
	}
	return "id"
}

// Key returns the primary key value, nil when unset.
func (e *Entity) Key() interface{} {
	return e.attributes[e.PrimaryKey()]
}

// Exists reports whether the entity has been persisted.
func (e *Entity) Exists() bool {
	return e.exists
}

// Get returns the raw attribute value.
func (e *Entity) Get(column string) interface{} {
	return e.attributes[column]
}

// Has reports whether the attribute is present at all.
func (e *Entity) Has(column string) bool {
	_, ok := e.attributes[column]
	return ok
}

// Set writes an attribute.
func (e *Entity) Set(column string, value interface{}) *Entity {
	e.attributes[column] = value
	return e
}

// Fill writes several attributes at once.
func (e *Entity) Fill(values Row) *Entity {
	for column, value := range values {
		e.attributes[column] = value
	}
	return e
}

// Attributes returns a copy of the attribute map.
func (e *Entity) Attributes() Row {
	out := make(Row, len(e.attributes))
	for column, value := range e.attributes {
		out[column] = value
	}
	return out
}

// Dirty returns the attributes that changed since the entity was
// hydrated or last persisted.
func (e *Entity) Dirty() Row {
	dirty := Row{}
	for column, value := range e.attributes {
		if original, ok := e.original[column]; !ok || !reflect.DeepEqual(original, value) {
			dirty[column] = value
		}
	}
	return dirty
}

// IsDirty reports whether any of the given columns changed, or any
// column at all when none are named.
func (e *Entity) IsDirty(columns ...string) bool {
	dirty := e.Dirty()
	if len(columns) == 0 {
		return len(dirty) > 0
	}
	for _, column := range columns {
		if _, ok := dirty[column]; ok {
			return true
		}
	}
	return false
}

// GetOriginal returns the value a column had when the entity was
// hydrated or last persisted.
func (e *Entity) GetOriginal(column string) interface{} {
	return e.original[column]
}

// syncOriginal snapshots current attributes as the clean state.
func (e *Entity) syncOriginal() {
	e.original = make(Row, len(e.attributes))
	for column, value := range e.attributes {
		e.original[column] = value
	}
}

// SetRelation caches a loaded relation value, *Entity or []*Entity.
func (e *Entity) SetRelation(name string, value interface{}) {
	e.relations[name] = value
}

// Relation returns a cached relation value and whether it was loaded.
func (e *Entity) Relation(name string) (interface{}, bool) {
	value, ok := e.relations[name]
	return value, ok
}

// RelationLoaded reports whether the named relation has been loaded.
// A loaded-but-nil owner counts as loaded.
func (e *Entity) RelationLoaded(name string) bool {
	_, ok := e.relations[name]
	return ok
}

// Pivot returns the junction row recorded when the entity was loaded
// through a many-to-many relation, nil otherwise.
func (e *Entity) Pivot() Row {
	return e.pivot
}

func (e *Entity) setPivot(pivot Row) {
	e.pivot = pivot
}

// GetString returns the attribute as a string.
func (e *Entity) GetString(column string) string {
	switch v := e.attributes[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// GetInt returns the attribute as an int64, zero when it cannot be
// read as one.
func (e *Entity) GetInt(column string) int64 {
	switch v := e.attributes[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case []byte:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// GetFloat returns the attribute as a float64.
func (e *Entity) GetFloat(column string) float64 {
	switch v := e.attributes[column].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case []byte:
		if f, err := strconv.ParseFloat(string(v), 64); err == nil {
			return f
		}
	}
	return 0
}

// GetBool returns the attribute as a bool. Numeric columns read as
// value != 0, text columns go through strconv.ParseBool.
func (e *Entity) GetBool(column string) bool {
	switch v := e.attributes[column].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case []byte:
		if b, err := strconv.ParseBool(string(v)); err == nil {
			return b
		}
	}
	return false
}

// GetTime returns the attribute as a time.Time. Strings are parsed
// with the flexible layouts drivers emit, integers read as unix
// seconds.
func (e *Entity) GetTime(column string) time.Time {
	switch v := e.attributes[column].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		if t, err := now.Parse(v); err == nil {
			return t
		}
	case []byte:
		if t, err := now.Parse(string(v)); err == nil {
			return t
		}
	case int64:
		return time.Unix(v, 0)
	case int:
		return time.Unix(int64(v), 0)
	}
	return time.Time{}
}

// Value returns the attribute coerced to its declared column type.
// Undeclared columns and NULLs come back untouched.
func (e *Entity) Value(column string) interface{} {
	if e.schema == nil || e.schema.LookUpColumn(column) == nil || e.attributes[column] == nil {
		return e.attributes[column]
	}

	switch e.schema.ColumnType(column) {
	case schema.Auto, schema.Int:
		return e.GetInt(column)
	case schema.Float:
		return e.GetFloat(column)
	case schema.Bool:
		return e.GetBool(column)
	case schema.Time:
		return e.GetTime(column)
	case schema.String, schema.JSON:
		return e.GetString(column)
	}
	return e.attributes[column]
}

// ToMap returns the attributes plus every loaded relation, nested the
// way the row tree was loaded. Junction rows appear under "pivot".
func (e *Entity) ToMap() Row {
	out := e.Attributes()
	for name, value := range e.relations {
		switch rel := value.(type) {
		case *Entity:
			if rel != nil {
				out[name] = rel.ToMap()
			} else {
				out[name] = nil
			}
		case []*Entity:
			list := make([]Row, 0, len(rel))
			for _, child := range rel {
				list = append(list, child.ToMap())
			}
			out[name] = list
		default:
			out[name] = value
		}
	}
	if e.pivot != nil {
		out["pivot"] = e.pivot
	}
	return out
}
