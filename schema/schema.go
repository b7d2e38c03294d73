package schema

import (
	"fmt"
)

// DataType declared column type, drives attribute casting
type DataType string

const (
	Auto   DataType = "auto"
	Bool   DataType = "bool"
	Int    DataType = "int"
	Float  DataType = "float"
	String DataType = "string"
	Time   DataType = "time"
	JSON   DataType = "json"
)

// Column one declared table column
type Column struct {
	Name string
	Type DataType
}

// Definition declares an entity for registration. Table and PrimaryKey
// are required; relationship key fields may be left to convention.
type Definition struct {
	Name          string
	Table         string
	PrimaryKey    string
	Columns       []Column
	Relationships []RelationshipDefinition
	MorphAlias    string // discriminator value stored for this entity, defaults to Name
	Timestamps    bool   // adds created_at/updated_at time columns
}

// Schema resolved entity metadata. Immutable once registered; safe for
// concurrent reads without locking.
type Schema struct {
	Name       string
	Table      string
	PrimaryKey string
	Columns    []Column
	MorphAlias string
	Timestamps bool

	columnTypes   map[string]DataType
	relationships map[string]*RelationshipDefinition
	relationNames []string
}

func (s *Schema) String() string {
	return fmt.Sprintf("%v(%v)", s.Name, s.Table)
}

// HasColumn reports whether the column was declared (or implied by the
// primary key / timestamp settings)
func (s *Schema) HasColumn(name string) bool {
	_, ok := s.columnTypes[name]
	return ok
}

// ColumnType returns the declared type for a column, Auto when unknown
func (s *Schema) ColumnType(name string) DataType {
	if t, ok := s.columnTypes[name]; ok {
		return t
	}
	return Auto
}

// LookUpColumn finds a declared column by name
func (s *Schema) LookUpColumn(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// Relationship returns the declared relationship by name. The returned
// value carries registration-time defaults only; use Registry.Relation
// for the fully resolved definition.
func (s *Schema) Relationship(name string) (*RelationshipDefinition, bool) {
	rel, ok := s.relationships[name]
	return rel, ok
}

// RelationNames lists declared relation names in declaration order
func (s *Schema) RelationNames() []string {
	return s.relationNames
}
