package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jinzhu/inflection"
)

var (
	// ErrNotRegistered entity (or table, or morph alias) was never registered
	ErrNotRegistered = errors.New("entity not registered")
	// ErrRelationNotFound relation name is not declared on the entity
	ErrRelationNotFound = errors.New("relation not found")
	// ErrInvalidDefinition definition rejected at registration
	ErrInvalidDefinition = errors.New("invalid entity definition")
	// ErrInvalidRelationship relationship cannot be resolved against the registry
	ErrInvalidRelationship = errors.New("invalid relationship")
)

// Registry maps entity names to schemas. Registration happens once at
// application start; all reads afterwards are lock-free.
type Registry struct {
	namer Namer

	mu          sync.Mutex // serializes Register
	schemas     sync.Map   // entity name -> *Schema
	tables      sync.Map   // table name -> *Schema
	morphs      sync.Map   // morph alias -> entity name
	pivotTables sync.Map   // declared pivot table -> struct{}
	relations   sync.Map   // "entity.relation" -> *resolvedRelation
}

// NewRegistry creates a registry using the default naming conventions
func NewRegistry() *Registry {
	return NewRegistryWithNamer(NamingStrategy{})
}

// NewRegistryWithNamer creates a registry deriving conventional names
// through the given namer
func NewRegistryWithNamer(namer Namer) *Registry {
	if namer == nil {
		namer = NamingStrategy{}
	}
	return &Registry{namer: namer}
}

// Register validates the definition's shape and stores its schema.
// Cross-entity references are not checked here; they resolve on first
// use so entities may be registered in any order.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Name == "" {
		return fmt.Errorf("%w: empty entity name", ErrInvalidDefinition)
	}
	if def.Table == "" {
		return fmt.Errorf("%w: entity %s has no table", ErrInvalidDefinition, def.Name)
	}
	if def.PrimaryKey == "" {
		return fmt.Errorf("%w: entity %s has no primary key", ErrInvalidDefinition, def.Name)
	}
	if _, ok := r.schemas.Load(def.Name); ok {
		return fmt.Errorf("%w: entity %s already registered", ErrInvalidDefinition, def.Name)
	}
	if v, ok := r.tables.Load(def.Table); ok {
		return fmt.Errorf("%w: table %s already registered by %s", ErrInvalidDefinition, def.Table, v.(*Schema).Name)
	}

	s := &Schema{
		Name:          def.Name,
		Table:         def.Table,
		PrimaryKey:    def.PrimaryKey,
		MorphAlias:    def.MorphAlias,
		Timestamps:    def.Timestamps,
		columnTypes:   map[string]DataType{},
		relationships: map[string]*RelationshipDefinition{},
	}
	if s.MorphAlias == "" {
		s.MorphAlias = def.Name
	}
	if v, ok := r.morphs.Load(s.MorphAlias); ok {
		return fmt.Errorf("%w: morph alias %q already taken by %s", ErrInvalidDefinition, s.MorphAlias, v.(string))
	}

	s.Columns = make([]Column, 0, len(def.Columns)+3)
	for _, column := range def.Columns {
		if column.Name == "" {
			return fmt.Errorf("%w: entity %s declares an unnamed column", ErrInvalidDefinition, def.Name)
		}
		if _, ok := s.columnTypes[column.Name]; ok {
			return fmt.Errorf("%w: entity %s declares column %s twice", ErrInvalidDefinition, def.Name, column.Name)
		}
		if column.Type == "" {
			column.Type = Auto
		}
		s.Columns = append(s.Columns, column)
		s.columnTypes[column.Name] = column.Type
	}
	if _, ok := s.columnTypes[s.PrimaryKey]; !ok {
		s.Columns = append(s.Columns, Column{Name: s.PrimaryKey, Type: Auto})
		s.columnTypes[s.PrimaryKey] = Auto
	}
	if def.Timestamps {
		for _, name := range []string{"created_at", "updated_at"} {
			if _, ok := s.columnTypes[name]; !ok {
				s.Columns = append(s.Columns, Column{Name: name, Type: Time})
				s.columnTypes[name] = Time
			}
		}
	}

	var pivots []string
	for _, decl := range def.Relationships {
		rel, err := r.normalizeRelation(s, decl)
		if err != nil {
			return err
		}
		if _, ok := s.relationships[rel.Name]; ok {
			return fmt.Errorf("%w: entity %s declares relation %s twice", ErrInvalidDefinition, def.Name, rel.Name)
		}
		s.relationships[rel.Name] = rel
		s.relationNames = append(s.relationNames, rel.Name)
		if rel.PivotTable != "" {
			pivots = append(pivots, rel.PivotTable)
		}
	}

	for _, pivot := range pivots {
		r.pivotTables.Store(pivot, struct{}{})
	}
	r.morphs.Store(s.MorphAlias, s.Name)
	r.tables.Store(s.Table, s)
	r.schemas.Store(s.Name, s)
	return nil
}

// MustRegister registers definitions and panics on error. Intended for
// application startup wiring.
func (r *Registry) MustRegister(defs ...Definition) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Resolve returns the schema registered under the entity name
func (r *Registry) Resolve(entity string) (*Schema, error) {
	if v, ok := r.schemas.Load(entity); ok {
		return v.(*Schema), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRegistered, entity)
}

// ResolveTable returns the schema whose table name matches
func (r *Registry) ResolveTable(table string) (*Schema, error) {
	if v, ok := r.tables.Load(table); ok {
		return v.(*Schema), nil
	}
	return nil, fmt.Errorf("%w: table %s", ErrNotRegistered, table)
}

// KnownTable reports whether the table belongs to a registered entity
// or was declared as a pivot table by some relationship
func (r *Registry) KnownTable(table string) bool {
	if _, ok := r.tables.Load(table); ok {
		return true
	}
	_, ok := r.pivotTables.Load(table)
	return ok
}

// EntityForMorphAlias maps a stored discriminator value to its schema
func (r *Registry) EntityForMorphAlias(alias string) (*Schema, error) {
	if v, ok := r.morphs.Load(alias); ok {
		return r.Resolve(v.(string))
	}
	return nil, fmt.Errorf("%w: morph alias %q", ErrNotRegistered, alias)
}

type resolvedRelation struct {
	rel *RelationshipDefinition
	err error
}

// Relation returns the fully resolved relationship for entity.name,
// completing defaults that depend on the related schema and validating
// that every referenced key column exists on both sides. The outcome is
// memoized; the first caller pays for resolution.
func (r *Registry) Relation(entity, name string) (*RelationshipDefinition, error) {
	s, err := r.Resolve(entity)
	if err != nil {
		return nil, err
	}
	decl, ok := s.relationships[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrRelationNotFound, name, entity)
	}

	key := entity + "." + name
	if v, ok := r.relations.Load(key); ok {
		res := v.(*resolvedRelation)
		return res.rel, res.err
	}

	rel, err := r.resolveRelation(s, decl)
	v, _ := r.relations.LoadOrStore(key, &resolvedRelation{rel: rel, err: err})
	res := v.(*resolvedRelation)
	return res.rel, res.err
}

// normalizeRelation applies registration-time defaults and validates
// whatever can be validated without the related schema.
func (r *Registry) normalizeRelation(owner *Schema, rel RelationshipDefinition) (*RelationshipDefinition, error) {
	if rel.Name == "" {
		return nil, fmt.Errorf("%w: entity %s declares an unnamed relation", ErrInvalidDefinition, owner.Name)
	}
	if !rel.Kind.Valid() {
		return nil, fmt.Errorf("%w: relation %s on %s has unknown kind %q", ErrInvalidDefinition, rel.Name, owner.Name, rel.Kind)
	}
	if rel.Kind == MorphTo {
		if rel.Related != "" {
			return nil, fmt.Errorf("%w: morph_to relation %s on %s resolves its target at load time, leave Related empty", ErrInvalidDefinition, rel.Name, owner.Name)
		}
	} else if rel.Related == "" {
		return nil, fmt.Errorf("%w: relation %s on %s has no related entity", ErrInvalidDefinition, rel.Name, owner.Name)
	}

	switch rel.Kind {
	case HasOne, HasMany:
		if rel.ForeignKey == "" {
			rel.ForeignKey = r.namer.ForeignKeyName(owner.Name)
		}
		if rel.LocalKey == "" {
			rel.LocalKey = owner.PrimaryKey
		}
	case BelongsTo:
		if rel.ForeignKey == "" {
			rel.ForeignKey = r.namer.ForeignKeyName(rel.Name)
		}
	case BelongsToMany:
		if rel.PivotTable == "" {
			rel.PivotTable = r.namer.JoinTableName(owner.Name, rel.Related)
		}
		if rel.ForeignPivotKey == "" {
			rel.ForeignPivotKey = r.namer.ForeignKeyName(owner.Name)
		}
		if rel.RelatedPivotKey == "" {
			rel.RelatedPivotKey = r.namer.ForeignKeyName(rel.Related)
		}
		if rel.LocalKey == "" {
			rel.LocalKey = owner.PrimaryKey
		}
	case HasOneThrough, HasManyThrough:
		if rel.Through == "" {
			return nil, fmt.Errorf("%w: relation %s on %s has no through entity", ErrInvalidDefinition, rel.Name, owner.Name)
		}
		if rel.FirstKey == "" {
			rel.FirstKey = r.namer.ForeignKeyName(owner.Name)
		}
		if rel.SecondKey == "" {
			rel.SecondKey = r.namer.ForeignKeyName(rel.Through)
		}
		if rel.LocalKey == "" {
			rel.LocalKey = owner.PrimaryKey
		}
	case MorphTo, MorphOne, MorphMany:
		if rel.MorphName == "" {
			rel.MorphName = rel.Name
		}
		if rel.Kind != MorphTo && rel.LocalKey == "" {
			rel.LocalKey = owner.PrimaryKey
		}
	case MorphToMany:
		if rel.MorphName == "" {
			return nil, fmt.Errorf("%w: morph_to_many relation %s on %s has no morph name", ErrInvalidDefinition, rel.Name, owner.Name)
		}
		if rel.PivotTable == "" {
			rel.PivotTable = inflection.Plural(rel.MorphName)
		}
		if rel.RelatedPivotKey == "" {
			rel.RelatedPivotKey = r.namer.ForeignKeyName(rel.Related)
		}
		if rel.LocalKey == "" {
			rel.LocalKey = owner.PrimaryKey
		}
	}

	if rel.Kind.Polymorphic() {
		typeColumn, idColumn := r.namer.MorphColumns(rel.MorphName)
		if rel.TypeColumn == "" {
			rel.TypeColumn = typeColumn
		}
		if rel.IDColumn == "" {
			rel.IDColumn = idColumn
		}
		if rel.Kind == MorphToMany && rel.ForeignPivotKey == "" {
			rel.ForeignPivotKey = rel.IDColumn
		}
	}
	return &rel, nil
}

// resolveRelation completes defaults that need the related schema and
// checks that the key columns exist on every side involved.
func (r *Registry) resolveRelation(owner *Schema, decl *RelationshipDefinition) (*RelationshipDefinition, error) {
	rel := *decl

	if rel.Kind == MorphTo {
		if err := requireColumns(owner, rel.Name, rel.TypeColumn, rel.IDColumn); err != nil {
			return nil, err
		}
		return &rel, nil
	}

	related, err := r.Resolve(rel.Related)
	if err != nil {
		return nil, fmt.Errorf("%w: relation %s on %s references unregistered entity %s", ErrInvalidRelationship, rel.Name, owner.Name, rel.Related)
	}

	switch rel.Kind {
	case HasOne, HasMany:
		if err := requireColumns(owner, rel.Name, rel.LocalKey); err != nil {
			return nil, err
		}
		if err := requireColumns(related, rel.Name, rel.ForeignKey); err != nil {
			return nil, err
		}
	case BelongsTo:
		if rel.OwnerKey == "" {
			rel.OwnerKey = related.PrimaryKey
		}
		if err := requireColumns(owner, rel.Name, rel.ForeignKey); err != nil {
			return nil, err
		}
		if err := requireColumns(related, rel.Name, rel.OwnerKey); err != nil {
			return nil, err
		}
	case BelongsToMany, MorphToMany:
		if rel.OwnerKey == "" {
			rel.OwnerKey = related.PrimaryKey
		}
		if err := requireColumns(owner, rel.Name, rel.LocalKey); err != nil {
			return nil, err
		}
		if err := requireColumns(related, rel.Name, rel.OwnerKey); err != nil {
			return nil, err
		}
	case HasOneThrough, HasManyThrough:
		through, err := r.Resolve(rel.Through)
		if err != nil {
			return nil, fmt.Errorf("%w: relation %s on %s references unregistered through entity %s", ErrInvalidRelationship, rel.Name, owner.Name, rel.Through)
		}
		if err := requireColumns(owner, rel.Name, rel.LocalKey); err != nil {
			return nil, err
		}
		if err := requireColumns(through, rel.Name, rel.FirstKey); err != nil {
			return nil, err
		}
		if err := requireColumns(related, rel.Name, rel.SecondKey); err != nil {
			return nil, err
		}
	case MorphOne, MorphMany:
		if err := requireColumns(owner, rel.Name, rel.LocalKey); err != nil {
			return nil, err
		}
		if err := requireColumns(related, rel.Name, rel.TypeColumn, rel.IDColumn); err != nil {
			return nil, err
		}
	}
	return &rel, nil
}

func requireColumns(s *Schema, relation string, columns ...string) error {
	for _, column := range columns {
		if !s.HasColumn(column) {
			return fmt.Errorf("%w: relation %s requires column %s.%s", ErrInvalidRelationship, relation, s.Table, column)
		}
	}
	return nil
}
