package schema

// RelationshipKind the kind of an association between two entities
type RelationshipKind string

const (
	HasOne         RelationshipKind = "has_one"
	HasMany        RelationshipKind = "has_many"
	BelongsTo      RelationshipKind = "belongs_to"
	BelongsToMany  RelationshipKind = "belongs_to_many"
	HasOneThrough  RelationshipKind = "has_one_through"
	HasManyThrough RelationshipKind = "has_many_through"
	MorphTo        RelationshipKind = "morph_to"
	MorphOne       RelationshipKind = "morph_one"
	MorphMany      RelationshipKind = "morph_many"
	MorphToMany    RelationshipKind = "morph_to_many"
)

// Valid reports whether the kind is one of the supported constants
func (k RelationshipKind) Valid() bool {
	switch k {
	case HasOne, HasMany, BelongsTo, BelongsToMany,
		HasOneThrough, HasManyThrough,
		MorphTo, MorphOne, MorphMany, MorphToMany:
		return true
	}
	return false
}

// Many reports whether the kind loads a collection rather than a single entity
func (k RelationshipKind) Many() bool {
	switch k {
	case HasMany, BelongsToMany, HasManyThrough, MorphMany, MorphToMany:
		return true
	}
	return false
}

// Polymorphic reports whether the kind dispatches on a discriminator column
func (k RelationshipKind) Polymorphic() bool {
	switch k {
	case MorphTo, MorphOne, MorphMany, MorphToMany:
		return true
	}
	return false
}

// RelationshipDefinition declares one association on an owning entity.
// Key fields left empty are derived from naming conventions at
// registration, or from the related schema at first resolution.
type RelationshipDefinition struct {
	Name    string
	Kind    RelationshipKind
	Related string // related entity name, empty for MorphTo

	ForeignKey string // FK column: on the related table for has kinds, on the owner for belongs_to
	LocalKey   string // key column on the owner, defaults to its primary key
	OwnerKey   string // referenced key on the related side, defaults to its primary key

	PivotTable      string   // belongs_to_many, morph_to_many
	ForeignPivotKey string   // pivot column referencing the owner
	RelatedPivotKey string   // pivot column referencing the related entity
	PivotColumns    []string // extra pivot columns carried into results

	Through   string // intermediate entity name for through kinds
	FirstKey  string // FK on the through table referencing the owner
	SecondKey string // FK on the related table referencing the through table

	MorphName  string // polymorphic name, e.g. "commentable"
	TypeColumn string // discriminator type column, derived from MorphName
	IDColumn   string // discriminator id column, derived from MorphName
}
