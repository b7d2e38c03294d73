package schema

import (
	"errors"
	"testing"
)

func blogRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry()
	defs := []Definition{
		{
			Name: "Country", Table: "countries", PrimaryKey: "id",
			Columns: []Column{{Name: "name", Type: String}},
			Relationships: []RelationshipDefinition{
				{Name: "posts", Kind: HasManyThrough, Related: "Post", Through: "User"},
			},
		},
		{
			Name: "User", Table: "users", PrimaryKey: "id",
			Columns: []Column{
				{Name: "country_id", Type: Int},
				{Name: "name", Type: String},
			},
			Relationships: []RelationshipDefinition{
				{Name: "posts", Kind: HasMany, Related: "Post"},
				{Name: "country", Kind: BelongsTo, Related: "Country"},
			},
			Timestamps: true,
		},
		{
			Name: "Post", Table: "posts", PrimaryKey: "id",
			Columns: []Column{
				{Name: "user_id", Type: Int},
				{Name: "title", Type: String},
			},
			Relationships: []RelationshipDefinition{
				{Name: "user", Kind: BelongsTo, Related: "User"},
				{Name: "comments", Kind: HasMany, Related: "Comment"},
				{Name: "tags", Kind: BelongsToMany, Related: "Tag", PivotColumns: []string{"sort"}},
				{Name: "images", Kind: MorphMany, Related: "Image", MorphName: "imageable"},
			},
		},
		{
			Name: "Comment", Table: "comments", PrimaryKey: "id",
			Columns: []Column{
				{Name: "post_id", Type: Int},
				{Name: "body", Type: String},
			},
			Relationships: []RelationshipDefinition{
				{Name: "post", Kind: BelongsTo, Related: "Post"},
			},
		},
		{
			Name: "Tag", Table: "tags", PrimaryKey: "id",
			Columns: []Column{{Name: "name", Type: String}},
		},
		{
			Name: "Image", Table: "images", PrimaryKey: "id", MorphAlias: "image",
			Columns: []Column{
				{Name: "imageable_type", Type: String},
				{Name: "imageable_id", Type: Int},
				{Name: "url", Type: String},
			},
			Relationships: []RelationshipDefinition{
				{Name: "imageable", Kind: MorphTo},
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			t.Fatalf("register %v: %v", def.Name, err)
		}
	}
	return r
}

func TestRegisterValidation(t *testing.T) {
	valid := Definition{Name: "User", Table: "users", PrimaryKey: "id"}

	cases := []struct {
		name string
		defs []Definition
	}{
		{"empty name", []Definition{{Table: "users", PrimaryKey: "id"}}},
		{"empty table", []Definition{{Name: "User", PrimaryKey: "id"}}},
		{"empty primary key", []Definition{{Name: "User", Table: "users"}}},
		{"duplicate entity", []Definition{valid, valid}},
		{"duplicate table", []Definition{valid, {Name: "Account", Table: "users", PrimaryKey: "id"}}},
		{"duplicate morph alias", []Definition{valid, {Name: "Admin", Table: "admins", PrimaryKey: "id", MorphAlias: "User"}}},
		{"unnamed column", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Columns: []Column{{Type: String}}}}},
		{"duplicate column", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Columns: []Column{{Name: "name"}, {Name: "name"}}}}},
		{"unnamed relation", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Kind: HasMany, Related: "Post"}}}}},
		{"unknown kind", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Name: "posts", Kind: "has_lots", Related: "Post"}}}}},
		{"duplicate relation", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Relationships: []RelationshipDefinition{
			{Name: "posts", Kind: HasMany, Related: "Post"},
			{Name: "posts", Kind: HasOne, Related: "Post"},
		}}}},
		{"missing related", []Definition{{Name: "User", Table: "users", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Name: "posts", Kind: HasMany}}}}},
		{"morph_to with related", []Definition{{Name: "Image", Table: "images", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Name: "imageable", Kind: MorphTo, Related: "Post"}}}}},
		{"through without through", []Definition{{Name: "Country", Table: "countries", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Name: "posts", Kind: HasManyThrough, Related: "Post"}}}}},
		{"morph_to_many without morph name", []Definition{{Name: "Post", Table: "posts", PrimaryKey: "id", Relationships: []RelationshipDefinition{{Name: "tags", Kind: MorphToMany, Related: "Tag"}}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			var err error
			for _, def := range tc.defs {
				if err = r.Register(def); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestRegisterImpliedColumns(t *testing.T) {
	r := blogRegistry(t)

	user, err := r.Resolve("User")
	if err != nil {
		t.Fatal(err)
	}
	if !user.HasColumn("id") {
		t.Error("primary key column should be implied")
	}
	if !user.HasColumn("created_at") || !user.HasColumn("updated_at") {
		t.Error("timestamp columns should be implied when Timestamps is set")
	}
	if typ := user.ColumnType("created_at"); typ != Time {
		t.Errorf("created_at should be a time column, got %v", typ)
	}
	if typ := user.ColumnType("unknown"); typ != Auto {
		t.Errorf("unknown columns should fall back to Auto, got %v", typ)
	}

	post, _ := r.Resolve("Post")
	if post.HasColumn("created_at") {
		t.Error("timestamp columns should not appear without Timestamps")
	}
}

func TestRelationDefaults(t *testing.T) {
	r := blogRegistry(t)

	t.Run("has_many", func(t *testing.T) {
		rel, err := r.Relation("User", "posts")
		if err != nil {
			t.Fatal(err)
		}
		if rel.ForeignKey != "user_id" || rel.LocalKey != "id" {
			t.Errorf("expected user_id/id, got %v/%v", rel.ForeignKey, rel.LocalKey)
		}
	})

	t.Run("belongs_to", func(t *testing.T) {
		rel, err := r.Relation("Post", "user")
		if err != nil {
			t.Fatal(err)
		}
		if rel.ForeignKey != "user_id" || rel.OwnerKey != "id" {
			t.Errorf("expected user_id/id, got %v/%v", rel.ForeignKey, rel.OwnerKey)
		}
	})

	t.Run("belongs_to_many", func(t *testing.T) {
		rel, err := r.Relation("Post", "tags")
		if err != nil {
			t.Fatal(err)
		}
		if rel.PivotTable != "post_tag" {
			t.Errorf("expected pivot post_tag, got %v", rel.PivotTable)
		}
		if rel.ForeignPivotKey != "post_id" || rel.RelatedPivotKey != "tag_id" {
			t.Errorf("expected post_id/tag_id, got %v/%v", rel.ForeignPivotKey, rel.RelatedPivotKey)
		}
		if rel.LocalKey != "id" || rel.OwnerKey != "id" {
			t.Errorf("expected id/id keys, got %v/%v", rel.LocalKey, rel.OwnerKey)
		}
	})

	t.Run("has_many_through", func(t *testing.T) {
		rel, err := r.Relation("Country", "posts")
		if err != nil {
			t.Fatal(err)
		}
		if rel.FirstKey != "country_id" || rel.SecondKey != "user_id" {
			t.Errorf("expected country_id/user_id, got %v/%v", rel.FirstKey, rel.SecondKey)
		}
	})

	t.Run("morph_many", func(t *testing.T) {
		rel, err := r.Relation("Post", "images")
		if err != nil {
			t.Fatal(err)
		}
		if rel.TypeColumn != "imageable_type" || rel.IDColumn != "imageable_id" {
			t.Errorf("expected imageable_type/imageable_id, got %v/%v", rel.TypeColumn, rel.IDColumn)
		}
	})

	t.Run("morph_to", func(t *testing.T) {
		rel, err := r.Relation("Image", "imageable")
		if err != nil {
			t.Fatal(err)
		}
		if rel.TypeColumn != "imageable_type" || rel.IDColumn != "imageable_id" {
			t.Errorf("expected imageable_type/imageable_id, got %v/%v", rel.TypeColumn, rel.IDColumn)
		}
	})
}

func TestRelationMemoized(t *testing.T) {
	r := blogRegistry(t)

	first, err := r.Relation("User", "posts")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Relation("User", "posts")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("resolved relations should be memoized")
	}
}

func TestRelationForwardDeclaration(t *testing.T) {
	r := NewRegistry()

	// Post references User before User exists
	if err := r.Register(Definition{
		Name: "Post", Table: "posts", PrimaryKey: "id",
		Columns: []Column{{Name: "user_id", Type: Int}},
		Relationships: []RelationshipDefinition{
			{Name: "user", Kind: BelongsTo, Related: "User"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Definition{Name: "User", Table: "users", PrimaryKey: "id"}); err != nil {
		t.Fatal(err)
	}

	rel, err := r.Relation("Post", "user")
	if err != nil {
		t.Fatal(err)
	}
	if rel.OwnerKey != "id" {
		t.Errorf("owner key should default to the related primary key, got %v", rel.OwnerKey)
	}
}

func TestRelationResolutionErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{
		Name: "Post", Table: "posts", PrimaryKey: "id",
		Columns: []Column{{Name: "title", Type: String}},
		Relationships: []RelationshipDefinition{
			{Name: "user", Kind: BelongsTo, Related: "User"},
			{Name: "comments", Kind: HasMany, Related: "Comment"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Definition{
		Name: "Comment", Table: "comments", PrimaryKey: "id",
		Columns: []Column{{Name: "body", Type: String}},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Relation("Post", "user"); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf("unregistered related entity should fail resolution, got %v", err)
	}
	// comments table has no post_id column
	if _, err := r.Relation("Post", "comments"); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf("missing foreign key column should fail resolution, got %v", err)
	}

	if _, err := r.Relation("Post", "nope"); !errors.Is(err, ErrRelationNotFound) {
		t.Errorf("unknown relation should return ErrRelationNotFound, got %v", err)
	}
	if _, err := r.Relation("Nope", "user"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unknown entity should return ErrNotRegistered, got %v", err)
	}
}

func TestKnownTable(t *testing.T) {
	r := blogRegistry(t)

	for _, table := range []string{"users", "posts", "comments", "post_tag"} {
		if !r.KnownTable(table) {
			t.Errorf("%v should be a known table", table)
		}
	}
	if r.KnownTable("sessions") {
		t.Error("sessions should not be a known table")
	}
}

func TestResolveTable(t *testing.T) {
	r := blogRegistry(t)

	s, err := r.ResolveTable("posts")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "Post" {
		t.Errorf("posts should resolve to Post, got %v", s.Name)
	}
	if _, err := r.ResolveTable("sessions"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unknown table should return ErrNotRegistered, got %v", err)
	}
}

func TestEntityForMorphAlias(t *testing.T) {
	r := blogRegistry(t)

	s, err := r.EntityForMorphAlias("Post")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "Post" {
		t.Errorf("alias Post should resolve to Post, got %v", s.Name)
	}

	// Image registers a custom alias
	s, err = r.EntityForMorphAlias("image")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "Image" {
		t.Errorf("alias image should resolve to Image, got %v", s.Name)
	}

	if _, err := r.EntityForMorphAlias("Image"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("entity name should not double as an alias when overridden, got %v", err)
	}
}
