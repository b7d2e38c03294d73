package tests

import (
	"context"
	"database/sql"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/go-grove/grove"
	"github.com/go-grove/grove/cache"
	"github.com/go-grove/grove/logger"
	"github.com/go-grove/grove/schema"
)

// Registry declares the blog-shaped entity graph the suite runs
// against. Every relation kind appears at least once.
func Registry(t *testing.T) *schema.Registry {
	t.Helper()

	r := schema.NewRegistry()
	defs := []schema.Definition{
		{
			Name: "Country", Table: "countries", PrimaryKey: "id",
			Columns: []schema.Column{{Name: "name", Type: schema.String}},
			Relationships: []schema.RelationshipDefinition{
				{Name: "users", Kind: schema.HasMany, Related: "User"},
				{Name: "posts", Kind: schema.HasManyThrough, Related: "Post", Through: "User"},
			},
		},
		{
			Name: "User", Table: "users", PrimaryKey: "id", Timestamps: true,
			Columns: []schema.Column{
				{Name: "country_id", Type: schema.Int},
				{Name: "name", Type: schema.String},
				{Name: "email", Type: schema.String},
				{Name: "age", Type: schema.Int},
				{Name: "active", Type: schema.Bool},
			},
			Relationships: []schema.RelationshipDefinition{
				{Name: "country", Kind: schema.BelongsTo, Related: "Country"},
				{Name: "posts", Kind: schema.HasMany, Related: "Post"},
				{Name: "profile", Kind: schema.HasOne, Related: "Profile"},
				{Name: "roles", Kind: schema.BelongsToMany, Related: "Role", PivotColumns: []string{"granted_by"}},
			},
		},
		{
			Name: "Profile", Table: "profiles", PrimaryKey: "id",
			Columns: []schema.Column{
				{Name: "user_id", Type: schema.Int},
				{Name: "bio", Type: schema.String},
			},
		},
		{
			Name: "Post", Table: "posts", PrimaryKey: "id",
			Columns: []schema.Column{
				{Name: "user_id", Type: schema.Int},
				{Name: "title", Type: schema.String},
				{Name: "published", Type: schema.Bool},
			},
			Relationships: []schema.RelationshipDefinition{
				{Name: "author", Kind: schema.BelongsTo, Related: "User", ForeignKey: "user_id"},
				{Name: "comments", Kind: schema.MorphMany, Related: "Comment", MorphName: "commentable"},
				{Name: "tags", Kind: schema.MorphToMany, Related: "Tag", MorphName: "taggable"},
			},
		},
		{
			Name: "Video", Table: "videos", PrimaryKey: "id",
			Columns: []schema.Column{{Name: "url", Type: schema.String}},
			Relationships: []schema.RelationshipDefinition{
				{Name: "comments", Kind: schema.MorphMany, Related: "Comment", MorphName: "commentable"},
			},
		},
		{
			Name: "Comment", Table: "comments", PrimaryKey: "id",
			Columns: []schema.Column{
				{Name: "body", Type: schema.String},
				{Name: "commentable_type", Type: schema.String},
				{Name: "commentable_id", Type: schema.Int},
			},
			Relationships: []schema.RelationshipDefinition{
				{Name: "commentable", Kind: schema.MorphTo},
			},
		},
		{
			Name: "Role", Table: "roles", PrimaryKey: "id",
			Columns: []schema.Column{{Name: "name", Type: schema.String}},
		},
		{
			Name: "Tag", Table: "tags", PrimaryKey: "id",
			Columns: []schema.Column{{Name: "label", Type: schema.String}},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			t.Fatalf("register %v: %v", def.Name, err)
		}
	}
	return r
}

var ddl = []string{
	`CREATE TABLE countries (id INTEGER PRIMARY KEY, name TEXT)`,
	`CREATE TABLE users (id INTEGER PRIMARY KEY, country_id INTEGER, name TEXT, email TEXT, age INTEGER, active INTEGER, created_at TEXT, updated_at TEXT)`,
	`CREATE TABLE profiles (id INTEGER PRIMARY KEY, user_id INTEGER, bio TEXT)`,
	`CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT, published INTEGER)`,
	`CREATE TABLE videos (id INTEGER PRIMARY KEY, url TEXT)`,
	`CREATE TABLE comments (id INTEGER PRIMARY KEY, body TEXT, commentable_type TEXT, commentable_id INTEGER)`,
	`CREATE TABLE roles (id INTEGER PRIMARY KEY, name TEXT)`,
	`CREATE TABLE role_user (user_id INTEGER, role_id INTEGER, granted_by INTEGER)`,
	`CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT)`,
	`CREATE TABLE taggables (tag_id INTEGER, taggable_id INTEGER, taggable_type TEXT)`,
}

// OpenSQLite opens a fresh in-memory database with the suite's tables
// created. Shared cache keeps every pooled connection on the same
// database.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create tables: %v", err)
		}
	}
	return db
}

// CountingExecutor forwards to a SQL executor and counts statements,
// so tests can assert how many queries an operation issued.
type CountingExecutor struct {
	inner  *grove.SQLExecutor
	reads  int64
	writes int64
}

func NewCountingExecutor(inner *grove.SQLExecutor) *CountingExecutor {
	return &CountingExecutor{inner: inner}
}

func (e *CountingExecutor) Query(ctx context.Context, query string, args ...interface{}) ([]grove.Row, error) {
	atomic.AddInt64(&e.reads, 1)
	return e.inner.Query(ctx, query, args...)
}

func (e *CountingExecutor) Exec(ctx context.Context, query string, args ...interface{}) (grove.Result, error) {
	atomic.AddInt64(&e.writes, 1)
	return e.inner.Exec(ctx, query, args...)
}

func (e *CountingExecutor) BeginTx(ctx context.Context) (grove.TxExecutor, error) {
	return e.inner.BeginTx(ctx)
}

func (e *CountingExecutor) Reads() int64 {
	return atomic.LoadInt64(&e.reads)
}

func (e *CountingExecutor) Writes() int64 {
	return atomic.LoadInt64(&e.writes)
}

// Options tweaks what OpenTestDB wires in.
type Options struct {
	Cache      cache.Store
	StrictLazy bool
}

// OpenTestDB opens a grove handle over a fresh sqlite database and
// returns the handle together with its counting executor.
func OpenTestDB(t *testing.T, opts ...Options) (*grove.DB, *CountingExecutor) {
	t.Helper()

	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	executor := NewCountingExecutor(grove.NewSQLExecutor(OpenSQLite(t)))
	db, err := grove.Open(grove.Config{
		Registry:          Registry(t),
		Executor:          executor,
		Dialect:           grove.SQLiteDialect{},
		Cache:             opt.Cache,
		Logger:            logger.Discard,
		StrictLazyLoading: opt.StrictLazy,
	})
	if err != nil {
		t.Fatalf("open grove: %v", err)
	}
	return db, executor
}

var seed = []string{
	`INSERT INTO countries (id, name) VALUES (1, 'narnia'), (2, 'oz')`,
	`INSERT INTO users (id, country_id, name, email, age, active) VALUES
		(1, 1, 'ada', 'ada@example.com', 30, 1),
		(2, 1, 'grace', 'grace@example.com', 25, 1),
		(3, 2, 'linus', 'linus@example.com', 40, 0)`,
	`INSERT INTO profiles (id, user_id, bio) VALUES (1, 1, 'systems'), (2, 2, 'compilers')`,
	`INSERT INTO posts (id, user_id, title, published) VALUES
		(1, 1, 'intro', 1),
		(2, 1, 'drafts', 0),
		(3, 2, 'parsers', 1)`,
	`INSERT INTO videos (id, url) VALUES (1, 'launch.mp4')`,
	`INSERT INTO comments (id, body, commentable_type, commentable_id) VALUES
		(1, 'nice', 'Post', 1),
		(2, 'typo in step 2', 'Post', 1),
		(3, 'first', 'Video', 1)`,
	`INSERT INTO roles (id, name) VALUES (1, 'admin'), (2, 'editor')`,
	`INSERT INTO role_user (user_id, role_id, granted_by) VALUES (1, 1, 2), (1, 2, NULL), (2, 2, NULL)`,
	`INSERT INTO tags (id, label) VALUES (1, 'go'), (2, 'sql')`,
	`INSERT INTO taggables (tag_id, taggable_id, taggable_type) VALUES
		(1, 1, 'Post'),
		(2, 1, 'Post'),
		(1, 3, 'Post')`,
}

// Seed loads the canonical dataset through raw statements so fixtures
// never depend on the write paths under test.
func Seed(t *testing.T, db *grove.DB) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range seed {
		if _, err := db.Raw(stmt).Exec(ctx); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// AssertEqual compares two values, converting across compatible types
// first so int64 driver values compare cleanly against int literals.
func AssertEqual(t *testing.T, got, expect interface{}) {
	t.Helper()
	if reflect.DeepEqual(got, expect) {
		return
	}
	if got != nil && expect != nil {
		gv, ev := reflect.ValueOf(got), reflect.ValueOf(expect)
		if gv.Type().ConvertibleTo(ev.Type()) &&
			reflect.DeepEqual(gv.Convert(ev.Type()).Interface(), expect) {
			return
		}
	}
	t.Errorf("expect: %#v, got %#v", expect, got)
}

// Strings collects one string column from entities in order.
func Strings(entities []*grove.Entity, column string) []string {
	values := make([]string, 0, len(entities))
	for _, e := range entities {
		values = append(values, e.GetString(column))
	}
	return values
}

// Keys collects primary keys in order.
func Keys(entities []*grove.Entity) []int64 {
	keys := make([]int64, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, e.GetInt(e.PrimaryKey()))
	}
	return keys
}
