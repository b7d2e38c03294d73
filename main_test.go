package grove_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-grove/grove"
	"github.com/go-grove/grove/logger"
	"github.com/go-grove/grove/schema"
)

// testRegistry declares the blog-shaped entity graph the package tests
// share. Every relation kind appears at least once.
func testRegistry(t *testing.T) *schema.Registry {
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

// mustOpen opens a handle over the shared registry, failing the test on
// config errors. Registry and Logger default when the caller leaves them
// empty.
func mustOpen(t *testing.T, config grove.Config) *grove.DB {
	t.Helper()
	if config.Registry == nil {
		config.Registry = testRegistry(t)
	}
	if config.Logger == nil {
		config.Logger = logger.Discard
	}
	db, err := grove.Open(config)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func openDB(t *testing.T, executor grove.Executor) *grove.DB {
	t.Helper()
	return mustOpen(t, grove.Config{Executor: executor})
}

type loggedStatement struct {
	SQL  string
	Vars []interface{}
}

// stubExecutor records every statement and serves canned responses.
// Query pops result sets from rows front to back; rowsFor, when set,
// takes precedence and keys responses off the statement text.
type stubExecutor struct {
	mu      sync.Mutex
	queries []loggedStatement
	execs   []loggedStatement

	rows     [][]grove.Row
	rowsFor  func(sql string, vars []interface{}) ([]grove.Row, bool)
	result   grove.Result
	queryErr error
	execErr  error
}

func (e *stubExecutor) Query(ctx context.Context, sql string, args ...interface{}) ([]grove.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queries = append(e.queries, loggedStatement{SQL: sql, Vars: args})
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	if e.rowsFor != nil {
		if rows, ok := e.rowsFor(sql, args); ok {
			return rows, nil
		}
	}
	if len(e.rows) == 0 {
		return []grove.Row{}, nil
	}
	rows := e.rows[0]
	e.rows = e.rows[1:]
	return rows, nil
}

func (e *stubExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (grove.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.execs = append(e.execs, loggedStatement{SQL: sql, Vars: args})
	if e.execErr != nil {
		return grove.Result{}, e.execErr
	}
	return e.result, nil
}

func (e *stubExecutor) queryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

func (e *stubExecutor) lastQuery() loggedStatement {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queries) == 0 {
		return loggedStatement{}
	}
	return e.queries[len(e.queries)-1]
}

func (e *stubExecutor) lastExec() loggedStatement {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.execs) == 0 {
		return loggedStatement{}
	}
	return e.execs[len(e.execs)-1]
}

// txStubExecutor adds transaction support on top of stubExecutor. Each
// BeginTx hands out a fresh recorder seeded with txRows.
type txStubExecutor struct {
	stubExecutor
	txRows    [][]grove.Row
	beginErr  error
	commitErr error
	tx        *txRecorder
}

func (e *txStubExecutor) BeginTx(ctx context.Context) (grove.TxExecutor, error) {
	if e.beginErr != nil {
		return nil, e.beginErr
	}
	e.tx = &txRecorder{
		stubExecutor: stubExecutor{rows: e.txRows, result: e.result},
		commitErr:    e.commitErr,
	}
	return e.tx, nil
}

type txRecorder struct {
	stubExecutor
	commitErr  error
	committed  bool
	rolledBack bool
}

func (tx *txRecorder) Commit() error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *txRecorder) Rollback() error {
	tx.rolledBack = true
	return nil
}

type traceRecord struct {
	SQL  string
	Rows int64
	Err  error
}

// recordingLogger captures traces for assertions on statement reporting.
type recordingLogger struct {
	mu     sync.Mutex
	traces []traceRecord
	warns  []string
}

func (l *recordingLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *recordingLogger) Info(ctx context.Context, msg string, data ...interface{}) {}

func (l *recordingLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(ctx context.Context, msg string, data ...interface{}) {}

func (l *recordingLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	sql, rows := fc()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traces = append(l.traces, traceRecord{SQL: sql, Rows: rows, Err: err})
}

func (l *recordingLogger) lastTrace() traceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.traces) == 0 {
		return traceRecord{}
	}
	return l.traces[len(l.traces)-1]
}
