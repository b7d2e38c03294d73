package grove

import (
	"context"
	"errors"
	"time"

	"github.com/go-grove/grove/cache"
	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/logger"
	"github.com/go-grove/grove/schema"
)

// Config configures an ORM handle. Registry and Executor are required,
// everything else has a working default.
type Config struct {
	// Registry holds every entity declaration.
	Registry *schema.Registry
	// Executor runs compiled statements.
	Executor Executor
	// Dialect controls quoting and placeholder rendering, MySQL when
	// nil.
	Dialect Dialect
	// Cache enables read-through result caching when set.
	Cache cache.Store
	// DefaultTTL caches every read for the duration when Cache is set.
	// Remember on a plan overrides it, Remember(0) opts the plan out.
	DefaultTTL time.Duration
	// Logger receives statement traces, logger.Default when nil.
	Logger logger.Interface
	// NowFunc supplies timestamps for created_at/updated_at columns,
	// time.Now when nil.
	NowFunc func() time.Time
	// StrictLazyLoading makes lazy relation reads on batch-hydrated
	// entities fail instead of silently issuing one query per entity.
	StrictLazyLoading bool
}

// resultCache is the read-through surface shared by the global cache
// and its per-transaction overlay.
type resultCache interface {
	GetOrExecute(ctx context.Context, key string, tables []string, ttl time.Duration, exec cache.ExecFunc) ([]Row, bool, error)
	Invalidate(ctx context.Context, tables ...string)
}

// DB is an ORM handle. It is immutable after Open and safe for
// concurrent use, plans derive from it without locking.
type DB struct {
	config     *Config
	registry   *schema.Registry
	executor   Executor
	compiler   *Compiler
	cache      resultCache
	logger     logger.Interface
	dialect    Dialect
	nowFunc    func() time.Time
	defaultTTL time.Duration
	strictLazy bool

	// set only on handles returned by Begin
	tx     TxExecutor
	staged *cache.Staged
}

// Open wires a handle from explicit dependencies.
func Open(config Config) (*DB, error) {
	if config.Registry == nil {
		return nil, errors.New("grove: Config.Registry is required")
	}
	if config.Executor == nil {
		return nil, errors.New("grove: Config.Executor is required")
	}
	if config.Dialect == nil {
		config.Dialect = MySQLDialect{}
	}
	if config.Logger == nil {
		config.Logger = logger.Default
	}
	if config.NowFunc == nil {
		config.NowFunc = time.Now
	}

	db := &DB{
		config:     &config,
		registry:   config.Registry,
		executor:   config.Executor,
		compiler:   NewCompiler(config.Registry, config.Dialect),
		logger:     config.Logger,
		dialect:    config.Dialect,
		nowFunc:    config.NowFunc,
		defaultTTL: config.DefaultTTL,
		strictLazy: config.StrictLazyLoading,
	}
	if config.Cache != nil {
		db.cache = cache.New(config.Cache, config.Logger)
	}
	return db, nil
}

// Session collects scoped overrides for a derived handle. Zero fields
// keep the parent handle's values.
type Session struct {
	Logger            logger.Interface
	NowFunc           func() time.Time
	DefaultTTL        time.Duration
	StrictLazyLoading bool
}

// Session returns a handle with the overrides applied. The receiver
// stays unchanged, an open transaction carries over.
func (db *DB) Session(config *Session) *DB {
	tx := *db
	if config.Logger != nil {
		tx.logger = config.Logger
	}
	if config.NowFunc != nil {
		tx.nowFunc = config.NowFunc
	}
	if config.DefaultTTL > 0 {
		tx.defaultTTL = config.DefaultTTL
	}
	if config.StrictLazyLoading {
		tx.strictLazy = true
	}
	return &tx
}

// Registry returns the entity registry the handle was opened with.
func (db *DB) Registry() *schema.Registry {
	return db.registry
}

// Model starts a plan targeting a registered entity.
func (db *DB) Model(entity string) *Query {
	return &Query{db: db, entity: entity, clauses: map[string]clause.Clause{}}
}

// Table starts a plan targeting a table outside the registry. Such
// plans skip entity hydration metadata and join validation.
func (db *DB) Table(name string) *Query {
	return &Query{db: db, table: name, clauses: map[string]clause.Clause{}}
}

// Raw wraps a complete statement in a plan. It passes through the
// compiler untouched apart from a placeholder arity check.
func (db *DB) Raw(sql string, vars ...interface{}) *Query {
	return &Query{db: db, rawSQL: sql, rawVars: vars, clauses: map[string]clause.Clause{}}
}

// exec returns the executor for the current scope, the transaction's
// when one is open.
func (db *DB) exec() Executor {
	if db.tx != nil {
		return db.tx
	}
	return db.executor
}

// executeQuery runs a compiled read, through the result cache when the
// plan carries a TTL. The bool reports a cache hit.
func (db *DB) executeQuery(ctx context.Context, q *Query, sql string, vars []interface{}) ([]Row, bool, error) {
	ttl := q.ttl
	if !q.ttlSet {
		ttl = db.defaultTTL
	}
	if db.cache == nil || ttl <= 0 {
		rows, err := db.exec().Query(ctx, sql, vars...)
		return rows, false, err
	}

	scope := q.entity
	if scope == "" {
		scope = q.table
	}
	key := cache.Fingerprint(db.dialect.Name(), scope, sql, vars)
	return db.cache.GetOrExecute(ctx, key, q.referencedTables(), ttl, func(ctx context.Context) ([]Row, error) {
		return db.exec().Query(ctx, sql, vars...)
	})
}

// invalidate drops cached results touching the given tables. Inside a
// transaction the drop is staged until commit.
func (db *DB) invalidate(ctx context.Context, tables ...string) {
	if db.cache != nil {
		db.cache.Invalidate(ctx, tables...)
	}
}

// trace reports one executed statement to the logger, filtering bind
// values first when the logger asks for that.
func (db *DB) trace(ctx context.Context, begin time.Time, sql string, vars []interface{}, rows int64, err error) {
	db.logger.Trace(ctx, begin, func() (string, int64) {
		explainSQL, explainVars := sql, vars
		if filter, ok := db.logger.(logger.ParamsFilter); ok {
			explainSQL, explainVars = filter.ParamsFilter(ctx, sql, vars...)
		}
		return db.dialect.Explain(explainSQL, explainVars...), rows
	}, err)
}
