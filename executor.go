package grove

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"reflect"
)

// Row is a single result row keyed by column name.
type Row = map[string]interface{}

// Result reports the outcome of a write statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Executor runs compiled statements against a database. Implementations
// must be safe for concurrent use.
type Executor interface {
	Query(ctx context.Context, sql string, args ...interface{}) ([]Row, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (Result, error)
}

// Beginner is implemented by executors that can open transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (TxExecutor, error)
}

// TxExecutor runs statements inside one open transaction.
type TxExecutor interface {
	Executor
	Commit() error
	Rollback() error
}

// sqlConn is the subset of database/sql shared by *sql.DB and *sql.Tx.
type sqlConn interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SQLExecutor adapts a database/sql handle to the Executor interface.
type SQLExecutor struct {
	db   *sql.DB
	conn sqlConn
}

// NewSQLExecutor wraps an open *sql.DB.
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db, conn: db}
}

// Query runs a statement and drains every row into a map.
func (e *SQLExecutor) Query(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Exec runs a statement and reports affected rows. Drivers without
// insert id support report zero.
func (e *SQLExecutor) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	res, err := e.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if id, err := res.LastInsertId(); err == nil {
		result.LastInsertID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		result.RowsAffected = n
	}
	return result, nil
}

// BeginTx opens a transaction. The returned executor is bound to it and
// cannot begin another.
func (e *SQLExecutor) BeginTx(ctx context.Context) (TxExecutor, error) {
	if e.db == nil {
		return nil, ErrInvalidTransaction
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTxExecutor{SQLExecutor: SQLExecutor{conn: tx}, tx: tx}, nil
}

type sqlTxExecutor struct {
	SQLExecutor
	tx *sql.Tx
}

func (e *sqlTxExecutor) Commit() error {
	return e.tx.Commit()
}

func (e *sqlTxExecutor) Rollback() error {
	return e.tx.Rollback()
}

// scanRows drains a result set into maps. The slice is non-nil even
// when empty so callers and caches can tell "no rows" from "no result".
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	columnTypes, _ := rows.ColumnTypes()
	results := make([]Row, 0)
	values := make([]interface{}, len(columns))

	for rows.Next() {
		prepareValues(values, columnTypes, columns)
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		scanIntoMap(row, values, columns)
		results = append(results, row)
	}

	return results, rows.Err()
}

// prepareValues prepare values slice
func prepareValues(values []interface{}, columnTypes []*sql.ColumnType, columns []string) {
	if len(columnTypes) > 0 {
		for idx, columnType := range columnTypes {
			if columnType.ScanType() != nil {
				values[idx] = reflect.New(reflect.PtrTo(columnType.ScanType())).Interface()
			} else {
				values[idx] = new(interface{})
			}
		}
	} else {
		for idx := range columns {
			values[idx] = new(interface{})
		}
	}
}

func scanIntoMap(mapValue Row, values []interface{}, columns []string) {
	for idx, column := range columns {
		if reflectValue := reflect.Indirect(reflect.Indirect(reflect.ValueOf(values[idx]))); reflectValue.IsValid() {
			mapValue[column] = reflectValue.Interface()
			if valuer, ok := mapValue[column].(driver.Valuer); ok {
				mapValue[column], _ = valuer.Value()
			} else if b, ok := mapValue[column].(sql.RawBytes); ok {
				mapValue[column] = string(b)
			}
		} else {
			mapValue[column] = nil
		}
	}
}
