package grove

import (
	"errors"

	"github.com/go-grove/grove/logger"
)

var (
	// ErrRecordNotFound record not found error
	ErrRecordNotFound = logger.ErrRecordNotFound
	// ErrInvalidPlan the query plan is malformed, detected at construction
	ErrInvalidPlan = errors.New("invalid query plan")
	// ErrInvalidSQL the plan cannot be compiled into a statement
	ErrInvalidSQL = errors.New("invalid SQL")
	// ErrInvalidTransaction invalid transaction when you are trying to `Commit` or `Rollback`
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrMissingWhereClause missing where clause on update or delete
	ErrMissingWhereClause = errors.New("WHERE conditions required")
	// ErrUnsupportedRelation relation kind not supported by the operation
	ErrUnsupportedRelation = errors.New("unsupported relations")
	// ErrLazyLoadForbidden lazy relation access on a batch-loaded entity in strict mode
	ErrLazyLoadForbidden = errors.New("lazy loading forbidden")
	// ErrUnsupportedDriver the executor does not implement the needed capability
	ErrUnsupportedDriver = errors.New("unsupported driver")
)
