package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDuplicateKey represents a duplicate key constraint violation (MySQL 1062).
	ErrorTypeDuplicateKey
	// ErrorTypeDataTooLong represents a data too long error (MySQL 1406).
	ErrorTypeDataTooLong
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDeadlock represents a deadlock or lock wait timeout (MySQL 1213, 1205).
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
	// ErrorTypeInvalidValue represents an invalid value error.
	ErrorTypeInvalidValue
)

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.MySQLErrCode > 0 {
		return fmt.Sprintf("%s (MySQL error %d): %v", e.Message, e.MySQLErrCode, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// Kind maps the classification onto the resilience taxonomy: deadlocks and
// connection failures are worth retrying, everything else is not.
func (e *DatabaseError) Kind() Kind {
	switch e.Type {
	case ErrorTypeDeadlock, ErrorTypeConnectionError:
		return KindTransient
	default:
		return KindPermanent
	}
}

// ClassifyDBError classifies a database error into a specific error type.
//
// It handles GORM errors and MySQL-specific errors:
//   - ErrRecordNotFound → ErrorTypeNotFound
//   - MySQL 1062 (Duplicate entry) → ErrorTypeDuplicateKey
//   - MySQL 1406 (Data too long) → ErrorTypeDataTooLong
//   - MySQL 1213/1205 (Deadlock, lock wait timeout) → ErrorTypeDeadlock
//   - Connection errors → ErrorTypeConnectionError
//
// Example:
//
//	if err := db.Create(&row).Error; err != nil {
//	    return errors.ClassifyDBError(err) // transient kinds are retried by RetryPolicy
//	}
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{
			Type:        ErrorTypeNotFound,
			OriginalErr: err,
			Message:     "record not found",
		}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLError(mysqlErr)
	}

	if isConnectionError(err.Error()) {
		return &DatabaseError{
			Type:        ErrorTypeConnectionError,
			OriginalErr: err,
			Message:     "database connection error",
		}
	}

	return &DatabaseError{
		Type:        ErrorTypeUnknown,
		OriginalErr: err,
		Message:     "unknown database error",
	}
}

// classifyMySQLError classifies a MySQL-specific error.
func classifyMySQLError(err *mysql.MySQLError) *DatabaseError {
	dbErr := &DatabaseError{
		Type:         ErrorTypeUnknown,
		OriginalErr:  err,
		MySQLErrCode: err.Number,
		Message:      "MySQL error",
	}

	switch err.Number {
	case 1062: // ER_DUP_ENTRY
		dbErr.Type = ErrorTypeDuplicateKey
		dbErr.Message = "duplicate key constraint violation"
	case 1406: // ER_DATA_TOO_LONG
		dbErr.Type = ErrorTypeDataTooLong
		dbErr.Message = "data too long for column"
	case 1213: // ER_LOCK_DEADLOCK
		dbErr.Type = ErrorTypeDeadlock
		dbErr.Message = "deadlock detected"
	case 1205: // ER_LOCK_WAIT_TIMEOUT
		dbErr.Type = ErrorTypeDeadlock
		dbErr.Message = "lock wait timeout exceeded"
	case 1048, 1265, 1366: // ER_BAD_NULL_ERROR, ER_WARN_DATA_TRUNCATED, ER_TRUNCATED_WRONG_VALUE
		dbErr.Type = ErrorTypeInvalidValue
		dbErr.Message = "invalid or truncated value"
	}

	return dbErr
}

// isConnectionError checks if the error message indicates a connection problem.
func isConnectionError(errMsg string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"connection lost",
		"can't connect",
		"dial tcp",
		"invalid connection",
	}

	lower := strings.ToLower(errMsg)
	for _, keyword := range connectionKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// IsDuplicateKeyError checks if the error is a duplicate key constraint violation.
func IsDuplicateKeyError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDuplicateKey
}

// IsNotFoundError checks if the error is a record not found error.
func IsNotFoundError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeNotFound
}
