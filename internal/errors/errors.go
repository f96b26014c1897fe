package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// Category represents different classes of operational errors
type Category string

const (
	// CategoryDependencyMissing indicates a required tool or binary is absent
	CategoryDependencyMissing Category = "DEPENDENCY_MISSING"
	// CategoryConnectivity indicates a service was unreachable within its timeout
	CategoryConnectivity Category = "CONNECTIVITY_FAILURE"
	// CategoryIntegrity indicates a checksum mismatch on a backup artifact
	CategoryIntegrity Category = "INTEGRITY_FAILURE"
	// CategoryConfirmationRejected indicates the user declined an irreversible action
	CategoryConfirmationRejected Category = "CONFIRMATION_REJECTED"
	// CategoryTimeout indicates an operation exceeded its hard deadline
	CategoryTimeout Category = "TIMEOUT_EXCEEDED"
	// CategoryPartialComponent indicates a non-mandatory component failed during backup
	CategoryPartialComponent Category = "PARTIAL_COMPONENT_FAILURE"
	// CategoryValidation indicates invalid input or configuration
	CategoryValidation Category = "VALIDATION_ERROR"
	// CategoryStorage indicates a storage provider failure
	CategoryStorage Category = "STORAGE_ERROR"
	// CategoryLocked indicates another deploy holds the mutual-exclusion lock
	CategoryLocked Category = "LOCKED"
	// CategoryRollback indicates a failure during rollback itself
	CategoryRollback Category = "ROLLBACK_ERROR"
	// CategoryCancelled indicates the operation was interrupted by a signal
	CategoryCancelled Category = "CANCELLED"
	// CategoryUnknown indicates an unclassified error
	CategoryUnknown Category = "UNKNOWN"
)

// Exit codes shared by every stackops subcommand.
const (
	ExitSuccess  = 0
	ExitDegraded = 1
	ExitFailure  = 2
	ExitUsage    = 3
)

// OpsError represents an operational error with category and context
type OpsError struct {
	Category    Category
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface
func (e *OpsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error
func (e *OpsError) Unwrap() error {
	return e.Cause
}

// IsRecoverable returns whether the error may succeed on retry
func (e *OpsError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *OpsError) WithContext(key string, value interface{}) *OpsError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new OpsError
func New(category Category, message string, cause error) *OpsError {
	return &OpsError{
		Category: category,
		Message:  message,
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// NewRecoverable creates a new OpsError that is safe to retry
func NewRecoverable(category Category, message string, cause error) *OpsError {
	e := New(category, message, cause)
	e.Recoverable = true
	return e
}

// Common constructors

func NewDependencyMissing(message string, cause error) *OpsError {
	return New(CategoryDependencyMissing, message, cause)
}

func NewConnectivityError(message string, cause error) *OpsError {
	return NewRecoverable(CategoryConnectivity, message, cause)
}

func NewIntegrityError(message string, cause error) *OpsError {
	return New(CategoryIntegrity, message, cause)
}

func NewConfirmationRejected(message string) *OpsError {
	return New(CategoryConfirmationRejected, message, nil)
}

func NewTimeoutError(message string, cause error) *OpsError {
	return New(CategoryTimeout, message, cause)
}

func NewPartialComponentError(component string, cause error) *OpsError {
	return New(CategoryPartialComponent,
		fmt.Sprintf("component %q failed, continuing without it", component), cause).
		WithContext("component", component)
}

func NewValidationError(message string, cause error) *OpsError {
	return New(CategoryValidation, message, cause)
}

func NewStorageError(message string, cause error) *OpsError {
	return New(CategoryStorage, message, cause)
}

func NewLockedError(message string) *OpsError {
	return New(CategoryLocked, message, nil)
}

func NewRollbackError(message string, cause error) *OpsError {
	return New(CategoryRollback, message, cause)
}

func NewCancelledError(message string, cause error) *OpsError {
	return New(CategoryCancelled, message, cause)
}

// CategoryOf extracts the category from any error
func CategoryOf(err error) Category {
	var opsErr *OpsError
	if errors.As(err, &opsErr) {
		return opsErr.Category
	}
	return CategoryUnknown
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

// IsFatal reports whether the error class aborts the surrounding run.
// Confirmation rejection and partial component failures do not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CategoryOf(err) {
	case CategoryConfirmationRejected, CategoryPartialComponent:
		return false
	}
	return true
}

// ExitCodeFor maps an error to the documented process exit code.
// Confirmation rejection is a clean abort, not a failure.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch CategoryOf(err) {
	case CategoryConfirmationRejected:
		return ExitSuccess
	case CategoryPartialComponent:
		return ExitDegraded
	case CategoryValidation:
		return ExitUsage
	default:
		return ExitFailure
	}
}

// Classifier analyzes raw errors and assigns operational categories
type Classifier struct{}

// NewClassifier creates a new error classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify analyzes an error and returns an OpsError with appropriate category
func (c *Classifier) Classify(err error) *OpsError {
	if err == nil {
		return nil
	}

	var opsErr *OpsError
	if errors.As(err, &opsErr) {
		return opsErr
	}

	if dbErr := c.classifyDatabaseError(err); dbErr != nil {
		return dbErr
	}
	if netErr := c.classifyNetworkError(err); netErr != nil {
		return netErr
	}
	if ctxErr := c.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}
	if fsErr := c.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return New(CategoryUnknown, "an unexpected error occurred", err)
}

func (c *Classifier) classifyDatabaseError(err error) *OpsError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045: // access denied
			return New(CategoryValidation,
				fmt.Sprintf("database access denied: %s", mysqlErr.Message), err)
		case 1049: // unknown database
			return New(CategoryValidation,
				fmt.Sprintf("unknown database: %s", mysqlErr.Message), err)
		case 2002, 2003, 2005: // connection failures
			return NewConnectivityError("cannot connect to database server", err)
		default:
			return New(CategoryUnknown,
				fmt.Sprintf("database error %d: %s", mysqlErr.Number, mysqlErr.Message), err)
		}
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return NewConnectivityError("invalid database connection", err)
	}

	return nil
}

func (c *Classifier) classifyNetworkError(err error) *OpsError {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(CategoryTimeout, "network operation timed out", err)
		}
		return NewConnectivityError("network operation failed", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewConnectivityError(fmt.Sprintf("network %s failed", opErr.Op), err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewConnectivityError("connection refused", err)
	}

	return nil
}

func (c *Classifier) classifyContextError(err error) *OpsError {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CategoryTimeout, "operation exceeded its deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewCancelledError("operation cancelled", err)
	}
	return nil
}

func (c *Classifier) classifyFileSystemError(err error) *OpsError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, syscall.ENOENT):
			return New(CategoryValidation,
				fmt.Sprintf("file or directory not found: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.EACCES):
			return New(CategoryValidation,
				fmt.Sprintf("permission denied: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.ENOSPC):
			return NewStorageError("no space left on device", err)
		}
	}
	return nil
}
