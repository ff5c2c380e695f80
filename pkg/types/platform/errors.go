package platform

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Stable error kinds surfaced to callers. The HTTP layer maps these to
// status codes; everything else is treated as internal.
var (
	// ErrNotFound covers both genuinely missing records and ownership
	// mismatches, so that probing cannot distinguish the two.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSlug is returned when creating a skill whose slug and
	// version collide with an existing record.
	ErrDuplicateSlug = errors.New("slug already exists")

	// ErrPermissionNotDeclared is returned when an install grants a
	// permission the skill manifest never declared.
	ErrPermissionNotDeclared = errors.New("permission not declared by skill manifest")

	// ErrNotRunnable is returned when an operation requires a status the
	// installation is not in.
	ErrNotRunnable = errors.New("installation is not runnable")

	// ErrNotReversible is returned when reverting a log entry that is not
	// reversible or has already been reverted.
	ErrNotReversible = errors.New("log entry is not reversible")
)

// PermissionDeniedError names the permission that was missing.
type PermissionDeniedError struct {
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: missing %q", e.Permission)
}

// IsPermissionDenied reports whether err is a permission denial.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// ValidationError describes one field-level violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violation found in a single pass so
// the caller can present the complete list, not just the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AsValidationErrors unwraps err into ValidationErrors if possible.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ExecutionError wraps a failure raised by the action body itself. The
// failed run is still logged with a null after state; the installation
// stays installed unless the action signalled a systemic problem.
type ExecutionError struct {
	Action string
	Err    error
	// Fatal marks a systemic failure that moves the installation to the
	// error status.
	Fatal bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err originated from an action body.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
