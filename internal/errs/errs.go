// Package errs defines the error taxonomy shared by every core package:
// ConfigError, ResourceError, StateError, BuildError, and TimeoutError.
// Each is a concrete type so callers can errors.As into the kind they
// care about instead of matching on string prefixes.
package errs

import "fmt"

// ConfigError signals a problem found while validating a Fleet Config,
// before any side effect has happened. Code is a short machine-checkable
// tag (e.g. "cycle", "duplicate-name", "unresolved-dependency",
// "conflict", "unsupported").
type ConfigError struct {
	Code    string
	Message string
	Names   []string // offending jail names, if any
	err     error
}

func (e *ConfigError) Error() string {
	if len(e.Names) > 0 {
		return fmt.Sprintf("config error (%s): %s %v", e.Code, e.Message, e.Names)
	}
	return fmt.Sprintf("config error (%s): %s", e.Code, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.err }

func NewConfigError(code, message string, names ...string) *ConfigError {
	return &ConfigError{Code: code, Message: message, Names: names}
}

func WrapConfigError(code string, err error, names ...string) *ConfigError {
	return &ConfigError{Code: code, Message: err.Error(), Names: names, err: err}
}

// ResourceError wraps a Host or Storage Adapter failure. Transient errors
// are eligible for the 1s/2s/4s retry in internal/hostadapter.
type ResourceError struct {
	Op        string
	Transient bool
	err       error
}

func (e *ResourceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("resource error (%s, %s): %v", e.Op, kind, e.err)
}

func (e *ResourceError) Unwrap() error { return e.err }

func NewResourceError(op string, transient bool, err error) *ResourceError {
	return &ResourceError{Op: op, Transient: transient, err: err}
}

// StateError signals an illegal state transition or a missing/corrupted
// runtime record.
type StateError struct {
	Jail    string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error for %q: %s", e.Jail, e.Message)
}

func NewStateError(jail, message string) *StateError {
	return &StateError{Jail: jail, Message: message}
}

// BuildError signals a Build Planner failure: an unresolved variable, a
// failed Run step, or a context path that escapes the build directory.
type BuildError struct {
	Step    string
	Message string
	err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build error at %s: %s", e.Step, e.Message)
}

func (e *BuildError) Unwrap() error { return e.err }

func NewBuildError(step, message string) *BuildError {
	return &BuildError{Step: step, Message: message}
}

func WrapBuildError(step string, err error) *BuildError {
	return &BuildError{Step: step, Message: err.Error(), err: err}
}

// TimeoutError signals that an operation exceeded its deadline. It is
// treated as transient for idempotent steps and permanent otherwise;
// the caller decides which by inspecting IdempotentStep.
type TimeoutError struct {
	Op             string
	IdempotentStep bool
	err            error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s: %v", e.Op, e.err)
}

func (e *TimeoutError) Unwrap() error { return e.err }

func NewTimeoutError(op string, idempotent bool, err error) *TimeoutError {
	return &TimeoutError{Op: op, IdempotentStep: idempotent, err: err}
}
