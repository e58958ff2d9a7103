package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError reports that an operation did not reach its goal state within
// the allowed duration. Last holds the most recent observation made before
// giving up so callers can log what the operation saw.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Attempts  int
	Last      any
}

func NewTimeoutError(operation string, duration time.Duration, attempts int, last any) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
		Attempts:  attempts,
		Last:      last,
	}
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out after %s (%d attempts)", e.Operation, e.Duration, e.Attempts)
	if e.Last != nil {
		msg = fmt.Sprintf("%s, last observed state: %v", msg, e.Last)
	}
	return msg
}

// IsTimeout returns true if err or any error it wraps is a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// CancelledError reports that a wait ended because its context ended, not
// because the operation's own time budget ran out.
type CancelledError struct {
	Operation string
	Err       error
}

func NewCancelledError(operation string, err error) *CancelledError {
	return &CancelledError{Operation: operation, Err: err}
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: cancelled: %v", e.Operation, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// IsCancelled returns true if err or any error it wraps is a CancelledError.
func IsCancelled(err error) bool {
	var cancelledErr *CancelledError
	return errors.As(err, &cancelledErr)
}

// ConfigError reports invalid or incomplete caller parameters. It is always
// returned before anything on the cluster has been touched.
type ConfigError struct {
	message string
}

func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{message: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return e.message
}

// IsConfig returns true if err or any error it wraps is a ConfigError.
func IsConfig(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// CommandError reports a failed external command along with the output it
// produced.
type CommandError struct {
	Cmd    []string
	Stdout string
	Stderr string
	Err    error
}

func NewCommandError(cmd []string, stdout, stderr string, err error) *CommandError {
	return &CommandError{Cmd: cmd, Stdout: stdout, Stderr: stderr, Err: err}
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Cmd, " "))
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s, stderr: %s", msg, e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsCommand returns true if err or any error it wraps is a CommandError.
func IsCommand(err error) bool {
	var commandErr *CommandError
	return errors.As(err, &commandErr)
}
