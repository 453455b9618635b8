package cli

import (
	"errors"
	"fmt"
)

// Process exit codes. Scripts wrapping themis branch on these: a config
// problem is fixable without touching engine state, and a verification
// failure means stored disposal evidence did not check out.
const (
	ExitFailure      = 1
	ExitConfig       = 2
	ExitVerification = 3
)

// ConfigError reports invalid or unloadable configuration. Field holds
// the offending config path ("scheduler.workers") when known.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", e.Message)
	}
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

func (e *ConfigError) ExitCode() int { return ExitConfig }

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) ExitCode() int { return ExitFailure }

// VerificationError reports that a disposal certificate or the audit
// trail failed verification. Subject is the certificate ID, or "audit
// trail" for a full integrity pass.
type VerificationError struct {
	Subject string
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %v", e.Subject, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) ExitCode() int { return ExitVerification }

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(subject string, err error) *VerificationError {
	return &VerificationError{
		Subject: subject,
		Err:     err,
	}
}

// ExitCode maps an error to the process exit code: nil is 0, errors
// carrying their own code keep it, anything else is ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return ExitFailure
}
