package models

import (
	"fmt"
	"strings"
)

// ConfigError reports static configuration that is out of sync with the data shape.
// It is fatal: the fix is a maintainer edit, not a retry.
type ConfigError struct {
	Stage   string
	Message string
	Columns []string
}

func (e *ConfigError) Error() string {
	if len(e.Columns) == 0 {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Message, strings.Join(e.Columns, ", "))
}

// IsTransient returns false as configuration errors are permanent
func (e *ConfigError) IsTransient() bool {
	return false
}

// NewConfigError builds a ConfigError naming the offending columns
func NewConfigError(stage, message string, columns ...string) *ConfigError {
	return &ConfigError{Stage: stage, Message: message, Columns: columns}
}

// FatalError aborts a run on a structural invariant violation
type FatalError struct {
	Diagnostic Diagnostic
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s (%d rows)", e.Diagnostic.Kind, e.Diagnostic.Description, e.Diagnostic.RowCount)
}

// IsTransient returns false as invariant violations need a data or configuration fix
func (e *FatalError) IsTransient() bool {
	return false
}

// NewFatalError wraps a diagnostic, forcing fatal severity
func NewFatalError(d Diagnostic) *FatalError {
	d.Severity = SeverityFatal
	return &FatalError{Diagnostic: d}
}
