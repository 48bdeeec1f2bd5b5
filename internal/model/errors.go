package model

import "fmt"

// ValidationError rejects a malformed request before any fetch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConfigError is a fatal setup problem such as a zero-sum weight profile.
// It is never defaulted away.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}
