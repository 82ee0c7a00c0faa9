package models

import "fmt"

// ConfigValidationError rejects a job before anything is launched.
type ConfigValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigValidationError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("invalid job config: %s %s: %v", e.Field, e.Reason, e.Err)
	case e.Field != "":
		return fmt.Sprintf("invalid job config: %s %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("invalid job config: %s: %v", e.Reason, e.Err)
	default:
		return "invalid job config: " + e.Reason
	}
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }
