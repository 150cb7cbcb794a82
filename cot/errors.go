package cot

import "fmt"

// UnmarshalError indicates that a single <event> element could not be
// converted into an Event. It never terminates a session; the offending
// event is logged and skipped.
type UnmarshalError struct {
	// Reason describes what was wrong with the element.
	Reason string
	// Child names the child tag being parsed when the error occurred,
	// if any.
	Child string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *UnmarshalError) Error() string {
	if e.Child != "" {
		return fmt.Sprintf("unmarshal error in <%s>: %s", e.Child, e.Reason)
	}
	return "unmarshal error: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *UnmarshalError) Unwrap() error {
	return e.Err
}
