package config

import "fmt"

// ReadError is returned when a configuration file exists but cannot be read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("Not able to read %s: %s", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ParseError is returned when a configuration file is not valid JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Could not parse %s as JSON: %s", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is the first schema violation found in the configuration.
// Param is a JSON pointer to the offending value.
type ValidationError struct {
	Message string
	Param   string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("The configuration you provided is wrong: %s (at %q)", e.Message, e.Param)
}

func (e *ValidationError) Unwrap() error { return e.Err }
