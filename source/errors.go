package source

import "fmt"

// ParseError is fatal for the offending file, not for the engine: the file
// moves to FAILED with its partial offset recorded.
type ParseError struct {
	Path   string
	Row    int64
	Offset int64
	Cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("source: parse %s row %d (byte %d): %v", e.Path, e.Row, e.Offset, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
