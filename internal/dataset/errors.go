package dataset

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrMalformedQuery marks a query the engine could not compile.
	ErrMalformedQuery = errors.New("malformed query")

	// ErrEngine marks every other engine failure.
	ErrEngine = errors.New("data engine error")

	// ErrNotLoaded is returned by Execute before the first successful load.
	ErrNotLoaded = errors.New("dataset not loaded")
)

// MalformedQueryError carries the engine's message for a rejected query.
type MalformedQueryError struct {
	Query   string
	Message string
}

func (e *MalformedQueryError) Error() string {
	return e.Message
}

// Is reports ErrMalformedQuery as a match.
func (e *MalformedQueryError) Is(target error) bool {
	return target == ErrMalformedQuery
}

// EngineError is a non-syntax engine failure.
type EngineError struct {
	Code string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %s: %v", e.Code, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports ErrEngine as a match.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}

// EngineCode extracts the result code name from an engine error, or
// "UNKNOWN" when err carries none.
func EngineCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return "UNKNOWN"
}

var codeNames = map[sqlite3.ErrNo]string{
	sqlite3.ErrError:      "SQLITE_ERROR",
	sqlite3.ErrInternal:   "SQLITE_INTERNAL",
	sqlite3.ErrPerm:       "SQLITE_PERM",
	sqlite3.ErrAbort:      "SQLITE_ABORT",
	sqlite3.ErrBusy:       "SQLITE_BUSY",
	sqlite3.ErrLocked:     "SQLITE_LOCKED",
	sqlite3.ErrNomem:      "SQLITE_NOMEM",
	sqlite3.ErrReadonly:   "SQLITE_READONLY",
	sqlite3.ErrInterrupt:  "SQLITE_INTERRUPT",
	sqlite3.ErrIoErr:      "SQLITE_IOERR",
	sqlite3.ErrCorrupt:    "SQLITE_CORRUPT",
	sqlite3.ErrFull:       "SQLITE_FULL",
	sqlite3.ErrCantOpen:   "SQLITE_CANTOPEN",
	sqlite3.ErrSchema:     "SQLITE_SCHEMA",
	sqlite3.ErrTooBig:     "SQLITE_TOOBIG",
	sqlite3.ErrConstraint: "SQLITE_CONSTRAINT",
	sqlite3.ErrMismatch:   "SQLITE_MISMATCH",
	sqlite3.ErrMisuse:     "SQLITE_MISUSE",
	sqlite3.ErrRange:      "SQLITE_RANGE",
	sqlite3.ErrAuth:        "SQLITE_AUTH",
}

// classify maps a driver error onto the package's error kinds.
func classify(query string, err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return &EngineError{Code: "UNKNOWN", Err: err}
	}
	if se.Code == sqlite3.ErrError {
		return &MalformedQueryError{Query: query, Message: se.Error()}
	}
	name, ok := codeNames[se.Code]
	if !ok {
		name = fmt.Sprintf("SQLITE_%d", int(se.Code))
	}
	return &EngineError{Code: name, Err: err}
}
