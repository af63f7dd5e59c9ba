package sqlitemm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-pkgz/stringutils"
	sqlite3 "modernc.org/sqlite/lib"
)

// maxQueryLen limits how much of the SQL text is kept in errors and log lines
const maxQueryLen = 120

// Error classes, matched with errors.Is against any error returned by this package.
// ErrBusyOrLocked matches both ErrBusy and ErrLocked, ErrType matches ErrNullType.
var (
	ErrBusyOrLocked = errors.New("database busy or locked")
	ErrBusy         = errors.New("database busy")
	ErrLocked       = errors.New("database table locked")
	ErrConstraint   = errors.New("constraint violation")
	ErrType         = errors.New("result field type mismatch")
	ErrNullType     = errors.New("result field is null")
	ErrInterrupted  = errors.New("operation interrupted")
	ErrMisuse       = errors.New("library misuse")
)

// Operation errors, matched with errors.Is by the operation that failed.
var (
	ErrOpen          = errors.New("open failed")
	ErrPrepare       = errors.New("prepare failed")
	ErrStep          = errors.New("step failed")
	ErrParameterName = errors.New("invalid bind parameter name")
	ErrBackup        = errors.New("backup failed")
)

// operation names used in Error.Op
const (
	opOpen        = "open"
	opClose       = "close"
	opPrepare     = "prepare"
	opExecute     = "execute"
	opStep        = "step"
	opBind        = "bind"
	opParam       = "parameter"
	opReset       = "reset"
	opFinalize    = "finalize"
	opRead        = "read"
	opBackup      = "backup"
	opBlob        = "blob"
	opTransaction = "transaction"
)

type errClass int

const (
	classGeneric errClass = iota
	classBusy
	classLocked
	classConstraint
	classType
	classNullType
)

// Error is a failure reported by the engine or detected by this package.
// Code is the extended result code, Op names the failed operation.
type Error struct {
	Code  int
	Op    string
	Msg   string
	Query string

	class errClass
}

// newError maps a result code to the most specific error class, using the primary (low byte) code.
func newError(code int, op, msg string) *Error {
	res := &Error{Code: code, Op: op, Msg: msg}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY:
		res.class = classBusy
	case sqlite3.SQLITE_LOCKED:
		res.class = classLocked
	case sqlite3.SQLITE_CONSTRAINT:
		res.class = classConstraint
	}
	return res
}

// misuse makes an error for a precondition violated by the caller
func misuse(op, format string, args ...any) *Error {
	return newError(sqlite3.SQLITE_MISUSE, op, fmt.Sprintf(format, args...))
}

// typeError makes a strict typing violation error
func typeError(expected, actual ColumnType) *Error {
	if actual == NullType {
		return &Error{Code: sqlite3.SQLITE_MISMATCH, Op: opRead, class: classNullType,
			Msg: fmt.Sprintf("expected result field to be of %s type but the value was NULL", expected)}
	}
	return &Error{Code: sqlite3.SQLITE_MISMATCH, Op: opRead, class: classType,
		Msg: fmt.Sprintf("expected result field to be of %s type but the value was of %s type", expected, actual)}
}

// withQuery attaches sql text to the error, truncated
func (e *Error) withQuery(query string) *Error {
	e.Query = stringutils.Truncate(strings.TrimSpace(query), maxQueryLen)
	return e
}

// Primary returns the primary result code, the low byte of the extended code.
func (e *Error) Primary() int {
	return e.Code & 0xff
}

// Error formats as "op: message (code)", with the query appended if known.
func (e *Error) Error() string {
	b := strings.Builder{}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	fmt.Fprintf(&b, " (%d)", e.Code)
	if e.Query != "" {
		fmt.Fprintf(&b, " for %q", e.Query)
	}
	return b.String()
}

// Is reports whether the error belongs to the class or operation represented by target.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBusyOrLocked:
		return e.class == classBusy || e.class == classLocked
	case ErrBusy:
		return e.class == classBusy
	case ErrLocked:
		return e.class == classLocked
	case ErrConstraint:
		return e.class == classConstraint
	case ErrType:
		return e.class == classType || e.class == classNullType
	case ErrNullType:
		return e.class == classNullType
	case ErrInterrupted:
		return e.Primary() == sqlite3.SQLITE_INTERRUPT
	case ErrMisuse:
		return e.Primary() == sqlite3.SQLITE_MISUSE
	case ErrOpen:
		return e.Op == opOpen
	case ErrPrepare:
		return e.Op == opPrepare
	case ErrStep:
		return e.Op == opStep
	case ErrParameterName:
		return e.Op == opParam
	case ErrBackup:
		return e.Op == opBackup
	}
	return false
}
