package sqlitemm

import (
	"context"
	"fmt"

	sqlite3 "modernc.org/sqlite/lib"
)

// Statement is a prepared statement. It is finalized by Finalize, Close, or by closing
// the connection it was prepared on, whichever comes first.
type Statement struct {
	conn  *Conn
	h     *handle
	sql   string
	param int // positional cursor, 1-based

	borrowed map[int]boundValue // values bound without copying, by parameter index
}

// SQL returns the text the statement was prepared from
func (s *Statement) SQL() string { return s.sql }

// Execute steps the statement once, for statements not returning rows.
// A statement which does return a row is not an error.
func (s *Statement) Execute() error {
	if !s.h.alive() {
		return misuse(opExecute, "statement is finalized").withQuery(s.sql)
	}
	switch rc := sqlite3.Xsqlite3_step(s.conn.tls, s.h.p); rc {
	case sqlite3.SQLITE_DONE, sqlite3.SQLITE_ROW:
		return nil
	default:
		return s.conn.lastError(rc, opExecute).withQuery(s.sql)
	}
}

// ExecuteContext is Execute interrupting the connection if ctx is done before it completes.
func (s *Statement) ExecuteContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := s.conn.interruptOnDone(ctx)
	err := s.Execute()
	stop()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return err
}

// ExecuteQuery returns the result of the statement, using the engine's type coercions on read.
func (s *Statement) ExecuteQuery() *Result {
	return &Result{stmt: s}
}

// ExecuteQueryStrict returns the result of the statement, reads fail with ErrType
// if the storage kind of a field doesn't match the requested type.
func (s *Statement) ExecuteQueryStrict() *Result {
	return &Result{stmt: s, strict: true}
}

// Reset makes the statement ready to run again and moves the positional cursor back to 1.
// With clearBindings all parameters are set to NULL. The error, if any, is the one
// reported by the last step of the statement.
func (s *Statement) Reset(clearBindings bool) error {
	if !s.h.alive() {
		return misuse(opReset, "statement is finalized").withQuery(s.sql)
	}
	s.param = 1
	rc := sqlite3.Xsqlite3_reset(s.conn.tls, s.h.p)
	if clearBindings {
		if err := s.ClearBindings(); err != nil {
			return err
		}
	}
	if rc != sqlite3.SQLITE_OK {
		return s.conn.lastError(rc, opReset).withQuery(s.sql)
	}
	return nil
}

// ClearBindings sets all parameters to NULL. The positional cursor is not changed.
func (s *Statement) ClearBindings() error {
	if !s.h.alive() {
		return misuse(opBind, "statement is finalized").withQuery(s.sql)
	}
	if rc := sqlite3.Xsqlite3_clear_bindings(s.conn.tls, s.h.p); rc != sqlite3.SQLITE_OK {
		return s.conn.lastError(rc, opBind).withQuery(s.sql)
	}
	s.dropBorrowed()
	return nil
}

// Finalize releases the statement and returns false if the engine reported an error doing it.
// Safe to call more than once, and after the connection was closed.
func (s *Statement) Finalize() bool {
	return s.Close() == nil
}

// Close releases the statement. Safe to call more than once.
func (s *Statement) Close() error {
	if !s.h.alive() {
		return nil
	}
	rc := s.h.release(s.conn.tls) // drops borrowed values too
	if rc != sqlite3.SQLITE_OK {
		return s.conn.lastError(rc, opFinalize).withQuery(s.sql)
	}
	return nil
}

// IsFinalized returns true if the statement was released
func (s *Statement) IsFinalized() bool {
	return !s.h.alive()
}
