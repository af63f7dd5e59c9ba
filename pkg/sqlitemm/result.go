package sqlitemm

import (
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Result is a cursor over the rows of an executing statement. It shares the statement's
// handle, so it is valid only until the statement is reset or finalized.
type Result struct {
	stmt    *Statement
	strict  bool
	field   int    // streaming cursor, reset on every row
	columns int    // captured on the first row
	row     bool   // true while positioned on a row
	rowGen  uint64 // bumped on every step, fields of older rows are stale
}

// Step advances to the next row and returns false when there are no more rows.
// Errors match ErrStep.
func (r *Result) Step() (bool, error) {
	s := r.stmt
	r.row = false
	r.rowGen++
	if !s.h.alive() {
		return false, misuse(opStep, "statement is finalized").withQuery(s.sql)
	}

	switch rc := sqlite3.Xsqlite3_step(s.conn.tls, s.h.p); rc {
	case sqlite3.SQLITE_ROW:
		r.field = 0
		if r.columns == 0 {
			r.columns = int(sqlite3.Xsqlite3_column_count(s.conn.tls, s.h.p))
		}
		r.row = true
		return true, nil
	case sqlite3.SQLITE_DONE:
		return false, nil
	default:
		return false, s.conn.lastError(rc, opStep).withQuery(s.sql)
	}
}

// Strict returns true if reads check storage kinds
func (r *Result) Strict() bool { return r.strict }

// ColumnCount returns the number of columns, known after the first row.
func (r *Result) ColumnCount() int { return r.columns }

// ColumnName returns the name of the column i, empty if there is no such column.
func (r *Result) ColumnName(i int) string {
	s := r.stmt
	if !s.h.alive() || i < 0 {
		return ""
	}
	return libc.GoString(sqlite3.Xsqlite3_column_name(s.conn.tls, s.h.p, int32(i)))
}

// Field returns column i of the current row. It doesn't move the streaming cursor
// and can be called any number of times.
func (r *Result) Field(i int) Field {
	if err := r.check(i); err != nil {
		return Field{index: i, err: err}
	}
	kind := ColumnType(sqlite3.Xsqlite3_column_type(r.stmt.conn.tls, r.stmt.h.p, int32(i)))
	return Field{res: r, index: i, kind: kind, row: r.rowGen}
}

// Scan reads consecutive fields into dst, starting at the streaming cursor, and advances
// the cursor by one per destination, also when a conversion fails.
// A destination of type **T is optional: NULL sets it to nil.
func (r *Result) Scan(dst ...any) error {
	for _, d := range dst {
		f := r.Field(r.field)
		r.field++
		if err := f.Scan(d); err != nil {
			return err
		}
	}
	return nil
}

// ScanText calls fn with the text of the field at the streaming cursor and advances the cursor.
// The slice refers to engine memory and is valid only until fn returns.
func (r *Result) ScanText(fn func(text []byte)) error {
	f := r.Field(r.field)
	r.field++
	if f.err != nil {
		return f.err
	}
	tls, pstmt := r.stmt.conn.tls, r.stmt.h.p
	p := sqlite3.Xsqlite3_column_text(tls, pstmt, int32(f.index))
	fn(rawMem(p, int(sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(f.index)))))
	return nil
}

// ScanBlob calls fn with the blob of the field at the streaming cursor and advances the cursor.
// The slice refers to engine memory and is valid only until fn returns.
func (r *Result) ScanBlob(fn func(blob []byte)) error {
	f := r.Field(r.field)
	r.field++
	if f.err != nil {
		return f.err
	}
	tls, pstmt := r.stmt.conn.tls, r.stmt.h.p
	p := sqlite3.Xsqlite3_column_blob(tls, pstmt, int32(f.index))
	fn(rawMem(p, int(sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(f.index)))))
	return nil
}

func (r *Result) check(i int) error {
	if !r.stmt.h.alive() {
		return misuse(opRead, "statement is finalized").withQuery(r.stmt.sql)
	}
	if !r.row {
		return misuse(opRead, "no current row").withQuery(r.stmt.sql)
	}
	if i < 0 || i >= r.columns {
		return misuse(opRead, "field index %d out of range, %d columns", i, r.columns).withQuery(r.stmt.sql)
	}
	return nil
}
