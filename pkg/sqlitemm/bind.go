package sqlitemm

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// StaticText is text bound without copying. The statement keeps it referenced until
// the parameter is rebound, the bindings are cleared or the statement is finalized.
type StaticText string

// StaticBlob is a blob bound without copying. The caller must not modify the slice until
// the parameter is rebound, the bindings are cleared or the statement is finalized.
type StaticBlob []byte

// ZeroBlob binds a zero-filled blob of the given size in bytes, nothing is allocated by the caller.
type ZeroBlob int

// TextValue is text handed over to the engine without copying. Release is called once,
// when the engine no longer needs Data.
type TextValue struct {
	Data    []byte
	Release func()
}

// BlobValue is a blob handed over to the engine without copying. Release is called once,
// when the engine no longer needs Data.
type BlobValue struct {
	Data    []byte
	Release func()
}

// Parameter is a named parameter of a statement, resolved to its index.
type Parameter struct {
	stmt  *Statement
	index int
	name  string
}

// Set binds v to the parameter. Positional cursor of the statement is not affected.
func (p Parameter) Set(v any) error {
	if p.stmt == nil {
		return misuse(opBind, "parameter is not resolved")
	}
	return p.stmt.bindAt(p.index, v)
}

// Index returns the 1-based index of the parameter
func (p Parameter) Index() int { return p.index }

// Name returns the parameter name, including its prefix character
func (p Parameter) Name() string { return p.name }

// Bind binds values to consecutive parameters, starting at the positional cursor.
// The cursor starts at 1, advances by one for every value bound and goes back to 1 on Reset.
//
// Supported values are nil, bool, all integer and float types, string and []byte (copied),
// StaticText and StaticBlob (borrowed), TextValue and BlobValue (released by the engine),
// ZeroBlob, driver.Valuer, and pointers to any of these, with nil pointers bound as NULL.
func (s *Statement) Bind(values ...any) error {
	for _, v := range values {
		if err := s.bindAt(s.param, v); err != nil {
			return err
		}
		s.param++
	}
	return nil
}

// Param resolves a named parameter, like ":id", "@id" or "$id".
// Unknown names fail with an error matching ErrParameterName.
func (s *Statement) Param(name string) (Parameter, error) {
	if !s.h.alive() {
		return Parameter{}, misuse(opBind, "statement is finalized").withQuery(s.sql)
	}
	zName, err := s.conn.cstring(name)
	if err != nil {
		return Parameter{}, err
	}
	defer s.conn.free(zName)

	idx := sqlite3.Xsqlite3_bind_parameter_index(s.conn.tls, s.h.p, zName)
	if idx == 0 {
		return Parameter{}, newError(sqlite3.SQLITE_RANGE, opParam,
			fmt.Sprintf("invalid bind parameter name %q", name)).withQuery(s.sql)
	}
	return Parameter{stmt: s, index: int(idx), name: name}, nil
}

// SetParam binds v to the named parameter.
func (s *Statement) SetParam(name string, v any) error {
	p, err := s.Param(name)
	if err != nil {
		return err
	}
	return p.Set(v)
}

// ParamCount returns the largest parameter index of the statement
func (s *Statement) ParamCount() int {
	if !s.h.alive() {
		return 0
	}
	return int(sqlite3.Xsqlite3_bind_parameter_count(s.conn.tls, s.h.p))
}

// bindAt binds v to the parameter at 1-based index i
func (s *Statement) bindAt(i int, v any) error {
	if !s.h.alive() {
		return misuse(opBind, "statement is finalized").withQuery(s.sql)
	}

	prev, hadPrev := s.borrowed[i]
	delete(s.borrowed, i)
	rc, err := s.bindValue(i, v)
	if hadPrev {
		if err == nil && unbinds(rc) {
			prev.drop() // the engine no longer reads it
		} else {
			s.borrow(i, prev)
		}
	}

	if err != nil {
		return err
	}
	if rc != sqlite3.SQLITE_OK {
		return s.conn.lastError(rc, opBind).withQuery(s.sql)
	}
	return nil
}

// unbinds reports whether a bind call with result rc dropped the value bound to the slot before.
// The engine rejects a running statement or a bad index before touching the slot.
func unbinds(rc int32) bool {
	switch rc & 0xff {
	case sqlite3.SQLITE_MISUSE, sqlite3.SQLITE_RANGE:
		return false
	}
	return true
}

// bindValue makes the engine call binding v at index i
func (s *Statement) bindValue(i int, v any) (int32, error) {
	tls, pstmt, idx := s.conn.tls, s.h.p, int32(i)

	var rc int32
	var err error
	switch x := v.(type) {
	case nil:
		rc = sqlite3.Xsqlite3_bind_null(tls, pstmt, idx)
	case bool:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, libc.Bool32(x))
	case int8:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, int32(x))
	case int16:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, int32(x))
	case int32:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, x)
	case uint8:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, int32(x))
	case uint16:
		rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, int32(x))
	case int:
		if strconv.IntSize == 32 {
			rc = sqlite3.Xsqlite3_bind_int(tls, pstmt, idx, int32(x))
		} else {
			rc = sqlite3.Xsqlite3_bind_int64(tls, pstmt, idx, int64(x))
		}
	case int64:
		rc = sqlite3.Xsqlite3_bind_int64(tls, pstmt, idx, x)
	case uint:
		rc = sqlite3.Xsqlite3_bind_int64(tls, pstmt, idx, int64(x))
	case uint32:
		rc = sqlite3.Xsqlite3_bind_int64(tls, pstmt, idx, int64(x))
	case uint64:
		rc = sqlite3.Xsqlite3_bind_int64(tls, pstmt, idx, int64(x)) // wraps above math.MaxInt64
	case float32:
		rc = sqlite3.Xsqlite3_bind_double(tls, pstmt, idx, float64(x))
	case float64:
		rc = sqlite3.Xsqlite3_bind_double(tls, pstmt, idx, x)
	case string:
		rc, err = s.bindCopy(idx, x, nil)
	case []byte:
		if x == nil {
			rc = sqlite3.Xsqlite3_bind_null(tls, pstmt, idx)
			break
		}
		rc, err = s.bindCopy(idx, "", x)
	case StaticText:
		rc, err = s.bindStatic(i, unsafe.StringData(string(x)), len(x), true, x)
	case StaticBlob:
		if x == nil {
			rc = sqlite3.Xsqlite3_bind_null(tls, pstmt, idx)
			break
		}
		rc, err = s.bindStatic(i, unsafe.SliceData(x), len(x), false, x)
	case TextValue:
		rc, err = s.bindReleased(i, x.Data, x.Release, true)
	case BlobValue:
		rc, err = s.bindReleased(i, x.Data, x.Release, false)
	case ZeroBlob:
		if x < 0 || int64(x) > math.MaxInt32 {
			return 0, newError(sqlite3.SQLITE_TOOBIG, opBind, fmt.Sprintf("invalid zero blob size %d", x)).withQuery(s.sql)
		}
		rc = sqlite3.Xsqlite3_bind_zeroblob(tls, pstmt, idx, int32(x))
	case driver.Valuer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			rc = sqlite3.Xsqlite3_bind_null(tls, pstmt, idx)
			break
		}
		val, e := x.Value()
		if e != nil {
			return 0, fmt.Errorf("can't get value of parameter %d: %w", i, e)
		}
		return s.bindValue(i, val)
	default:
		return s.bindReflect(i, v)
	}
	return rc, err
}

// bindReflect binds pointers, as optional values, and named types by their underlying kind
func (s *Statement) bindReflect(i int, v any) (int32, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return s.bindValue(i, nil)
		}
		return s.bindValue(i, rv.Elem().Interface())
	case reflect.Bool:
		return s.bindValue(i, rv.Bool())
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return s.bindValue(i, int32(rv.Int()))
	case reflect.Int:
		return s.bindValue(i, int(rv.Int()))
	case reflect.Int64:
		return s.bindValue(i, rv.Int())
	case reflect.Uint8, reflect.Uint16:
		return s.bindValue(i, int32(rv.Uint()))
	case reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return s.bindValue(i, rv.Uint())
	case reflect.Float32, reflect.Float64:
		return s.bindValue(i, rv.Float())
	case reflect.String:
		return s.bindValue(i, rv.String())
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return s.bindValue(i, nil)
			}
			return s.bindValue(i, rv.Bytes())
		}
	}
	return 0, misuse(opBind, "unsupported type %T for parameter %d", v, i).withQuery(s.sql)
}

func (s *Statement) tooBig(n int) error {
	return newError(sqlite3.SQLITE_TOOBIG, opBind, fmt.Sprintf("value of %d bytes is too big", n)).withQuery(s.sql)
}

// bindCopy binds text (if b is nil) or blob, letting the engine make its own copy
func (s *Statement) bindCopy(idx int32, text string, b []byte) (int32, error) {
	tls, pstmt := s.conn.tls, s.h.p
	if b == nil {
		if len(text) > math.MaxInt32 {
			return 0, s.tooBig(len(text))
		}
		p, err := s.conn.cstring(text)
		if err != nil {
			return 0, err
		}
		defer s.conn.free(p)
		return sqlite3.Xsqlite3_bind_text(tls, pstmt, idx, p, int32(len(text)), sqlite3.SQLITE_TRANSIENT), nil
	}

	if len(b) > math.MaxInt32 {
		return 0, s.tooBig(len(b))
	}
	p, err := s.conn.cbytes(b)
	if err != nil {
		return 0, err
	}
	defer s.conn.free(p)
	return sqlite3.Xsqlite3_bind_blob(tls, pstmt, idx, p, int32(len(b)), sqlite3.SQLITE_TRANSIENT), nil
}

// bindStatic binds n bytes at data without copying, keeping ref reachable while the engine may read it
func (s *Statement) bindStatic(i int, data *byte, n int, text bool, ref any) (int32, error) {
	if n == 0 || data == nil {
		if text {
			return s.bindCopy(int32(i), "", nil)
		}
		return s.bindCopy(int32(i), "", []byte{})
	}
	if n > math.MaxInt32 {
		return 0, s.tooBig(n)
	}

	p := uintptr(unsafe.Pointer(data))
	var rc int32
	if text {
		rc = sqlite3.Xsqlite3_bind_text(s.conn.tls, s.h.p, int32(i), p, int32(n), destructorStatic)
	} else {
		rc = sqlite3.Xsqlite3_bind_blob(s.conn.tls, s.h.p, int32(i), p, int32(n), destructorStatic)
	}
	if rc == sqlite3.SQLITE_OK {
		s.borrow(i, boundValue{ref: ref})
	}
	return rc, nil
}

// bindReleased binds data without copying and calls release once the engine drops the value.
// The engine gets no destructor, it reports the buffer address only and the same buffer
// may be bound to several parameters, so drops are tracked per parameter.
func (s *Statement) bindReleased(i int, data []byte, release func(), text bool) (int32, error) {
	if len(data) == 0 {
		defer boundValue{release: release}.drop()
		if text {
			return s.bindCopy(int32(i), "", nil)
		}
		return s.bindCopy(int32(i), "", []byte{})
	}
	if len(data) > math.MaxInt32 {
		boundValue{release: release}.drop()
		return 0, s.tooBig(len(data))
	}

	p := uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	var rc int32
	if text {
		rc = sqlite3.Xsqlite3_bind_text(s.conn.tls, s.h.p, int32(i), p, int32(len(data)), destructorStatic)
	} else {
		rc = sqlite3.Xsqlite3_bind_blob(s.conn.tls, s.h.p, int32(i), p, int32(len(data)), destructorStatic)
	}
	if rc != sqlite3.SQLITE_OK {
		boundValue{release: release}.drop()
		return rc, nil
	}
	s.borrow(i, boundValue{ref: data, release: release})
	return rc, nil
}

// boundValue is a value the engine reads in place, without a copy of its own
type boundValue struct {
	ref     any    // keeps the memory reachable
	release func() // TextValue and BlobValue only
}

func (b boundValue) drop() {
	if b.release != nil {
		b.release()
	}
}

func (s *Statement) borrow(i int, b boundValue) {
	if s.borrowed == nil {
		s.borrowed = make(map[int]boundValue)
	}
	s.borrowed[i] = b
}

// dropBorrowed forgets all values bound without copying, called once the engine dropped every binding
func (s *Statement) dropBorrowed() {
	borrowed := s.borrowed
	s.borrowed = nil
	for _, b := range borrowed {
		b.drop()
	}
}
