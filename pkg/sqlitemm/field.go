package sqlitemm

import (
	"database/sql"
	"reflect"

	sqlite3 "modernc.org/sqlite/lib"
)

// ColumnType is the storage kind of a value.
type ColumnType int

// storage kinds
const (
	IntegerType ColumnType = sqlite3.SQLITE_INTEGER
	FloatType   ColumnType = sqlite3.SQLITE_FLOAT
	TextType    ColumnType = sqlite3.SQLITE_TEXT
	BlobType    ColumnType = sqlite3.SQLITE_BLOB
	NullType    ColumnType = sqlite3.SQLITE_NULL
)

func (t ColumnType) String() string {
	switch t {
	case IntegerType:
		return "INTEGER"
	case FloatType:
		return "FLOAT"
	case TextType:
		return "TEXT"
	case BlobType:
		return "BLOB"
	case NullType:
		return "NULL"
	}
	return "UNKNOWN"
}

// Field is a column of the current row of a Result. The storage kind is captured when
// the field is made and values are converted on every read, nothing is cached.
// Reading a field after its Result moved to another row fails with ErrMisuse.
type Field struct {
	res   *Result
	index int
	kind  ColumnType
	row   uint64 // row generation of res the field was made on
	err   error
}

// Index returns the 0-based column index
func (f Field) Index() int { return f.index }

// Type returns the storage kind of the value
func (f Field) Type() ColumnType { return f.kind }

// IsNull returns true if the value is NULL
func (f Field) IsNull() bool { return f.err == nil && f.kind == NullType }

// Err returns the error making the field unreadable, like an index out of range
func (f Field) Err() error { return f.err }

// Int64 reads the value as int64
func (f Field) Int64() (int64, error) { return As[int64](f) }

// Int reads the value as int
func (f Field) Int() (int, error) { return As[int](f) }

// Float64 reads the value as float64
func (f Field) Float64() (float64, error) { return As[float64](f) }

// Text reads the value as string
func (f Field) Text() (string, error) { return As[string](f) }

// Bytes reads the value as a copy of its bytes
func (f Field) Bytes() ([]byte, error) { return As[[]byte](f) }

// Bool reads the value as bool, any non-zero integer is true
func (f Field) Bool() (bool, error) { return As[bool](f) }

// As reads the field as T. See Field.Scan for supported types.
func As[T any](f Field) (T, error) {
	var res T
	err := f.Scan(&res)
	return res, err
}

// Optional reads the field as T, returning nil for NULL.
func Optional[T any](f Field) (*T, error) {
	var res *T
	err := f.Scan(&res)
	return res, err
}

// Scan reads the value into dst, which is a pointer to bool, any integer or float type, string,
// []byte, any named type of those, or a sql.Scanner. A **T destination is optional, set to nil
// for NULL. *any gets int64, float64, string, []byte or nil, depending on the storage kind.
//
// Integers narrower than 32 bits are truncated, like a C cast. In strict mode reading
// a kind different from the destination fails with ErrType, and NULL into a non-optional
// destination with ErrNullType.
func (f Field) Scan(dst any) error {
	if f.err != nil {
		return f.err
	}
	if f.row != f.res.rowGen {
		return misuse(opRead, "field %d was made on a previous row", f.index).withQuery(f.res.stmt.sql)
	}

	// common destinations first, reflection handles the rest
	switch d := dst.(type) {
	case *int64:
		if err := f.expect(IntegerType); err != nil {
			return err
		}
		*d = f.int64()
		return nil
	case *int:
		if err := f.expect(IntegerType); err != nil {
			return err
		}
		*d = int(f.int64())
		return nil
	case *float64:
		if err := f.expect(FloatType); err != nil {
			return err
		}
		*d = f.double()
		return nil
	case *string:
		if err := f.expect(TextType); err != nil {
			return err
		}
		*d = f.text()
		return nil
	case *[]byte:
		if err := f.expect(BlobType); err != nil {
			return err
		}
		*d = f.blob()
		return nil
	case *any:
		*d = f.natural()
		return nil
	case sql.Scanner:
		return d.Scan(f.natural())
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return misuse(opRead, "destination must be a non-nil pointer, got %T", dst)
	}
	el := rv.Elem()

	if el.Kind() == reflect.Pointer { // optional
		if f.kind == NullType {
			el.SetZero()
			return nil
		}
		v := reflect.New(el.Type().Elem())
		if err := f.Scan(v.Interface()); err != nil {
			return err
		}
		el.Set(v)
		return nil
	}

	expected, ok := kindOf(el.Type())
	if !ok {
		return misuse(opRead, "unsupported destination type %T", dst)
	}
	if err := f.expect(expected); err != nil {
		return err
	}
	switch el.Kind() {
	case reflect.Bool:
		el.SetBool(f.int64() != 0)
	case reflect.Int8, reflect.Int16, reflect.Int32:
		el.SetInt(int64(f.int32()))
	case reflect.Int, reflect.Int64:
		el.SetInt(f.int64())
	case reflect.Uint8, reflect.Uint16:
		el.SetUint(uint64(uint32(f.int32())))
	case reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		el.SetUint(uint64(f.int64()))
	case reflect.Float32, reflect.Float64:
		el.SetFloat(f.double())
	case reflect.String:
		el.SetString(f.text())
	case reflect.Slice:
		el.SetBytes(f.blob())
	}
	return nil
}

// kindOf returns the storage kind matching a destination type
func kindOf(t reflect.Type) (ColumnType, bool) {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return IntegerType, true
	case reflect.Float32, reflect.Float64:
		return FloatType, true
	case reflect.String:
		return TextType, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return BlobType, true
		}
	}
	return 0, false
}

// expect checks the storage kind in strict mode
func (f Field) expect(kind ColumnType) error {
	if !f.res.strict || f.kind == kind {
		return nil
	}
	return typeError(kind, f.kind)
}

// natural returns the value as the Go type closest to its storage kind
func (f Field) natural() any {
	switch f.kind {
	case IntegerType:
		return f.int64()
	case FloatType:
		return f.double()
	case TextType:
		return f.text()
	case BlobType:
		return f.blob()
	}
	return nil
}

func (f Field) int32() int32 {
	return sqlite3.Xsqlite3_column_int(f.res.stmt.conn.tls, f.res.stmt.h.p, int32(f.index))
}

func (f Field) int64() int64 {
	return sqlite3.Xsqlite3_column_int64(f.res.stmt.conn.tls, f.res.stmt.h.p, int32(f.index))
}

func (f Field) double() float64 {
	return sqlite3.Xsqlite3_column_double(f.res.stmt.conn.tls, f.res.stmt.h.p, int32(f.index))
}

func (f Field) text() string {
	tls, pstmt := f.res.stmt.conn.tls, f.res.stmt.h.p
	p := sqlite3.Xsqlite3_column_text(tls, pstmt, int32(f.index))
	n := int(sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(f.index)))
	if p == 0 || n == 0 {
		return ""
	}
	return string(rawMem(p, n))
}

func (f Field) blob() []byte {
	tls, pstmt := f.res.stmt.conn.tls, f.res.stmt.h.p
	p := sqlite3.Xsqlite3_column_blob(tls, pstmt, int32(f.index))
	n := int(sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(f.index)))
	if p == 0 || n == 0 {
		if f.kind == NullType {
			return nil
		}
		return []byte{}
	}
	res := make([]byte, n)
	copy(res, rawMem(p, n))
	return res
}
