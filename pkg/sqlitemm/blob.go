package sqlitemm

import (
	"fmt"
	"io"
	"unsafe"

	sqlite3 "modernc.org/sqlite/lib"
)

// BlobMode is the access mode of an opened blob
type BlobMode int

// blob access modes
const (
	BlobReadOnly  BlobMode = 0
	BlobReadWrite BlobMode = 1
)

// Blob gives incremental access to a single blob value, addressed by database, table,
// column and row. Its size is fixed: writes can't grow it, use ZeroBlob to reserve space.
// Blob implements io.ReaderAt, io.WriterAt, io.ReadWriteSeeker and io.Closer.
type Blob struct {
	conn   *Conn
	h      *handle
	size   int64
	offset int64
}

// OpenBlob opens the blob stored in column of the row with rowid row.
// db is "main", "temp" or the name of an attached database.
func (c *Conn) OpenBlob(db, table, column string, row int64, mode BlobMode) (*Blob, error) {
	if c.db == 0 {
		return nil, misuse(opBlob, "connection is not open")
	}

	var pp, zDb, zTable, zColumn uintptr
	defer func() {
		c.free(pp)
		c.free(zDb)
		c.free(zTable)
		c.free(zColumn)
	}()
	var err error
	if pp, err = c.malloc(int(ptrSize)); err != nil {
		return nil, err
	}
	*(*uintptr)(unsafe.Pointer(pp)) = 0
	if zDb, err = c.cstring(db); err != nil {
		return nil, err
	}
	if zTable, err = c.cstring(table); err != nil {
		return nil, err
	}
	if zColumn, err = c.cstring(column); err != nil {
		return nil, err
	}

	rc := sqlite3.Xsqlite3_blob_open(c.tls, c.db, zDb, zTable, zColumn, row, int32(mode), pp)
	p := *(*uintptr)(unsafe.Pointer(pp))
	if rc != sqlite3.SQLITE_OK {
		err := c.lastError(rc, opBlob)
		if p != 0 {
			sqlite3.Xsqlite3_blob_close(c.tls, p)
		}
		return nil, err
	}

	h := &handle{kind: blobHandle, p: p}
	c.track(h)
	return &Blob{conn: c, h: h, size: int64(sqlite3.Xsqlite3_blob_bytes(c.tls, p))}, nil
}

// Size returns the size of the blob in bytes
func (b *Blob) Size() int64 { return b.size }

// ReadAt reads len(p) bytes from offset off. A read running past the end of the blob
// returns the bytes available and io.EOF.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	if !b.h.alive() {
		return 0, misuse(opBlob, "blob is closed")
	}
	if off < 0 {
		return 0, misuse(opBlob, "negative offset %d", off)
	}
	if off >= b.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n, eof := len(p), false
	if rem := b.size - off; int64(n) > rem {
		n, eof = int(rem), true
	}
	if n == 0 {
		return 0, nil
	}

	buf, err := b.conn.malloc(n)
	if err != nil {
		return 0, err
	}
	defer b.conn.free(buf)
	if rc := sqlite3.Xsqlite3_blob_read(b.conn.tls, b.h.p, buf, int32(n), int32(off)); rc != sqlite3.SQLITE_OK {
		return 0, b.conn.lastError(rc, opBlob)
	}
	copy(p, rawMem(buf, n))
	if eof {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at offset off. Writing past the end of the blob fails without writing anything.
func (b *Blob) WriteAt(p []byte, off int64) (int, error) {
	if !b.h.alive() {
		return 0, misuse(opBlob, "blob is closed")
	}
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, newError(sqlite3.SQLITE_ERROR, opBlob,
			fmt.Sprintf("write of %d bytes at offset %d is out of blob bounds, size %d", len(p), off, b.size))
	}
	if len(p) == 0 {
		return 0, nil
	}

	buf, err := b.conn.cbytes(p)
	if err != nil {
		return 0, err
	}
	defer b.conn.free(buf)
	if rc := sqlite3.Xsqlite3_blob_write(b.conn.tls, b.h.p, buf, int32(len(p)), int32(off)); rc != sqlite3.SQLITE_OK {
		return 0, b.conn.lastError(rc, opBlob)
	}
	return len(p), nil
}

// Read reads from the current offset and advances it.
func (b *Blob) Read(p []byte) (int, error) {
	n, err := b.ReadAt(p, b.offset)
	b.offset += int64(n)
	return n, err
}

// Write writes at the current offset and advances it.
func (b *Blob) Write(p []byte) (int, error) {
	n, err := b.WriteAt(p, b.offset)
	b.offset += int64(n)
	return n, err
}

// Seek sets the offset for the next Read or Write.
func (b *Blob) Seek(offset int64, whence int) (int64, error) {
	if !b.h.alive() {
		return 0, misuse(opBlob, "blob is closed")
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += b.offset
	case io.SeekEnd:
		offset += b.size
	default:
		return 0, misuse(opBlob, "invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, misuse(opBlob, "negative offset %d", offset)
	}
	b.offset = offset
	return offset, nil
}

// Reopen moves the blob to another row of the same table and column, reusing the handle.
// The offset goes back to 0. If it fails the blob can only be closed.
func (b *Blob) Reopen(row int64) error {
	if !b.h.alive() {
		return misuse(opBlob, "blob is closed")
	}
	if rc := sqlite3.Xsqlite3_blob_reopen(b.conn.tls, b.h.p, row); rc != sqlite3.SQLITE_OK {
		return b.conn.lastError(rc, opBlob)
	}
	b.size = int64(sqlite3.Xsqlite3_blob_bytes(b.conn.tls, b.h.p))
	b.offset = 0
	return nil
}

// Close releases the blob. Safe to call more than once.
func (b *Blob) Close() error {
	if !b.h.alive() {
		return nil
	}
	if rc := b.h.release(b.conn.tls); rc != sqlite3.SQLITE_OK {
		return b.conn.lastError(rc, opBlob)
	}
	return nil
}
