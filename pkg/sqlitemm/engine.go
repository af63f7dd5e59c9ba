package sqlitemm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// destructorStatic tells the engine the bound buffer outlives the binding and must not be copied
const destructorStatic uintptr = 0

type handleKind int

const (
	stmtHandle handleKind = iota
	blobHandle
	backupHandle
)

func (k handleKind) String() string {
	switch k {
	case stmtHandle:
		return "statement"
	case blobHandle:
		return "blob"
	case backupHandle:
		return "backup"
	}
	return "unknown"
}

// handle is an entry of the connection's registry. A zero p means the engine
// object has been released, either by its owner or by a forced close.
type handle struct {
	kind      handleKind
	p         uintptr
	onRelease func() // called after the engine object is freed
}

func (h *handle) alive() bool { return h != nil && h.p != 0 }

// release frees the engine object once, returning the engine's result code
func (h *handle) release(tls *libc.TLS) int32 {
	if !h.alive() {
		return sqlite3.SQLITE_OK
	}
	p := h.p
	h.p = 0
	var rc int32
	switch h.kind {
	case stmtHandle:
		rc = sqlite3.Xsqlite3_finalize(tls, p)
	case blobHandle:
		rc = sqlite3.Xsqlite3_blob_close(tls, p)
	case backupHandle:
		rc = sqlite3.Xsqlite3_backup_finish(tls, p)
	}
	if h.onRelease != nil {
		h.onRelease()
	}
	return rc
}

func (c *Conn) malloc(n int) (uintptr, error) {
	if p := libc.Xmalloc(c.tls, types.Size_t(n)); p != 0 || n == 0 {
		return p, nil
	}
	return 0, newError(sqlite3.SQLITE_NOMEM, "", fmt.Sprintf("can't allocate %d bytes of memory", n))
}

func (c *Conn) free(p uintptr) {
	if p != 0 {
		libc.Xfree(c.tls, p)
	}
}

// cstring copies s to the C heap, the caller frees it
func (c *Conn) cstring(s string) (uintptr, error) {
	p, err := libc.CString(s)
	if err != nil {
		return 0, newError(sqlite3.SQLITE_NOMEM, "", err.Error())
	}
	return p, nil
}

// cbytes copies b to the C heap, allocating at least one byte so the pointer is never nil
func (c *Conn) cbytes(b []byte) (uintptr, error) {
	p, err := c.malloc(max(len(b), 1))
	if err != nil {
		return 0, err
	}
	if len(b) > 0 {
		copy(rawMem(p, len(b)), b)
	}
	return p, nil
}

// rawMem is a view of engine memory, valid only as long as the engine keeps it
func rawMem(p uintptr, n int) []byte {
	if p == 0 || n <= 0 {
		return nil
	}
	return (*libc.RawMem)(unsafe.Pointer(p))[:n:n]
}

// lastError makes an error from the connection's current error state
func (c *Conn) lastError(rc int32, op string) *Error {
	if c.db == 0 {
		return newError(int(rc), op, libc.GoString(sqlite3.Xsqlite3_errstr(c.tls, rc)))
	}
	msg := libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, c.db))
	if msg == "" {
		msg = libc.GoString(sqlite3.Xsqlite3_errstr(c.tls, rc))
	}
	return newError(int(rc), op, msg)
}

// errstr makes an error from a result code alone, for calls which don't set the connection's error state
func (c *Conn) errstr(rc int32, op string) *Error {
	return newError(int(rc), op, libc.GoString(sqlite3.Xsqlite3_errstr(c.tls, rc)))
}

// interruptOnDone interrupts the connection when ctx is done before the returned stop func is called.
// The caller is expected to defer stop.
func (c *Conn) interruptOnDone(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}

	// mu prevents interrupting a later, unrelated call between the done check and the interrupt
	var mu sync.Mutex
	var done int32
	donech := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			if atomic.CompareAndSwapInt32(&done, 0, 1) {
				c.Interrupt()
			}
			mu.Unlock()
		case <-donech:
		}
	}()

	return func() {
		mu.Lock()
		atomic.StoreInt32(&done, 1)
		mu.Unlock()
		close(donech)
	}
}
