// Package sqlitemm is a resource-safe layer over the embedded SQLite engine.
// It owns engine handles (connections, prepared statements, blobs and backups),
// guarantees none of them outlive the connection they belong to, and maps Go values
// to and from the engine's storage kinds with explicit copy/borrow rules.
//
// Types in this package are not safe for concurrent use, with the single exception
// of Conn.Interrupt, which may be called from any goroutine.
package sqlitemm

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/stringutils"
	"github.com/hashicorp/go-multierror"
	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// OpenFlag controls how a database is opened, combined with bitwise or.
type OpenFlag int

// open flags, mirroring the engine's SQLITE_OPEN_* values
const (
	OpenReadOnly     OpenFlag = sqlite3.SQLITE_OPEN_READONLY
	OpenReadWrite    OpenFlag = sqlite3.SQLITE_OPEN_READWRITE
	OpenCreate       OpenFlag = sqlite3.SQLITE_OPEN_CREATE
	OpenURI          OpenFlag = sqlite3.SQLITE_OPEN_URI
	OpenMemory       OpenFlag = sqlite3.SQLITE_OPEN_MEMORY
	OpenNoMutex      OpenFlag = sqlite3.SQLITE_OPEN_NOMUTEX
	OpenFullMutex    OpenFlag = sqlite3.SQLITE_OPEN_FULLMUTEX
	OpenSharedCache  OpenFlag = sqlite3.SQLITE_OPEN_SHAREDCACHE
	OpenPrivateCache OpenFlag = sqlite3.SQLITE_OPEN_PRIVATECACHE

	// DefaultOpenFlags opens for reading and writing, creating the database if needed
	DefaultOpenFlags = OpenReadWrite | OpenCreate | OpenURI
)

// MemoryTarget is the special target opening a private in-memory database.
const MemoryTarget = ":memory:"

// Conn is a database connection. It owns the engine handle and keeps a registry of
// every statement, blob and backup created from it, so closing the connection
// releases whatever the caller left open.
type Conn struct {
	db      uintptr
	tls     *libc.TLS
	handles []*handle
	target  string

	log         lgr.L
	flags       OpenFlag
	vfs         string
	busyTimeout time.Duration

	mu   sync.Mutex // guards db and itls against Interrupt called from another goroutine
	itls *libc.TLS  // thread-local state used by Interrupt only
}

// Option sets an optional parameter of the connection
type Option func(c *Conn)

// WithLogger sets the logger, lgr.Default() is used if not set.
func WithLogger(l lgr.L) Option {
	return func(c *Conn) { c.log = l }
}

// WithFlags sets the open flags used by Open, DefaultOpenFlags if not set.
func WithFlags(flags OpenFlag) Option {
	return func(c *Conn) { c.flags = flags }
}

// WithVFS sets the name of the VFS module used by Open, the default VFS if empty.
func WithVFS(name string) Option {
	return func(c *Conn) { c.vfs = name }
}

// WithBusyTimeout sets the busy timeout applied right after the connection is opened.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Conn) { c.busyTimeout = d }
}

// New makes a connection which is not open yet.
func New(opts ...Option) *Conn {
	res := &Conn{log: lgr.Default(), flags: DefaultOpenFlags}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// Open makes a connection and opens target with the flags and vfs set by options.
// The target is passed to the engine verbatim, it can be a file name, a file: URI or MemoryTarget.
func Open(target string, opts ...Option) (*Conn, error) {
	res := New(opts...)
	if err := res.Open(target, res.flags, res.vfs); err != nil {
		return nil, err
	}
	return res, nil
}

// Open opens target. It is a misuse to open a connection which is already open.
// On failure nothing is left allocated and the error matches ErrOpen.
func (c *Conn) Open(target string, flags OpenFlag, vfs string) error {
	if c.db != 0 {
		return misuse(opOpen, "connection to %q is already open", c.target)
	}
	if c.log == nil {
		c.log = lgr.Default()
	}
	if c.tls == nil {
		c.tls = libc.NewTLS()
	}

	db, err := c.openV2(target, flags, vfs)
	if err != nil {
		c.tls.Close()
		c.tls = nil
		return err
	}
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	c.target = target

	if rc := sqlite3.Xsqlite3_extended_result_codes(c.tls, c.db, libc.Bool32(true)); rc != sqlite3.SQLITE_OK {
		err := c.lastError(rc, opOpen)
		_ = c.Close()
		return err
	}
	if c.busyTimeout > 0 {
		if err := c.SetBusyTimeout(c.busyTimeout); err != nil {
			_ = c.Close()
			return err
		}
	}
	c.log.Logf("[DEBUG] opened %q, flags %#x", target, int(flags))
	return nil
}

// openV2 opens the engine handle, releasing it if the engine allocated one but failed to open
func (c *Conn) openV2(target string, flags OpenFlag, vfs string) (uintptr, error) {
	var pp, zName, zVfs uintptr
	defer func() {
		c.free(pp)
		c.free(zName)
		c.free(zVfs)
	}()

	var err error
	if pp, err = c.malloc(int(ptrSize)); err != nil {
		return 0, err
	}
	*(*uintptr)(unsafe.Pointer(pp)) = 0
	if zName, err = c.cstring(target); err != nil {
		return 0, err
	}
	if vfs != "" {
		if zVfs, err = c.cstring(vfs); err != nil {
			return 0, err
		}
	}

	rc := sqlite3.Xsqlite3_open_v2(c.tls, zName, pp, int32(flags), zVfs)
	db := *(*uintptr)(unsafe.Pointer(pp))
	if rc == sqlite3.SQLITE_OK {
		return db, nil
	}
	if db == 0 {
		return 0, newError(int(rc), opOpen, fmt.Sprintf("can't allocate connection handle for %q", target))
	}
	msg := libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, db))
	sqlite3.Xsqlite3_close(c.tls, db)
	return 0, newError(int(rc), opOpen, fmt.Sprintf("can't open %q: %s", target, msg))
}

// Close closes the connection. It is safe to call more than once and never fails.
// Statements, blobs and backups still open are released before the engine handle is closed.
func (c *Conn) Close() error {
	if c.db == 0 {
		return nil
	}

	// Interrupt may run on another goroutine, it must never see a freed handle
	c.mu.Lock()
	db := c.db
	c.db = 0
	c.mu.Unlock()

	// the engine doesn't count a backup as keeping its destination busy, so close would
	// succeed and leave the backup with a dangling destination
	for _, h := range c.handles {
		if h.kind == backupHandle && h.alive() {
			c.log.Logf("[WARN] closing %q with unfinished backup, released forcibly", c.target)
			h.release(c.tls)
		}
	}

	if rc := sqlite3.Xsqlite3_close(c.tls, db); rc != sqlite3.SQLITE_OK {
		c.releaseAll()
		if rc = sqlite3.Xsqlite3_close(c.tls, db); rc != sqlite3.SQLITE_OK {
			// objects not known to the registry, the engine frees the handle once they are gone
			c.log.Logf("[WARN] can't close %q, %s, close deferred", c.target, c.errstr(rc, opClose).Msg)
			sqlite3.Xsqlite3_close_v2(c.tls, db)
		}
	}
	c.handles = nil

	c.mu.Lock()
	if c.itls != nil {
		c.itls.Close()
		c.itls = nil
	}
	c.mu.Unlock()

	c.tls.Close()
	c.tls = nil
	c.log.Logf("[DEBUG] closed %q", c.target)
	return nil
}

// releaseAll force-releases every live object in the registry, in any order.
// Failures are logged, not returned.
func (c *Conn) releaseAll() {
	errs := new(multierror.Error)
	count := 0
	for _, h := range c.handles {
		if !h.alive() {
			continue
		}
		count++
		if rc := h.release(c.tls); rc != sqlite3.SQLITE_OK {
			errs = multierror.Append(errs, fmt.Errorf("release %s: %w", h.kind, c.errstr(rc, opClose)))
		}
	}
	c.handles = nil
	c.log.Logf("[WARN] closing %q with %d unreleased objects, released forcibly", c.target, count)
	if err := errs.ErrorOrNil(); err != nil {
		c.log.Logf("[WARN] forced release for %q reported errors: %v", c.target, err)
	}
}

// track adds h to the registry, dropping entries already released
func (c *Conn) track(h *handle) {
	live := c.handles[:0]
	for _, v := range c.handles {
		if v.alive() {
			live = append(live, v)
		}
	}
	clear(c.handles[len(live):])
	c.handles = append(live, h)
}

// IsOpen returns true if the connection is open
func (c *Conn) IsOpen() bool {
	return c.db != 0
}

// Execute runs zero or more semicolon-separated statements, discarding any results.
func (c *Conn) Execute(sql string) error {
	if c.db == 0 {
		return misuse(opExecute, "connection is not open").withQuery(sql)
	}
	zSQL, err := c.cstring(sql)
	if err != nil {
		return err
	}
	defer c.free(zSQL)

	if rc := sqlite3.Xsqlite3_exec(c.tls, c.db, zSQL, 0, 0, 0); rc != sqlite3.SQLITE_OK {
		return c.lastError(rc, opExecute).withQuery(sql)
	}
	return nil
}

// ExecuteContext is Execute interrupting the connection if ctx is done before it completes.
func (c *Conn) ExecuteContext(ctx context.Context, sql string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := c.interruptOnDone(ctx)
	err := c.Execute(sql)
	stop()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return err
}

// Prepare compiles the first statement of sql. The statement is tracked by the connection
// and finalized on Close if the caller didn't finalize it.
func (c *Conn) Prepare(sql string) (*Statement, error) {
	if c.db == 0 {
		return nil, misuse(opPrepare, "connection is not open").withQuery(sql)
	}

	var pp, zSQL uintptr
	defer func() {
		c.free(pp)
		c.free(zSQL)
	}()
	var err error
	if pp, err = c.malloc(int(ptrSize)); err != nil {
		return nil, err
	}
	if zSQL, err = c.cstring(sql); err != nil {
		return nil, err
	}

	if rc := sqlite3.Xsqlite3_prepare_v2(c.tls, c.db, zSQL, -1, pp, 0); rc != sqlite3.SQLITE_OK {
		return nil, c.lastError(rc, opPrepare).withQuery(sql)
	}
	pstmt := *(*uintptr)(unsafe.Pointer(pp))
	if pstmt == 0 { // empty or comment-only text
		return nil, newError(sqlite3.SQLITE_MISUSE, opPrepare, "no statement to prepare").withQuery(sql)
	}

	h := &handle{kind: stmtHandle, p: pstmt}
	c.track(h)
	c.log.Logf("[DEBUG] prepared %q", stringutils.Truncate(sql, maxQueryLen))
	s := &Statement{conn: c, h: h, sql: sql, param: 1}
	h.onRelease = s.dropBorrowed
	return s, nil
}

// Changes returns the number of rows changed by the most recent insert, update or delete.
func (c *Conn) Changes() int {
	if c.db == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_changes(c.tls, c.db))
}

// TotalChanges returns the number of rows changed since the connection was opened.
func (c *Conn) TotalChanges() int {
	if c.db == 0 {
		return 0
	}
	return int(sqlite3.Xsqlite3_total_changes(c.tls, c.db))
}

// LastInsertRowID returns the rowid of the most recent successful insert.
func (c *Conn) LastInsertRowID() int64 {
	if c.db == 0 {
		return 0
	}
	return sqlite3.Xsqlite3_last_insert_rowid(c.tls, c.db)
}

// LastErrorCode returns the extended result code of the most recent failed call.
func (c *Conn) LastErrorCode() int {
	if c.db == 0 {
		return sqlite3.SQLITE_MISUSE
	}
	return int(sqlite3.Xsqlite3_extended_errcode(c.tls, c.db))
}

// LastErrorMessage returns the message of the most recent failed call.
func (c *Conn) LastErrorMessage() string {
	if c.db == 0 {
		return "connection is not open"
	}
	return libc.GoString(sqlite3.Xsqlite3_errmsg(c.tls, c.db))
}

// AutoCommit returns true if the connection is not inside an explicit transaction.
func (c *Conn) AutoCommit() bool {
	if c.db == 0 {
		return true
	}
	return sqlite3.Xsqlite3_get_autocommit(c.tls, c.db) != 0
}

// Interrupt makes any engine call running on this connection abort at its next
// opportunity with an error matching ErrInterrupted. Safe to call from any goroutine.
func (c *Conn) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == 0 {
		return
	}
	if c.itls == nil {
		c.itls = libc.NewTLS()
	}
	sqlite3.Xsqlite3_interrupt(c.itls, c.db)
}

// IsInterrupted returns true while an interrupt is pending on the connection.
func (c *Conn) IsInterrupted() bool {
	if c.db == 0 {
		return false
	}
	return sqlite3.Xsqlite3_is_interrupted(c.tls, c.db) != 0
}

// SetBusyTimeout sets how long the engine retries on lock contention before reporting ErrBusy.
// Zero or negative turns retries off.
func (c *Conn) SetBusyTimeout(d time.Duration) error {
	c.busyTimeout = d
	if c.db == 0 {
		return nil
	}
	if rc := sqlite3.Xsqlite3_busy_timeout(c.tls, c.db, int32(max(d.Milliseconds(), 0))); rc != sqlite3.SQLITE_OK {
		return c.lastError(rc, opExecute)
	}
	return nil
}
