package sqlitemm

import (
	"context"
	"time"

	sqlite3 "modernc.org/sqlite/lib"
)

// Backup copies a database from one connection to another, a number of pages per step.
// Both connections track it, closing either of them releases the backup.
type Backup struct {
	src, dst  *Conn
	h         *handle
	pageCount int
	remaining int
}

// Backup starts copying the srcSchema database of this connection to the dstSchema database of dst.
// Schema names are "main", "temp" or the name of an attached database.
// Errors match ErrBackup.
func (c *Conn) Backup(srcSchema string, dst *Conn, dstSchema string) (*Backup, error) {
	if c.db == 0 || dst == nil || dst.db == 0 {
		return nil, misuse(opBackup, "source and destination connections must be open")
	}

	var zSrc, zDst uintptr
	defer func() {
		c.free(zSrc)
		c.free(zDst)
	}()
	var err error
	if zSrc, err = c.cstring(srcSchema); err != nil {
		return nil, err
	}
	if zDst, err = c.cstring(dstSchema); err != nil {
		return nil, err
	}

	p := sqlite3.Xsqlite3_backup_init(c.tls, dst.db, zDst, c.db, zSrc)
	if p == 0 {
		// init failure is reported on the destination connection
		return nil, dst.lastError(sqlite3.Xsqlite3_extended_errcode(dst.tls, dst.db), opBackup)
	}

	h := &handle{kind: backupHandle, p: p}
	c.track(h)
	dst.track(h)
	c.log.Logf("[DEBUG] backup of %q:%s to %q:%s started", c.target, srcSchema, dst.target, dstSchema)
	return &Backup{src: c, dst: dst, h: h}, nil
}

// Step copies up to n pages, all remaining pages if n is negative. It returns true while
// there are pages left to copy and false once the backup is complete.
func (b *Backup) Step(n int) (bool, error) {
	if !b.h.alive() {
		return false, misuse(opBackup, "backup is closed")
	}
	tls := b.src.tls
	rc := sqlite3.Xsqlite3_backup_step(tls, b.h.p, int32(n))
	b.remaining = int(sqlite3.Xsqlite3_backup_remaining(tls, b.h.p))
	b.pageCount = int(sqlite3.Xsqlite3_backup_pagecount(tls, b.h.p))

	switch rc {
	case sqlite3.SQLITE_OK:
		return true, nil
	case sqlite3.SQLITE_DONE:
		return false, nil
	default:
		return false, b.src.errstr(rc, opBackup)
	}
}

// Run steps the backup until it is complete, copying pagesPerStep pages per step
// and waiting for pause in between, so other connections can use the source database.
func (b *Backup) Run(ctx context.Context, pagesPerStep int, pause time.Duration) error {
	for {
		more, err := b.Step(pagesPerStep)
		if err != nil {
			return err
		}
		if !more {
			b.src.log.Logf("[DEBUG] backup of %q completed, %d pages", b.src.target, b.pageCount)
			return nil
		}
		b.src.log.Logf("[DEBUG] backup of %q, %d of %d pages remaining", b.src.target, b.remaining, b.pageCount)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// PageCount returns the number of pages in the source database, as of the last Step.
func (b *Backup) PageCount() int { return b.pageCount }

// Remaining returns the number of pages still to copy, as of the last Step.
func (b *Backup) Remaining() int { return b.remaining }

// Close releases the backup, complete or not. Safe to call more than once.
func (b *Backup) Close() error {
	if !b.h.alive() {
		return nil
	}
	if rc := b.h.release(b.src.tls); rc != sqlite3.SQLITE_OK {
		return b.src.errstr(rc, opBackup)
	}
	return nil
}
