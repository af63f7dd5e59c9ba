package sqlitemm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notesConn(t *testing.T) *Conn {
	t.Helper()
	c := openMemory(t)
	require.NoError(t, c.Execute("CREATE TABLE notes (id INTEGER PRIMARY KEY, content TEXT NOT NULL)"))
	return c
}

func insertNote(t *testing.T, c *Conn, content string) {
	t.Helper()
	stmt, err := c.Prepare("INSERT INTO notes (content) VALUES (?)")
	require.NoError(t, err)
	defer stmt.Finalize()
	require.NoError(t, stmt.Bind(content))
	require.NoError(t, stmt.Execute())
}

func TestTxState_String(t *testing.T) {
	assert.Equal(t, "active", TxActive.String())
	assert.Equal(t, "committed", TxCommitted.String())
	assert.Equal(t, "rolled back", TxRolledBack.String())
	assert.Equal(t, "unknown", TxState(9).String())
}

func TestTransaction_Commit(t *testing.T) {
	c := notesConn(t)
	tx, err := c.BeginTransaction()
	require.NoError(t, err)
	assert.Equal(t, TxActive, tx.State())
	assert.False(t, c.AutoCommit())

	insertNote(t, c, "first")
	insertNote(t, c, "second")
	require.NoError(t, tx.Commit())
	assert.Equal(t, TxCommitted, tx.State())
	assert.True(t, c.AutoCommit())
	tx.Close() // no-op after commit

	res := ScanIterator[note](queryAll(t, c, "SELECT id, content FROM notes ORDER BY id"))
	notes, err := Collect(res)
	require.NoError(t, err)
	assert.Equal(t, []note{{1, "first"}, {2, "second"}}, notes)

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrMisuse, "can't commit twice")
}

func queryAll(t *testing.T, c *Conn, query string) *Result {
	t.Helper()
	stmt, err := c.Prepare(query)
	require.NoError(t, err)
	t.Cleanup(func() { stmt.Finalize() })
	return stmt.ExecuteQuery()
}

func TestTransaction_RollbackOnExit(t *testing.T) {
	c := notesConn(t)
	errStop := errors.New("stop")

	fail := func() error {
		tx, err := c.BeginTransaction()
		if err != nil {
			return err
		}
		defer tx.Close()
		insertNote(t, c, "first")
		insertNote(t, c, "second")
		return errStop
	}
	require.ErrorIs(t, fail(), errStop)
	assert.Equal(t, 0, countRows(t, c, "notes"))
	assert.True(t, c.AutoCommit())

	panics := func() {
		tx, err := c.BeginTransaction()
		require.NoError(t, err)
		defer tx.Close()
		insertNote(t, c, "first")
		panic("boom")
	}
	assert.PanicsWithValue(t, "boom", panics)
	assert.Equal(t, 0, countRows(t, c, "notes"))
	assert.True(t, c.AutoCommit())
}

func TestTransaction_Reuse(t *testing.T) {
	c := notesConn(t)
	tx, err := c.BeginTransaction()
	require.NoError(t, err)
	insertNote(t, c, "kept")
	require.NoError(t, tx.Commit())

	require.NoError(t, tx.Begin())
	assert.Equal(t, TxActive, tx.State())
	insertNote(t, c, "dropped")
	tx.Rollback()
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Equal(t, 1, countRows(t, c, "notes"))

	require.NoError(t, tx.Begin())
	insertNote(t, c, "kept too")
	require.NoError(t, tx.Commit())
	assert.Equal(t, 2, countRows(t, c, "notes"))
}

func TestTransaction_Begin(t *testing.T) {
	c := notesConn(t)
	tx, err := c.BeginTransaction()
	require.NoError(t, err)
	defer tx.Close()

	err = tx.Begin()
	assert.ErrorIs(t, err, ErrMisuse, "already active")
	assert.Equal(t, TxActive, tx.State())

	_, err = c.BeginTransaction()
	require.Error(t, err, "nested transaction")
	assert.Contains(t, err.Error(), "can't begin transaction")
	assert.Contains(t, err.Error(), "within a transaction")
}

func TestTransaction_RollbackWithoutTransaction(t *testing.T) {
	buf := bytes.Buffer{}
	c, err := Open(MemoryTarget, WithLogger(lgr.New(lgr.Out(&buf))))
	require.NoError(t, err)
	defer c.Close()

	tx, err := c.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, c.Execute("COMMIT"), "ended behind the transaction's back")
	assert.True(t, c.AutoCommit())

	tx.Rollback()
	assert.Equal(t, TxRolledBack, tx.State())
	assert.NotContains(t, buf.String(), "WARN")

	err = tx.Commit()
	assert.ErrorIs(t, err, ErrMisuse)
	assert.Contains(t, err.Error(), "can't commit rolled back transaction")
}

func TestTransaction_CommitFailureStaysActive(t *testing.T) {
	c := openMemory(t)
	require.NoError(t, c.Execute(`PRAGMA foreign_keys = ON;
		CREATE TABLE parent (id INTEGER PRIMARY KEY);
		CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parent(id) DEFERRABLE INITIALLY DEFERRED);`))

	tx, err := c.BeginTransaction()
	require.NoError(t, err)
	defer tx.Close()
	require.NoError(t, c.Execute("INSERT INTO child (parent_id) VALUES (42)"), "deferred check")

	err = tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConstraint)
	var sqlErr *Error
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, 787, sqlErr.Code) // SQLITE_CONSTRAINT_FOREIGNKEY
	assert.Equal(t, TxActive, tx.State())
	assert.False(t, c.AutoCommit())

	// fix the violation and commit again
	require.NoError(t, c.Execute("INSERT INTO parent (id) VALUES (42)"))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, countRows(t, c, "child"))
}

func TestConn_WithTransaction(t *testing.T) {
	c := notesConn(t)

	t.Run("commit", func(t *testing.T) {
		err := c.WithTransaction(func(tx *Transaction) error {
			assert.Equal(t, TxActive, tx.State())
			insertNote(t, c, "one")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, c, "notes"))
	})

	t.Run("error rolls back", func(t *testing.T) {
		errStop := errors.New("stop")
		err := c.WithTransaction(func(*Transaction) error {
			insertNote(t, c, "two")
			return errStop
		})
		assert.ErrorIs(t, err, errStop)
		assert.Equal(t, 1, countRows(t, c, "notes"))
	})

	t.Run("panic rolls back", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = c.WithTransaction(func(*Transaction) error {
				insertNote(t, c, "three")
				panic("boom")
			})
		})
		assert.Equal(t, 1, countRows(t, c, "notes"))
		assert.True(t, c.AutoCommit())
	})

	t.Run("manual commit inside", func(t *testing.T) {
		err := c.WithTransaction(func(tx *Transaction) error {
			insertNote(t, c, "four")
			return tx.Commit()
		})
		require.NoError(t, err)
		assert.Equal(t, 2, countRows(t, c, "notes"))

		err = c.WithTransaction(func(tx *Transaction) error {
			insertNote(t, c, "five")
			tx.Rollback()
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, countRows(t, c, "notes"))
	})
}
