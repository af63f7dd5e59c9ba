package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanda-wee/sqlitemm/pkg/sqlitemm"
)

func TestLoad(t *testing.T) {
	for _, fname := range []string{"testdata/databases.yml", "testdata/databases.toml"} {
		t.Run(filepath.Ext(fname), func(t *testing.T) {
			c, err := Load(fname)
			require.NoError(t, err)
			assert.Equal(t, []string{"cache", "notes", "scratch"}, c.Names())

			notes, err := c.Profile("notes")
			require.NoError(t, err)
			assert.Equal(t, Profile{
				Name:        "notes",
				Target:      "notes.db",
				Flags:       []string{"readwrite", "create"},
				BusyTimeout: "5s",
				Pragmas:     []string{"foreign_keys = ON", "journal_mode = WAL"},
			}, notes)

			timeout, err := notes.Timeout()
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, timeout)

			cache, err := c.Profile("cache")
			require.NoError(t, err)
			flags, err := cache.OpenFlags()
			require.NoError(t, err)
			assert.Equal(t, sqlitemm.OpenReadWrite|sqlitemm.OpenCreate|sqlitemm.OpenURI|sqlitemm.OpenSharedCache, flags)

			scratch, err := c.Profile("scratch")
			require.NoError(t, err)
			flags, err = scratch.OpenFlags()
			require.NoError(t, err)
			assert.Equal(t, sqlitemm.DefaultOpenFlags, flags)

			_, err = c.Profile("missing")
			assert.EqualError(t, err, `database profile "missing" not found`)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	tbl := []struct {
		name  string
		fname string
		err   string
	}{
		{name: "missing file", fname: "testdata/no-such-file.yml", err: "can't read config"},
		{name: "unknown yaml field", fname: "testdata/unknown-field.yml", err: "field timeout not found"},
		{name: "unknown toml field", fname: "testdata/unknown-field.toml", err: "can't unmarshal toml config"},
		{name: "no databases", fname: "testdata/empty.yml", err: "no databases defined"},
		{name: "unknown format", fname: "testdata/databases.json", err: "unknown config format"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			if filepath.Ext(tt.fname) == ".json" {
				_, err := Parse(tt.fname, []byte("{}"))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			_, err := Load(tt.fname)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load("testdata/invalid.yml")
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 5, "all problems reported: %v", err)
	assert.Contains(t, err.Error(), `profile "broken": target is not set`)
	assert.Contains(t, err.Error(), `unknown open flag "fast"`)
	assert.Contains(t, err.Error(), "invalid busy timeout")
	assert.Contains(t, err.Error(), `profile "broken": pragma 1 is empty`)
	assert.Contains(t, err.Error(), `profile "negative": negative busy timeout -1s`)
}

func TestProfile_OpenFlags(t *testing.T) {
	tbl := []struct {
		flags []string
		res   sqlitemm.OpenFlag
		err   string
	}{
		{flags: nil, res: sqlitemm.DefaultOpenFlags},
		{flags: []string{"readonly"}, res: sqlitemm.OpenReadOnly},
		{flags: []string{" ReadWrite ", "MEMORY"}, res: sqlitemm.OpenReadWrite | sqlitemm.OpenMemory},
		{flags: []string{"readwrite", "nomutex", "privatecache"},
			res: sqlitemm.OpenReadWrite | sqlitemm.OpenNoMutex | sqlitemm.OpenPrivateCache},
		{flags: []string{"readwrite", "fullmutex"}, res: sqlitemm.OpenReadWrite | sqlitemm.OpenFullMutex},
		{flags: []string{"readonly", "create"}, err: "readonly can't be combined"},
		{flags: []string{"create", "uri"}, err: "one of readonly or readwrite is required"},
		{flags: []string{"readwrite", "turbo"}, err: `unknown open flag "turbo"`},
	}
	for _, tt := range tbl {
		res, err := Profile{Flags: tt.flags}.OpenFlags()
		if tt.err != "" {
			require.Error(t, err, "%v", tt.flags)
			assert.Contains(t, err.Error(), tt.err)
			continue
		}
		require.NoError(t, err, "%v", tt.flags)
		assert.Equal(t, tt.res, res, "%v", tt.flags)
	}
}

func TestConfig_ProfileIsCopy(t *testing.T) {
	c, err := Load("testdata/databases.yml")
	require.NoError(t, err)
	p, err := c.Profile("notes")
	require.NoError(t, err)
	p.Pragmas[0] = "changed"
	p.Flags = append(p.Flags, "uri")

	again, err := c.Profile("notes")
	require.NoError(t, err)
	assert.Equal(t, "foreign_keys = ON", again.Pragmas[0])
	assert.Len(t, again.Flags, 2)
}

func TestProfile_Open(t *testing.T) {
	dir := t.TempDir()

	t.Run("pragmas applied", func(t *testing.T) {
		p := Profile{Name: "notes", Target: filepath.Join(dir, "notes.db"), BusyTimeout: "1s",
			Pragmas: []string{"foreign_keys = ON", "journal_mode = WAL"}}
		conn, err := p.Open(sqlitemm.WithLogger(lgr.NoOp))
		require.NoError(t, err)
		defer conn.Close()

		mode := pragmaValue(t, conn, "journal_mode")
		assert.Equal(t, "wal", mode)
		assert.Equal(t, "1", pragmaValue(t, conn, "foreign_keys"))
		assert.FileExists(t, p.Target)
	})

	t.Run("read-only", func(t *testing.T) {
		p := Profile{Name: "ro", Target: filepath.Join(dir, "notes.db"), Flags: []string{"readonly"}}
		conn, err := p.Open(sqlitemm.WithLogger(lgr.NoOp))
		require.NoError(t, err)
		defer conn.Close()
		assert.Error(t, conn.Execute("CREATE TABLE t (id INTEGER)"))
	})

	t.Run("bad pragma", func(t *testing.T) {
		p := Profile{Name: "bad", Target: sqlitemm.MemoryTarget, Pragmas: []string{"journal_mode = = WAL"}}
		_, err := p.Open(sqlitemm.WithLogger(lgr.NoOp))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `can't apply pragma "journal_mode = = WAL" to database "bad"`)
	})

	t.Run("open failure", func(t *testing.T) {
		p := Profile{Name: "missing", Target: filepath.Join(dir, "no-such-dir", "x.db")}
		_, err := p.Open(sqlitemm.WithLogger(lgr.NoOp))
		require.Error(t, err)
		assert.ErrorIs(t, err, sqlitemm.ErrOpen)
		_, statErr := os.Stat(filepath.Join(dir, "no-such-dir"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("invalid profile", func(t *testing.T) {
		_, err := Profile{Name: "empty"}.Open()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target is not set")
	})
}

func pragmaValue(t *testing.T, conn *sqlitemm.Conn, name string) string {
	t.Helper()
	stmt, err := conn.Prepare("PRAGMA " + name)
	require.NoError(t, err)
	defer stmt.Finalize()
	res := stmt.ExecuteQuery()
	ok, err := res.Step()
	require.NoError(t, err)
	require.True(t, ok)
	v, err := res.Field(0).Text()
	require.NoError(t, err)
	return v
}
