// Package config loads named database connection profiles from yaml or toml files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/amanda-wee/sqlitemm/pkg/sqlitemm"
)

// Config defines the top-level config object
type Config struct {
	Databases map[string]Profile `yaml:"databases" toml:"databases"` // profiles by name
}

// Profile defines how to open a database
type Profile struct {
	Name        string   `yaml:"-" toml:"-"`                       // name of profile, set from the map key
	Target      string   `yaml:"target" toml:"target"`             // file name, file: uri or :memory:
	Flags       []string `yaml:"flags" toml:"flags"`               // symbolic open flags, default is readwrite,create,uri
	VFS         string   `yaml:"vfs" toml:"vfs"`                   // vfs module name, default vfs if empty
	BusyTimeout string   `yaml:"busy_timeout" toml:"busy_timeout"` // duration, like "5s"
	Pragmas     []string `yaml:"pragmas" toml:"pragmas"`           // executed as "PRAGMA <value>" right after open
}

var openFlags = map[string]sqlitemm.OpenFlag{
	"readonly":     sqlitemm.OpenReadOnly,
	"readwrite":    sqlitemm.OpenReadWrite,
	"create":       sqlitemm.OpenCreate,
	"uri":          sqlitemm.OpenURI,
	"memory":       sqlitemm.OpenMemory,
	"nomutex":      sqlitemm.OpenNoMutex,
	"fullmutex":    sqlitemm.OpenFullMutex,
	"sharedcache":  sqlitemm.OpenSharedCache,
	"privatecache": sqlitemm.OpenPrivateCache,
}

// Load reads profiles from fname. The format is picked by extension, yaml for .yml, .yaml
// or no extension and toml for .toml. Unknown fields are rejected and all profiles are validated.
func Load(fname string) (*Config, error) {
	lgr.Printf("[DEBUG] load database profiles from %q", fname)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}
	return Parse(fname, data)
}

// Parse decodes profiles from data, using fname to pick the format.
func Parse(fname string, data []byte) (*Config, error) {
	res := &Config{}
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(res); err != nil {
			return nil, fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(res); err != nil {
			return nil, fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %s", fname)
	}

	if len(res.Databases) == 0 {
		return nil, fmt.Errorf("no databases defined in %s", fname)
	}

	errs := new(multierror.Error)
	for _, name := range res.Names() {
		p := res.Databases[name]
		p.Name = name
		res.Databases[name] = p
		if err := p.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", fname, err)
	}
	lgr.Printf("[DEBUG] loaded %d database profiles from %s", len(res.Databases), fname)
	return res, nil
}

// Names returns sorted profile names
func (c *Config) Names() []string {
	res := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Profile returns a copy of the named profile
func (c *Config) Profile(name string) (Profile, error) {
	p, ok := c.Databases[name]
	if !ok {
		return Profile{}, fmt.Errorf("database profile %q not found", name)
	}
	p.Name = name
	p.Flags = slices.Clone(p.Flags)
	p.Pragmas = slices.Clone(p.Pragmas)
	return p, nil
}

// Validate checks the profile, reporting every problem found
func (p Profile) Validate() error {
	errs := new(multierror.Error)
	if strings.TrimSpace(p.Target) == "" {
		errs = multierror.Append(errs, fmt.Errorf("profile %q: target is not set", p.Name))
	}
	if _, err := p.OpenFlags(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("profile %q: %w", p.Name, err))
	}
	if _, err := p.Timeout(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("profile %q: %w", p.Name, err))
	}
	for i, pragma := range p.Pragmas {
		if strings.TrimSpace(pragma) == "" {
			errs = multierror.Append(errs, fmt.Errorf("profile %q: pragma %d is empty", p.Name, i))
		}
	}
	return errs.ErrorOrNil()
}

// OpenFlags combines symbolic flags, sqlitemm.DefaultOpenFlags if none set.
func (p Profile) OpenFlags() (sqlitemm.OpenFlag, error) {
	if len(p.Flags) == 0 {
		return sqlitemm.DefaultOpenFlags, nil
	}
	var res sqlitemm.OpenFlag
	for _, name := range p.Flags {
		f, ok := openFlags[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown open flag %q", name)
		}
		res |= f
	}
	if res&sqlitemm.OpenReadOnly != 0 && res&(sqlitemm.OpenReadWrite|sqlitemm.OpenCreate) != 0 {
		return 0, errors.New("readonly can't be combined with readwrite or create")
	}
	if res&(sqlitemm.OpenReadOnly|sqlitemm.OpenReadWrite) == 0 {
		return 0, errors.New("one of readonly or readwrite is required")
	}
	return res, nil
}

// Timeout parses the busy timeout, 0 if not set
func (p Profile) Timeout() (time.Duration, error) {
	if p.BusyTimeout == "" {
		return 0, nil
	}
	res, err := time.ParseDuration(p.BusyTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid busy timeout: %w", err)
	}
	if res < 0 {
		return 0, fmt.Errorf("negative busy timeout %s", res)
	}
	return res, nil
}

// Open opens a connection as defined by the profile and applies its pragmas.
// Options are applied after the profile's settings, so they can override them.
func (p Profile) Open(opts ...sqlitemm.Option) (*sqlitemm.Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	flags, _ := p.OpenFlags()
	timeout, _ := p.Timeout()

	conn, err := sqlitemm.Open(p.Target, append([]sqlitemm.Option{
		sqlitemm.WithFlags(flags),
		sqlitemm.WithVFS(p.VFS),
		sqlitemm.WithBusyTimeout(timeout),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("can't open database %q: %w", p.Name, err)
	}

	for _, pragma := range p.Pragmas {
		if err := conn.Execute("PRAGMA " + pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("can't apply pragma %q to database %q: %w", pragma, p.Name, err)
		}
	}
	lgr.Printf("[DEBUG] opened database %q, %d pragmas applied", p.Name, len(p.Pragmas))
	return conn, nil
}
