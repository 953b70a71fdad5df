// Package manifest handles sprout.toml cartridge configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/sprout/vm"
)

// FileName is the manifest file looked for in a cartridge directory.
const FileName = "sprout.toml"

// Defaults for keys missing from the manifest.
const (
	DefaultSource        = "main.sp"
	DefaultDataSize      = 8192
	DefaultSavestatePath = ".sprout/saves.db"
)

// Manifest represents a sprout.toml cartridge configuration.
type Manifest struct {
	Cart      Cart      `toml:"cart"`
	Runtime   Runtime   `toml:"runtime"`
	Savestate Savestate `toml:"savestate"`

	// Dir is the directory containing the sprout.toml file (set at load time).
	Dir string `toml:"-"`
}

// Cart names the program and its auxiliary data blob.
type Cart struct {
	Name   string `toml:"name"`
	Source string `toml:"source"`
	Data   string `toml:"data"`
}

// Runtime configures the instances running the cart. Zero values select
// the runtime defaults.
type Runtime struct {
	ArenaSize    int `toml:"arena-size"`
	GCInterval   int `toml:"gc-interval"`
	CycleBudget  int `toml:"cycle-budget"`
	MaxInstances int `toml:"max-instances"`
	StackLimit   int `toml:"stack-limit"`
	DataSize     int `toml:"data-size"`
}

// Savestate configures the snapshot store.
type Savestate struct {
	Path string `toml:"path"`
}

// Load parses a sprout.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if m.Cart.Name == "" {
		m.Cart.Name = filepath.Base(m.Dir)
	}
	return m, nil
}

// Parse decodes manifest text and applies defaults. Dir is left empty, so
// relative paths resolve against the working directory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	if err := m.Runtime.validate(); err != nil {
		return nil, err
	}

	// Defaults
	if m.Cart.Source == "" {
		m.Cart.Source = DefaultSource
	}
	if m.Runtime.DataSize == 0 && m.Cart.Data != "" {
		m.Runtime.DataSize = DefaultDataSize
	}
	if m.Savestate.Path == "" {
		m.Savestate.Path = DefaultSavestatePath
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a sprout.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (r Runtime) validate() error {
	for _, f := range []struct {
		key string
		v   int
	}{
		{"arena-size", r.ArenaSize},
		{"max-instances", r.MaxInstances},
		{"stack-limit", r.StackLimit},
		{"data-size", r.DataSize},
	} {
		if f.v < 0 {
			return fmt.Errorf("runtime.%s must not be negative (got %d)", f.key, f.v)
		}
	}
	return nil
}

// Options converts the runtime section into instance options. A negative
// gc-interval or cycle-budget disables the feature, as in vm.Options.
func (r Runtime) Options() vm.Options {
	return vm.Options{
		ArenaSize:   r.ArenaSize,
		StackLimit:  r.StackLimit,
		GCInterval:  r.GCInterval,
		CycleBudget: r.CycleBudget,
		DataSize:    r.DataSize,
	}
}

// Path resolves a manifest-relative path.
func (m *Manifest) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.Dir, rel)
}

// SourcePath returns the absolute path of the cart's program.
func (m *Manifest) SourcePath() string {
	return m.Path(m.Cart.Source)
}

// SavestatePath returns the path of the snapshot database.
func (m *Manifest) SavestatePath() string {
	return m.Path(m.Savestate.Path)
}

// ReadSource reads the cart's program.
func (m *Manifest) ReadSource() ([]byte, error) {
	return os.ReadFile(m.SourcePath())
}

// ReadData reads the cart's data blob, or returns nil when the cart has
// none. A blob larger than data-size is an error.
func (m *Manifest) ReadData() ([]byte, error) {
	if m.Cart.Data == "" {
		return nil, nil
	}
	data, err := os.ReadFile(m.Path(m.Cart.Data))
	if err != nil {
		return nil, err
	}
	if n := m.Runtime.DataSize; n > 0 && len(data) > n {
		return nil, fmt.Errorf("%s is %d bytes, data-size is %d", m.Cart.Data, len(data), n)
	}
	return data, nil
}
