package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"scribed/internal/common/fsutil"
	"scribed/pkg/types"
)

// Builtin model sizes in MB.
var builtinSpecs = []types.ModelSpec{
	{Name: "tiny", VRAMMB: 200, RAMMB: 100, DownloadMB: 39},
	{Name: "base", VRAMMB: 300, RAMMB: 150, DownloadMB: 74},
	{Name: "small", VRAMMB: 500, RAMMB: 400, DownloadMB: 244},
	{Name: "medium", VRAMMB: 1200, RAMMB: 800, DownloadMB: 769},
	{Name: "large", VRAMMB: 2500, RAMMB: 1600, DownloadMB: 1550},
	{Name: "large-v2", VRAMMB: 2500, RAMMB: 1600, DownloadMB: 1550},
	{Name: "large-v3", VRAMMB: 2500, RAMMB: 1600, DownloadMB: 1550},
	{Name: "turbo", VRAMMB: 1500, RAMMB: 900, DownloadMB: 800},
}

// Fallback order, largest first.
var builtinPrecedence = []string{"large-v3", "large-v2", "large", "turbo", "medium", "small", "base", "tiny"}

// Catalog is an immutable set of model specs plus the fallback precedence.
type Catalog struct {
	specs      map[string]types.ModelSpec
	precedence []string
}

// catalogFile is the on-disk shape accepted by LoadFile.
type catalogFile struct {
	Models     []types.ModelSpec `json:"models" yaml:"models" toml:"models"`
	Precedence []string          `json:"precedence" yaml:"precedence" toml:"precedence"`
}

// Builtin returns the default whisper catalog.
func Builtin() *Catalog {
	c, err := New(builtinSpecs, builtinPrecedence)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates specs and builds a Catalog. An empty precedence list orders
// models by VRAM, largest first.
func New(specs []types.ModelSpec, precedence []string) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}
	c := &Catalog{specs: make(map[string]types.ModelSpec, len(specs))}
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog entry without name")
		}
		if s.VRAMMB < 0 || s.RAMMB < 0 || s.DownloadMB < 0 {
			return nil, fmt.Errorf("model %s: negative size", name)
		}
		if _, dup := c.specs[name]; dup {
			return nil, fmt.Errorf("duplicate model %s", name)
		}
		s.Name = name
		c.specs[name] = s
	}
	if len(precedence) == 0 {
		for name := range c.specs {
			precedence = append(precedence, name)
		}
		sort.Slice(precedence, func(i, j int) bool {
			a, b := c.specs[precedence[i]], c.specs[precedence[j]]
			if a.VRAMMB != b.VRAMMB {
				return a.VRAMMB > b.VRAMMB
			}
			return a.Name < b.Name
		})
	}
	for _, name := range precedence {
		if _, ok := c.specs[name]; !ok {
			return nil, fmt.Errorf("precedence names unknown model %s", name)
		}
	}
	c.precedence = append([]string(nil), precedence...)
	return c, nil
}

// LoadFile reads a catalog from a .yaml/.yml, .json or .toml file.
func LoadFile(path string) (*Catalog, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Models, f.Precedence)
}

// Lookup returns the spec for name.
func (c *Catalog) Lookup(name string) (types.ModelSpec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Precedence returns the fallback order, largest first.
func (c *Catalog) Precedence() []string {
	return append([]string(nil), c.precedence...)
}

// Smallest returns the entry with the least VRAM, then RAM.
func (c *Catalog) Smallest() types.ModelSpec {
	var out types.ModelSpec
	first := true
	for _, s := range c.specs {
		if first || s.VRAMMB < out.VRAMMB ||
			(s.VRAMMB == out.VRAMMB && (s.RAMMB < out.RAMMB || (s.RAMMB == out.RAMMB && s.Name < out.Name))) {
			out = s
			first = false
		}
	}
	return out
}

// List returns every spec, in precedence order first and then by name.
func (c *Catalog) List() []types.ModelSpec {
	out := make([]types.ModelSpec, 0, len(c.specs))
	seen := make(map[string]bool, len(c.specs))
	for _, name := range c.precedence {
		out = append(out, c.specs[name])
		seen[name] = true
	}
	var rest []string
	for name := range c.specs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, c.specs[name])
	}
	return out
}
