// Package roles loads agent role definitions from markdown prompt files.
//
// A role file lives at <dir>/<name>.md and may start with a YAML
// frontmatter block declaring overrides:
//
//	---
//	name: builder
//	description: writes and refactors code
//	model: sonnet
//	reasoning: medium
//	---
//	You are the builder...
//
// The remainder of the file is the role's system prompt.
package roles

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a requested role is not in the catalog.
var ErrUnknownRole = errors.New("unknown role")

// Role is one loaded role definition.
type Role struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Reasoning   string `yaml:"reasoning"`
	Prompt      string `yaml:"-"`
	Path        string `yaml:"-"`
}

// Catalog holds the loaded roles, safe for concurrent readers while a
// watcher reloads in the background.
type Catalog struct {
	dir string
	log *log.Logger

	mu    sync.RWMutex
	roles map[string]*Role
}

// Load reads every *.md file under dir into a catalog. A directory with
// no role files yields an empty catalog, not an error; a missing
// directory is an error.
func Load(dir string, logger *log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "roles: ", log.LstdFlags)
	}
	c := &Catalog{dir: dir, log: logger, roles: make(map[string]*Role)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the role directory, replacing the catalog contents
// atomically. Duplicate role names across files are an error.
func (c *Catalog) Reload() error {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.md"))
	if err != nil {
		return fmt.Errorf("failed to scan role directory: %w", err)
	}
	if _, err := os.Stat(c.dir); err != nil {
		return fmt.Errorf("role directory: %w", err)
	}
	sort.Strings(paths)

	loaded := make(map[string]*Role, len(paths))
	for _, path := range paths {
		role, err := parseFile(path)
		if err != nil {
			return err
		}
		if prev, dup := loaded[role.Name]; dup {
			return fmt.Errorf("duplicate role %q in %s and %s", role.Name, prev.Path, role.Path)
		}
		loaded[role.Name] = role
	}

	c.mu.Lock()
	c.roles = loaded
	c.mu.Unlock()
	return nil
}

func parseFile(path string) (*Role, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role file: %w", err)
	}
	role := &Role{Path: path}
	body := string(raw)
	if strings.HasPrefix(body, "---\n") {
		rest := body[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("%s: unterminated frontmatter", path)
		}
		if err := yaml.Unmarshal([]byte(rest[:end]), role); err != nil {
			return nil, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
		}
		body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")
	}
	role.Prompt = strings.TrimSpace(body)
	if role.Name == "" {
		role.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if role.Prompt == "" {
		return nil, fmt.Errorf("%s: role %q has an empty prompt", path, role.Name)
	}
	return role, nil
}

// Get returns a role by name.
func (c *Catalog) Get(name string) (*Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role, ok := c.roles[name]
	return role, ok
}

// Require returns a role by name or ErrUnknownRole listing what exists.
func (c *Catalog) Require(name string) (*Role, error) {
	if role, ok := c.Get(name); ok {
		return role, nil
	}
	return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownRole, name, c.Names())
}

// Names returns the sorted role names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.roles))
	for name := range c.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sole returns the only role when the catalog has exactly one.
func (c *Catalog) Sole() (*Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.roles) != 1 {
		return nil, false
	}
	for _, role := range c.roles {
		return role, true
	}
	return nil, false
}

// Len returns the number of loaded roles.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.roles)
}
