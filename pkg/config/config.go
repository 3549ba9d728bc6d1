package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed INI-style host configuration. Sections and options
// are tracked as they are read so that typos in a config file surface as
// unused options instead of being silently ignored.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads an INI config file. An [include path] header pulls in other
// files relative to the including file; glob patterns are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a config from a string. Include headers are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer delete(visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	include := func(spec string) error {
		pattern := filepath.Join(filepath.Dir(abs), spec)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
		}
		if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
			return fmt.Errorf("config: include file does not exist: %s", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := c.parseFile(m, visited); err != nil {
				return err
			}
		}
		return nil
	}

	return c.parse(f, path, include)
}

// parse reads sections from r. include handles [include ...] headers and
// may be nil when includes are not supported.
func (c *Config) parse(r io.Reader, name string, include func(spec string) error) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, name)
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				if include == nil {
					return fmt.Errorf("config: include not supported at line %d in %s", lineNum, name)
				}
				if err := include(strings.TrimSpace(spec)); err != nil {
					return err
				}
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			return fmt.Errorf("config: option outside of a section at line %d in %s", lineNum, name)
		}

		key, value, ok := splitOption(line)
		if !ok {
			return fmt.Errorf("config: malformed line %d in %s: %q", lineNum, name, line)
		}
		options[key] = value
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

// splitOption accepts both "key: value" and "key = value", whichever
// separator comes first.
func splitOption(line string) (key, value string, ok bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	return key, value, key != ""
}

// addSection adds a section, merging into an existing one of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// SetOption sets a single option, creating the section if needed. Used
// to apply command-line overrides on top of a loaded file.
func (c *Config) SetOption(section, option, value string) {
	c.addSection(section, map[string]string{option: value})
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a Section if it exists. A missing section
// yields an empty one so that option fallbacks still apply.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec, ok := c.sections[name]; ok {
		c.accessedSections[name] = struct{}{}
		return sec
	}
	return newSection(name, nil)
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetUnusedSections returns sections that were never read.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused returns an error naming every unread section and option.
func (c *Config) CheckUnused() error {
	var problems []string
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		problems = append(problems, fmt.Sprintf("unused sections %v", unused))
	}

	c.mu.RLock()
	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	c.mu.RUnlock()

	if len(problems) > 0 {
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
