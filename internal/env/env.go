// Package env composes the environment handed to worker processes.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Vars map[string]string

// Set layers environment sources: the OS environment (optional), dotenv
// files in load order, then explicit KEY=VALUE entries. Later layers win.
type Set struct {
	base Vars
	vars Vars
}

func New(useOS bool) *Set {
	s := &Set{base: make(Vars), vars: make(Vars)}
	if useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				s.base[k] = v
			}
		}
	}
	return s
}

// Set assigns a single variable.
func (s *Set) Set(k, v string) {
	if k == "" {
		return
	}
	s.vars[k] = v
}

// Apply assigns every well-formed KEY=VALUE entry.
func (s *Set) Apply(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			s.vars[k] = v
		}
	}
}

// LoadFile reads a dotenv file: KEY=VALUE per line, '#' comments, no quoting.
func (s *Set) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := split(line); ok {
			s.vars[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return nil
}

// Environ returns the composed environment in KEY=VALUE form, sorted by key.
// extra entries override everything else. ${VAR} references are expanded
// once against the composed map.
func (s *Set) Environ(extra ...string) []string {
	m := make(Vars, len(s.base)+len(s.vars)+len(extra))
	for k, v := range s.base {
		m[k] = v
	}
	for k, v := range s.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}
