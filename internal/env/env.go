// Package env composes the environment handed to the node process from
// configured variables and dotenv files.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds override variables on top of a base taken from the OS.
type Env struct {
	Var  Var // overrides (K->V)
	base Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the expansion base.
func (e *Env) FromOS() {
	e.base = parsePairs(os.Environ())
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// SetPairs applies "K=V" entries; entries without '=' or with an empty key
// are ignored.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range parsePairs(pairs) {
		e.Set(k, v)
	}
}

// LoadFile applies a dotenv file: KEY=VALUE lines, '#' comments, optional
// "export " prefix and matching surrounding quotes.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(k, unquote(strings.TrimSpace(v)))
	}
	return s.Err()
}

// Overrides returns the overrides as sorted "K=V" entries with ${VAR}
// references expanded against the overrides and the OS base. Unknown
// references are left untouched.
func (e *Env) Overrides() []string {
	if e.base == nil {
		e.FromOS()
	}
	lookup := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		lookup[k] = v
	}
	for k, v := range e.Var {
		lookup[k] = v
	}
	out := make([]string, 0, len(e.Var))
	for k, v := range e.Var {
		out = append(out, k+"="+expand(v, lookup))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func parsePairs(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// Compose loads files in order, then applies vars, and returns Overrides.
func Compose(files, vars []string) ([]string, error) {
	e := New()
	for _, f := range files {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}
	e.SetPairs(vars)
	return e.Overrides(), nil
}
