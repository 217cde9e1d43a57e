package env

import (
	"fmt"
	"os"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to child processes: the OS environment
// (optional), global variables from configuration and env files, then the
// per-service overrides passed to Merge. Later layers win.
type Env struct {
	useOS bool
	vars  Var
	base  Var // cached OS environment
}

func New() *Env {
	return &Env{useOS: true, vars: make(Var)}
}

// SetUseOS controls whether the OS environment seeds the base layer.
func (e *Env) SetUseOS(use bool) {
	e.useOS = use
	if !use {
		e.base = nil
	}
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
}

// SetAll copies every pair into the global layer.
func (e *Env) SetAll(vars map[string]string) {
	for k, v := range vars {
		e.Set(k, v)
	}
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.vars != nil {
		delete(e.vars, k)
	}
}

// LoadFile reads KEY=VALUE pairs into the global layer. Blank lines and
// #-comments are skipped, a leading "export " is tolerated, and single or
// double quotes around the value are stripped.
func (e *Env) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 {
			if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
				v = v[1 : len(v)-1]
			}
		}
		e.Set(k, v)
	}
	return nil
}

func (e *Env) fromOS() Var {
	if e.base != nil {
		return e.base
	}
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.base = base
	return base
}

// Merge composes the final environment list: OS base (when enabled), then
// globals, then perProc "K=V" overrides. ${VAR} references are expanded
// against the composed map (single pass, no recursion).
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	if e.useOS {
		for k, v := range e.fromOS() {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
