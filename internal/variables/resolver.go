// Package variables expands ${scope.key} references inside stage commands
// and environment values (spec §4.E). The expansion shape — a package-level
// regexp.MustCompile plus ReplaceAllStringFunc collecting errors as it goes —
// is carried over directly from the teacher's internal/prompt/template.go
// Render function, retargeted from {{var}} to ${scope.key} and from a flat
// map to scoped lookups.
package variables

import (
	"fmt"
	"regexp"
)

var tokenRe = regexp.MustCompile(`\$\{([a-z]+)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// UnknownScopeError is returned when a token references a scope the resolver
// does not recognize (spec §4.E: "Unknown scopes are a hard error").
type UnknownScopeError struct {
	Scope string
}

func (e *UnknownScopeError) Error() string {
	return fmt.Sprintf("unknown variable scope %q", e.Scope)
}

// Warning describes a non-fatal resolution issue: an unknown key in a known
// scope, which expands to the empty string per spec §4.E.
type Warning struct {
	Scope string
	Key   string
}

func (w Warning) String() string {
	return fmt.Sprintf("unknown key %q in scope %q expands to empty string", w.Key, w.Scope)
}

// Scope is a lookup function for one scope's keys. It returns (value, true)
// if the key is known, or ("", false) if the key is unknown within an
// otherwise-recognized scope.
type Scope func(key string) (string, bool)

// Resolver expands ${scope.key} tokens against a fixed set of named scopes.
type Resolver struct {
	scopes map[string]Scope
}

// New creates a Resolver with the given named scopes. Any scope name not
// present in this map is unknown and triggers UnknownScopeError.
func New(scopes map[string]Scope) *Resolver {
	return &Resolver{scopes: scopes}
}

// Expand performs a single-pass expansion of every ${scope.key} token in s.
// Expansion is single-pass: substituted text is never re-scanned for further
// tokens, and "$$" has no special meaning (spec §4.E).
func (r *Resolver) Expand(s string) (string, []Warning, error) {
	var warnings []Warning
	var firstErr error

	out := tokenRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		m := tokenRe.FindStringSubmatch(match)
		scopeName, key := m[1], m[2]

		scope, ok := r.scopes[scopeName]
		if !ok {
			firstErr = &UnknownScopeError{Scope: scopeName}
			return match
		}

		val, ok := scope(key)
		if !ok {
			warnings = append(warnings, Warning{Scope: scopeName, Key: key})
			return ""
		}
		return val
	})

	if firstErr != nil {
		return "", nil, firstErr
	}
	return out, warnings, nil
}

// ExpandEnv expands every value in an environment map, short-circuiting on
// the first error.
func (r *Resolver) ExpandEnv(env map[string]string) (map[string]string, []Warning, error) {
	out := make(map[string]string, len(env))
	var all []Warning
	for k, v := range env {
		expanded, warnings, err := r.Expand(v)
		if err != nil {
			return nil, nil, fmt.Errorf("expanding env %q: %w", k, err)
		}
		out[k] = expanded
		all = append(all, warnings...)
	}
	return out, all, nil
}

// MapScope builds a Scope backed by a plain map, used for the env/secrets/
// custom scopes (spec §4.E), whose keys are caller- or injected-supplied
// rather than fixed struct fields.
func MapScope(m map[string]string) Scope {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}
