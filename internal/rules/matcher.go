// Package rules maps source paths to transform chains.
//
// Rules are evaluated in declaration order and the first rule whose predicate
// matches wins. Chains from several rules are never combined, so reordering a
// rule list changes which chain a file receives.
package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ModuleType is the kind of module a chain produces.
type ModuleType string

const (
	TypeScript   ModuleType = "script"
	TypeStyle    ModuleType = "style"
	TypeAsset    ModuleType = "asset"
	TypeResource ModuleType = "asset/resource"
)

// IsAsset reports whether t is one of the asset module types.
func (t ModuleType) IsAsset() bool {
	return t == TypeAsset || t == TypeResource
}

// Rule is a (predicate, chain) pair.
type Rule struct {
	Name    string
	Test    *regexp.Regexp
	Include []string
	Exclude []string
	Use     []string
	Type    ModuleType
	Options map[string]string
}

// Chain is the ordered list of stages selected for a file.
type Chain struct {
	Rule    string
	Stages  []string
	Type    ModuleType
	Options map[string]string
}

// Matcher holds an immutable ordered rule list.
type Matcher struct {
	rules []Rule
}

// New validates rules and returns a matcher over a private copy of them.
func New(rules []Rule) (*Matcher, error) {
	copied := make([]Rule, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Test == nil {
			return nil, fmt.Errorf("rule %d (%s): missing test pattern", i, r.Name)
		}
		if len(r.Use) == 0 {
			return nil, fmt.Errorf("rule %d (%s): empty stage list", i, r.Name)
		}
		switch r.Type {
		case TypeScript, TypeStyle, TypeAsset, TypeResource:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown module type %q", i, r.Name, r.Type)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule%d", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true

		r.Use = append([]string(nil), r.Use...)
		r.Include = cleanDirs(r.Include)
		r.Exclude = cleanDirs(r.Exclude)
		copied[i] = r
	}
	return &Matcher{rules: copied}, nil
}

// MustNew is New for rule tables known to be valid.
func MustNew(rules []Rule) *Matcher {
	m, err := New(rules)
	if err != nil {
		panic(err)
	}
	return m
}

// Match returns the chain of the first rule matching p. p is a slash
// separated path relative to the project root; a query suffix such as
// "?vue&type=style" is part of the tested string. ok is false when no rule
// matches.
func (m *Matcher) Match(p string) (Chain, bool) {
	file := stripQuery(p)
	for _, r := range m.rules {
		if !r.Test.MatchString(p) {
			continue
		}
		if len(r.Include) > 0 && !underAny(file, r.Include) {
			continue
		}
		if excluded(file, r.Exclude) {
			continue
		}
		return Chain{
			Rule:    r.Name,
			Stages:  append([]string(nil), r.Use...),
			Type:    r.Type,
			Options: r.Options,
		}, true
	}
	return Chain{}, false
}

// Rules returns a copy of the rule list in declaration order.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Stages returns every stage name referenced by the rule list.
func (m *Matcher) Stages() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range m.rules {
		for _, s := range r.Use {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

func cleanDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = path.Clean(strings.ReplaceAll(d, "\\", "/"))
		out = append(out, strings.TrimPrefix(d, "./"))
	}
	return out
}

func underAny(p string, dirs []string) bool {
	p = path.Clean(p)
	for _, d := range dirs {
		if d == "." || p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

// excluded is underAny, except that a single segment such as node_modules
// also matches at any depth.
func excluded(p string, dirs []string) bool {
	if underAny(p, dirs) {
		return true
	}
	for _, d := range dirs {
		if !strings.Contains(d, "/") && strings.Contains("/"+path.Clean(p)+"/", "/"+d+"/") {
			return true
		}
	}
	return false
}
