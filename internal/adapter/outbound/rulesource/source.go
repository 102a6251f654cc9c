package rulesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

// PathSource loads rules from one file or from every rule file of a directory
// in lexical order. Rule names must be unique across the whole set.
type PathSource struct {
	path string
}

// NewPathSource creates a source for a file or directory.
func NewPathSource(path string) *PathSource {
	return &PathSource{path: path}
}

func (s *PathSource) Describe() string { return s.path }

func (s *PathSource) Load(ctx context.Context) ([]policy.Rule, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, &policy.ConfigError{Source: s.path, Index: -1, Err: err}
	}

	files := []string{s.path}
	if info.IsDir() {
		files, err = ruleFiles(s.path)
		if err != nil {
			return nil, &policy.ConfigError{Source: s.path, Index: -1, Err: err}
		}
	}

	var all []policy.Rule
	seen := make(map[string]string)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &policy.ConfigError{Source: file, Index: -1, Err: err}
		}
		rules, err := ParseDocument(file, data, formatOf(file))
		if err != nil {
			return nil, err
		}
		for i, r := range rules {
			if prev, dup := seen[r.Name]; dup {
				return nil, &policy.ConfigError{Source: file, Index: i, Rule: r.Name,
					Err: fmt.Errorf("duplicate rule name (first declared in %s)", prev)}
			}
			seen[r.Name] = file
		}
		all = append(all, rules...)
	}
	return all, nil
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// StaticSource serves an in-memory rule list, e.g. rules assembled by tests or embedders.
type StaticSource struct {
	Name  string
	Rules []policy.Rule
}

func (s StaticSource) Describe() string {
	if s.Name == "" {
		return "static"
	}
	return s.Name
}

// Load validates every rule the way document rules are validated.
func (s StaticSource) Load(ctx context.Context) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(s.Rules))
	seen := make(map[string]bool)
	for i, r := range s.Rules {
		if r.Name == "" {
			return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Err: fmt.Errorf("name is required")}
		}
		if seen[r.Name] {
			return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Rule: r.Name, Err: fmt.Errorf("duplicate rule name")}
		}
		seen[r.Name] = true
		if !r.Verdict.Valid() {
			return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Rule: r.Name, Err: fmt.Errorf("unknown verdict")}
		}
		if len(r.Scope) == 0 {
			return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Rule: r.Name, Err: fmt.Errorf("scope is required")}
		}
		for _, a := range r.Scope {
			if a == policy.ActionAny {
				continue
			}
			if _, err := policy.ParseActionKind(string(a)); err != nil {
				return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Rule: r.Name, Err: fmt.Errorf("scope: %w", err)}
			}
		}
		if !policy.ValidatePattern(r.Pattern) {
			return nil, &policy.ConfigError{Source: s.Describe(), Index: i, Rule: r.Name, Err: fmt.Errorf("invalid glob pattern %q", r.Pattern)}
		}
		if r.Source == "" {
			r.Source = s.Describe()
		}
		out = append(out, r)
	}
	return out, nil
}

var (
	_ policy.RuleSource = (*PathSource)(nil)
	_ policy.RuleSource = StaticSource{}
)
