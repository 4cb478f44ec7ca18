// Package pipeline holds the authoritative set of collection configs and
// the path-matching engine that resolves observed filesystem paths to the
// config that should handle them.
package pipeline

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is one named collection config. It is owned by the Registry once
// inserted; other components hold non-owning references that stay valid
// until the consumer drain after the config's removal.
type Config struct {
	// Name uniquely identifies the config.
	Name string

	// Version is the monotonic, server-assigned version.
	Version int64

	// Definition is the raw YAML definition as fetched or loaded.
	Definition []byte

	// Spec is the match specification derived from the definition.
	Spec MatchSpec

	// ForceMulti marks a config that may match alongside others.
	ForceMulti bool

	// EnvSourced marks a definition that had environment variable
	// references expanded.
	EnvSourced bool
}

// Segment is one path component of a watch pattern.
type Segment struct {
	// Text is the literal text, or the wildcard expression.
	Text string

	// Wildcard is true when Text contains shell-style wildcards.
	Wildcard bool
}

// MatchSpec is the derived directory/file pattern of a config.
type MatchSpec struct {
	// BasePath is the longest literal prefix of the watched path.
	BasePath string

	// Segments is the full watched path, one entry per component.
	Segments []Segment

	// MaxDepth is how many directory levels below the pattern still
	// belong to the config. Zero means the pattern directory only.
	MaxDepth int

	// FilePattern optionally restricts matches to file names matching a
	// shell pattern, e.g. "*.log".
	FilePattern string
}

// WatchDepth reports how many directory levels below BasePath can hold
// matching files: the wildcard tail of the pattern plus MaxDepth.
func (s *MatchSpec) WatchDepth() int {
	return len(s.Segments) - len(splitPath(s.BasePath)) + s.MaxDepth
}

// definition is the subset of the raw YAML the matching engine interprets.
// Processing settings are carried opaquely in Definition.
type definition struct {
	Path        string `yaml:"path"`
	MaxDepth    *int   `yaml:"maxDepth"`
	FilePattern string `yaml:"filePattern"`
	ForceMulti  bool   `yaml:"forceMultiConfig"`
	EnvSourced  bool   `yaml:"envSourced"`
}

// ParseDefinition builds a Config from a raw YAML definition. Definitions
// flagged envSourced have ${VAR} and $VAR references expanded from the
// process environment before the match spec is derived.
func ParseDefinition(name string, version int64, raw []byte) (*Config, error) {
	if name == "" {
		return nil, fmt.Errorf("config name cannot be empty")
	}

	var def definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("config %s: invalid definition: %w", name, err)
	}

	if def.EnvSourced {
		raw = ExpandEnvRefs(raw)
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("config %s: invalid definition after env expansion: %w", name, err)
		}
	}

	if def.Path == "" {
		return nil, fmt.Errorf("config %s: path is required", name)
	}

	maxDepth := 0
	if def.MaxDepth != nil {
		if *def.MaxDepth < 0 {
			return nil, fmt.Errorf("config %s: maxDepth cannot be negative", name)
		}
		maxDepth = *def.MaxDepth
	}

	spec, err := deriveMatchSpec(def.Path, maxDepth, def.FilePattern)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}

	return &Config{
		Name:       name,
		Version:    version,
		Definition: raw,
		Spec:       spec,
		ForceMulti: def.ForceMulti,
		EnvSourced: def.EnvSourced,
	}, nil
}

// ExpandEnvRefs replaces ${VAR} and bare $VAR references with the value
// from the process environment. Unset variables expand to the empty
// string; a dollar sign not followed by a variable name stays literal.
func ExpandEnvRefs(raw []byte) []byte {
	return []byte(os.Expand(string(raw), os.Getenv))
}

// deriveMatchSpec splits the watched path into segments and computes the
// literal base path.
func deriveMatchSpec(watchPath string, maxDepth int, filePattern string) (MatchSpec, error) {
	cleaned := path.Clean(watchPath)
	if !strings.HasPrefix(cleaned, "/") {
		return MatchSpec{}, fmt.Errorf("path must be absolute, got %q", watchPath)
	}

	parts := splitPath(cleaned)
	segments := make([]Segment, 0, len(parts))
	for _, p := range parts {
		segments = append(segments, Segment{
			Text:     p,
			Wildcard: strings.ContainsAny(p, "*?["),
		})
	}

	base := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Wildcard {
			break
		}
		base = append(base, seg.Text)
	}

	return MatchSpec{
		BasePath:    "/" + strings.Join(base, "/"),
		Segments:    segments,
		MaxDepth:    maxDepth,
		FilePattern: filePattern,
	}, nil
}

// splitPath returns the components of a cleaned absolute path; "/" yields
// an empty slice.
func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchDirectory reports whether dir falls under this spec and, if so,
// the specificity of the match. Literal segments outscore wildcard
// segments; among equal literal counts, a longer literal prefix wins.
func (s *MatchSpec) matchDirectory(dir string) (specificity, bool) {
	dirSegs := splitPath(path.Clean(dir))
	n := len(s.Segments)
	if len(dirSegs) < n || len(dirSegs)-n > s.MaxDepth {
		return specificity{}, false
	}

	literals := 0
	prefix := 0
	inPrefix := true
	for i, seg := range s.Segments {
		if seg.Wildcard {
			ok, err := path.Match(seg.Text, dirSegs[i])
			if err != nil || !ok {
				return specificity{}, false
			}
			inPrefix = false
			continue
		}
		if seg.Text != dirSegs[i] {
			return specificity{}, false
		}
		literals++
		if inPrefix {
			prefix++
		}
	}

	return specificity{literals: literals, prefix: prefix}, true
}

// matchFile reports whether the file name satisfies the spec's file
// pattern. An empty pattern accepts any name.
func (s *MatchSpec) matchFile(name string) bool {
	if s.FilePattern == "" {
		return true
	}
	ok, err := path.Match(s.FilePattern, name)
	return err == nil && ok
}

// specificity ranks how literally a pattern matched a directory.
type specificity struct {
	literals int
	prefix   int
}

// beats reports whether a is strictly more specific than b.
func (a specificity) beats(b specificity) bool {
	if a.literals != b.literals {
		return a.literals > b.literals
	}
	return a.prefix > b.prefix
}

// equals reports whether two matches are equally specific.
func (a specificity) equals(b specificity) bool {
	return a.literals == b.literals && a.prefix == b.prefix
}
