// Package classifier maps a watched path to the policy category that
// governs it, from config-driven glob patterns compiled once at
// startup.
package classifier

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

type compiledCategory struct {
	name     string
	patterns []string
}

// Classifier implements domain.Classifier. Categories are checked in
// a stable order (the order they were registered) so that the first
// matching glob wins deterministically.
type Classifier struct {
	logger     *zap.Logger
	categories []compiledCategory
	policies   map[string]domain.Policy
}

var _ domain.Classifier = (*Classifier)(nil)

// New compiles monitoring.<category> patterns into an ordered match
// list. categoryOrder fixes iteration order since Go map iteration is
// randomized and classification must be deterministic.
func New(logger *zap.Logger, patternsByCategory map[string][]string, policies map[string]domain.Policy, categoryOrder []string) *Classifier {
	order := categoryOrder
	if len(order) == 0 {
		order = make([]string, 0, len(patternsByCategory))
		for name := range patternsByCategory {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	c := &Classifier{logger: logger, policies: policies}
	for _, name := range order {
		c.categories = append(c.categories, compiledCategory{name: name, patterns: patternsByCategory[name]})
	}
	return c
}

// Categorize returns the first category whose glob patterns match
// path, or "" if none do. An unclassified path is not tracked.
func (c *Classifier) Categorize(path string) string {
	for _, cat := range c.categories {
		for _, pattern := range cat.patterns {
			matched, err := filepath.Match(pattern, path)
			if err != nil {
				c.logger.Warn("invalid glob pattern", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			if matched {
				return cat.name
			}
		}
	}
	return ""
}

// Expand resolves patterns to the currently-existing, absolute paths
// they match, recording the owning category on each.
func (c *Classifier) Expand(category string, patterns []string) ([]domain.WatchedPath, error) {
	seen := make(map[string]struct{})
	var out []domain.WatchedPath

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			c.logger.Warn("failed to expand glob pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if len(matches) == 0 && !containsGlobMeta(pattern) {
			matches = []string{pattern}
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			if !pathExists(m) {
				c.logger.Debug("watched path does not exist, skipping", zap.String("path", m))
				continue
			}
			seen[m] = struct{}{}
			out = append(out, domain.WatchedPath{Path: m, Category: category})
		}
	}
	return out, nil
}

// PolicyFor returns the registered Policy for category.
func (c *Classifier) PolicyFor(category string) (domain.Policy, bool) {
	p, ok := c.policies[category]
	return p, ok
}

func containsGlobMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
