package web

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JonMunkholm/reconcile/internal/core"
)

// parseLoadOptions applies the query parameters of r to base.
//
//	mode                replace | merge | skip_conflicts
//	acceptQL            quality mask, 0 for standard mode
//	skipInvalid         drop rows failing field or object rules
//	validateFields      run field rules
//	validateConstraints run object rules
//	dir                 source directory override, within one of roots
//	force               run importAll despite missing dependencies
func parseLoadOptions(r *http.Request, base core.LoadOptions, roots ...string) (core.LoadOptions, error) {
	q := r.URL.Query()
	opts := base

	if v := q.Get("mode"); v != "" {
		mode, err := core.ParseMode(v)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	if v := q.Get("acceptQL"); v != "" {
		mask, err := strconv.ParseInt(v, 10, 64)
		if err != nil || mask < 0 {
			return opts, fmt.Errorf("invalid acceptQL %q: expected a non-negative bit mask", v)
		}
		opts.AcceptQL = mask
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"skipInvalid", &opts.SkipInvalid},
		{"validateFields", &opts.ValidateFields},
		{"validateConstraints", &opts.ValidateConstraints},
		{"force", &opts.Force},
	}
	for _, b := range bools {
		v := q.Get(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q: expected true or false", b.name, v)
		}
		*b.dst = parsed
	}

	if v := q.Get("dir"); v != "" {
		dir, err := sourceDir(v, roots)
		if err != nil {
			return opts, err
		}
		opts.Dir = dir
	}
	return opts, nil
}

// sourceDir accepts dir only when it lies within one of roots.
func sourceDir(dir string, roots []string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid dir %q: %w", dir, err)
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		base, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return abs, nil
	}
	return "", fmt.Errorf("invalid dir %q: must lie within the seed, import or backup directory", dir)
}

// parseIntParam parses a positive integer query parameter with a default.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
