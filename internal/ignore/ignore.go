/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ignore decides which paths a watcher skips.
package ignore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidPattern indicates a custom pattern could not be compiled.
var ErrInvalidPattern = errors.New("invalid ignore pattern")

// CommonPatterns are base-name globs for files nobody wants to watch:
// editor swap and backup files, VCS metadata and OS droppings.
var CommonPatterns = []string{
	"*~",
	".*.sw[a-p]",
	"*.sw[a-p]",
	".#*",
	"#*#",
	"*.tmp",
	".git",
	".svn",
	".hg",
	"CVS",
	".DS_Store",
	"._*",
	".Spotlight-V100",
	".Trashes",
	"Thumbs.db",
	"ehthumbs.db",
	"desktop.ini",
	"npm-debug.log",
}

// Options is the ignore part of a watch configuration.
type Options struct {
	// IgnorePaths are absolute paths skipped together with everything below them.
	IgnorePaths []string `yaml:"ignore_paths"`

	// IgnoreHiddenFiles skips base names starting with a dot.
	IgnoreHiddenFiles bool `yaml:"ignore_hidden_files"`

	// IgnoreCommonPatterns skips base names matching CommonPatterns.
	IgnoreCommonPatterns bool `yaml:"ignore_common_patterns"`

	// IgnoreCustomPatterns are globs matched against the full path and the base name.
	IgnoreCustomPatterns []string `yaml:"ignore_custom_patterns"`
}

// Clone returns a copy that shares no slices with o.
func (o Options) Clone() Options {
	c := o
	c.IgnorePaths = append([]string(nil), o.IgnorePaths...)
	c.IgnoreCustomPatterns = append([]string(nil), o.IgnoreCustomPatterns...)

	return c
}

// Matcher is a compiled, immutable ignore predicate.
type Matcher struct {
	paths  []string
	hidden bool
	common []glob.Glob
	custom []glob.Glob
}

var commonGlobs = mustCompile(CommonPatterns)

// Compile builds a Matcher for opts.
func Compile(opts Options) (*Matcher, error) {
	m := &Matcher{hidden: opts.IgnoreHiddenFiles}

	for _, p := range opts.IgnorePaths {
		if p == "" {
			continue
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("ignore path %s: %w", p, err)
		}

		m.paths = append(m.paths, abs)
	}

	if opts.IgnoreCommonPatterns {
		m.common = commonGlobs
	}

	custom, err := compile(opts.IgnoreCustomPatterns)
	if err != nil {
		return nil, err
	}

	m.custom = custom

	return m, nil
}

// Match reports whether path should be skipped. A nil Matcher matches nothing.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return false
	}

	path = filepath.Clean(path)
	base := filepath.Base(path)

	for _, p := range m.paths {
		if path == p || strings.HasPrefix(path, p+string(os.PathSeparator)) {
			return true
		}
	}

	if m.hidden && strings.HasPrefix(base, ".") {
		return true
	}

	for _, g := range m.common {
		if g.Match(base) {
			return true
		}
	}

	for _, g := range m.custom {
		if g.Match(path) || g.Match(base) {
			return true
		}
	}

	return false
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, os.PathSeparator)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
		}

		globs = append(globs, g)
	}

	return globs, nil
}

func mustCompile(patterns []string) []glob.Glob {
	globs, err := compile(patterns)
	if err != nil {
		panic(err)
	}

	return globs
}
