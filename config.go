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

package rwatch

import (
	"fmt"
	"os"
	"time"

	"github.com/vogo/rwatch/internal/ignore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInterval     = 5007 * time.Millisecond
	DefaultCatchupDelay = 2000 * time.Millisecond
)

// DefaultMethods is the technique order used when none is configured.
var DefaultMethods = []Method{MethodEvent, MethodPoll}

// Config holds the resolved options of an Observer. Children receive a clone
// of their parent's Config when they are created.
type Config struct {
	// Interval is the polling period of the poll method.
	Interval time.Duration `yaml:"interval"`

	// Persistent observers keep Registry.Wait blocked while active.
	Persistent bool `yaml:"persistent"`

	// CatchupDelay is the quiet period after the last raw signal before the
	// change is reconciled. Swap-file saves settle into a single update
	// instead of a delete and a create.
	CatchupDelay time.Duration `yaml:"catchup_delay"`

	// PreferredMethods is the order in which techniques are attempted.
	PreferredMethods []Method `yaml:"preferred_methods"`

	// FollowLinks selects stat over lstat.
	FollowLinks bool `yaml:"follow_links"`

	// Concurrency bounds parallel child attaches during a scan, 0 is unlimited.
	Concurrency int `yaml:"concurrency"`

	ignore.Options `yaml:",inline"`
}

// DefaultConfig returns the configuration of a freshly created Observer.
func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		Persistent:       true,
		CatchupDelay:     DefaultCatchupDelay,
		PreferredMethods: append([]Method(nil), DefaultMethods...),
		FollowLinks:      true,
		Options: ignore.Options{
			IgnoreCommonPatterns: true,
		},
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	cc := c
	cc.PreferredMethods = append([]Method(nil), c.PreferredMethods...)
	cc.Options = c.Options.Clone()

	return cc
}

func (c Config) methods() []Method {
	if len(c.PreferredMethods) == 0 {
		return DefaultMethods
	}

	return c.PreferredMethods
}

// Option changes one field of a Config.
type Option func(*Config)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Interval = d
	}
}

// WithPersistent sets whether observers keep Registry.Wait blocked.
func WithPersistent(persistent bool) Option {
	return func(c *Config) {
		c.Persistent = persistent
	}
}

// WithCatchupDelay sets the debounce window.
func WithCatchupDelay(d time.Duration) Option {
	return func(c *Config) {
		c.CatchupDelay = d
	}
}

// WithPreferredMethods sets the technique order.
func WithPreferredMethods(methods ...Method) Option {
	return func(c *Config) {
		c.PreferredMethods = append([]Method(nil), methods...)
	}
}

// WithFollowLinks selects stat (true) or lstat (false).
func WithFollowLinks(follow bool) Option {
	return func(c *Config) {
		c.FollowLinks = follow
	}
}

// WithConcurrency bounds parallel child attaches.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithIgnorePaths skips the given absolute paths and everything below them.
func WithIgnorePaths(paths ...string) Option {
	return func(c *Config) {
		c.IgnorePaths = append([]string(nil), paths...)
	}
}

// WithIgnoreHiddenFiles skips dot files.
func WithIgnoreHiddenFiles(ignoreHidden bool) Option {
	return func(c *Config) {
		c.IgnoreHiddenFiles = ignoreHidden
	}
}

// WithIgnoreCommonPatterns skips swap files, VCS directories and the like.
func WithIgnoreCommonPatterns(ignoreCommon bool) Option {
	return func(c *Config) {
		c.IgnoreCommonPatterns = ignoreCommon
	}
}

// WithIgnoreCustomPatterns skips paths matching any of the globs.
func WithIgnoreCustomPatterns(patterns ...string) Option {
	return func(c *Config) {
		c.IgnoreCustomPatterns = append([]string(nil), patterns...)
	}
}

// WithConfig replaces the whole configuration, e.g. one read by LoadConfigFile.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg.Clone()
	}
}

// LoadConfigFile reads a YAML configuration. Missing keys keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, m := range cfg.PreferredMethods {
		if !m.valid() {
			return cfg, fmt.Errorf("config %s: %w: %q", path, ErrUnknownMethod, m)
		}
	}

	return cfg, nil
}
