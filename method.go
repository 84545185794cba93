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
	"errors"
	"fmt"
	"io"
	"strings"
)

// Method names an observation technique.
type Method string

const (
	MethodNone  Method = ""
	MethodEvent Method = "event"
	MethodPoll  Method = "poll"
)

func (m Method) valid() bool {
	return m == MethodEvent || m == MethodPoll
}

var (
	// ErrUnknownMethod is returned for a method without a registered technique.
	ErrUnknownMethod = errors.New("unknown watch method")

	// ErrClosed is returned when watching through a closed handle or registry.
	ErrClosed = errors.New("watcher closed")
)

// Signal is a raw notification from a technique. Op and Name are hints only,
// they are neither reliable nor complete. A non-nil Err reports that the
// technique stopped working for the path.
type Signal struct {
	Method Method
	Op     string
	Name   string
	Err    error
}

// Technique attaches a low-level change source to a path. Attach returns the
// resource that detaches it again, signal may be called from any goroutine.
type Technique interface {
	Attach(path string, cfg Config, signal func(Signal)) (io.Closer, error)
}

// MethodError is the failure of one technique.
type MethodError struct {
	Method Method
	Err    error
}

func (e MethodError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// ExhaustedError is returned when every preferred technique failed.
type ExhaustedError struct {
	Path     string
	Failures []MethodError
}

func (e *ExhaustedError) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, f.Error())
	}

	return fmt.Sprintf("no watch methods left to try on %s, failures are:\n%s", e.Path, strings.Join(lines, "\n"))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}

// fallback walks the preferred methods in order. It keeps its position and
// the failures so far, a later next continues with the untried methods.
type fallback struct {
	path       string
	remaining  []Method
	failures   []MethodError
	techniques map[Method]Technique
}

func newFallback(path string, methods []Method, techniques map[Method]Technique) *fallback {
	return &fallback{
		path:       path,
		remaining:  append([]Method(nil), methods...),
		techniques: techniques,
	}
}

// next attaches the first remaining method that succeeds.
func (f *fallback) next(cfg Config, signal func(Signal)) (Method, io.Closer, error) {
	for len(f.remaining) > 0 {
		method := f.remaining[0]
		f.remaining = f.remaining[1:]

		technique, ok := f.techniques[method]
		if !ok {
			f.failures = append(f.failures, MethodError{Method: method, Err: ErrUnknownMethod})

			continue
		}

		closer, err := technique.Attach(f.path, cfg, signal)
		if err != nil {
			f.failures = append(f.failures, MethodError{Method: method, Err: err})

			continue
		}

		return method, closer, nil
	}

	return MethodNone, nil, &ExhaustedError{Path: f.path, Failures: append([]MethodError(nil), f.failures...)}
}

// fail records a failure reported by an attached method.
func (f *fallback) fail(method Method, err error) {
	f.failures = append(f.failures, MethodError{Method: method, Err: err})
}
