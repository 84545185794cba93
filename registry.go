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

// Package rwatch observes files and directory trees and reports normalized
// create, update and delete events.
package rwatch

import (
	"context"
	"sync"

	"github.com/vogo/gstop"
	"github.com/vogo/rwatch/internal/task"
	"github.com/zoobzio/clockz"
)

// Registry maps absolute paths to their single Observer. It is a watch
// session: it owns the shared techniques and everything they started.
type Registry struct {
	mu        sync.Mutex
	observers map[string]*Observer
	closed    bool

	fs         FS
	clock      clockz.Clock
	stopper    *gstop.Stopper
	techniques map[Method]Technique

	// persistent counts active observers with Config.Persistent, idle is
	// closed whenever it drops to zero.
	persistent int
	idle       chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock driving debounce and polling timers.
func WithClock(clock clockz.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithFS replaces the filesystem access.
func WithFS(fs FS) RegistryOption {
	return func(r *Registry) {
		r.fs = fs
	}
}

// WithTechnique registers or replaces the technique behind a method.
func WithTechnique(method Method, technique Technique) RegistryOption {
	return func(r *Registry) {
		r.techniques[method] = technique
	}
}

// NewRegistry creates an empty watch session.
func NewRegistry(opts ...RegistryOption) *Registry {
	idle := make(chan struct{})
	close(idle)

	r := &Registry{
		observers:  make(map[string]*Observer),
		fs:         OSFS,
		clock:      clockz.RealClock,
		stopper:    gstop.New(),
		techniques: make(map[Method]Technique, len(DefaultMethods)),
		idle:       idle,
	}

	for _, opt := range opts {
		opt(r)
	}

	if _, ok := r.techniques[MethodEvent]; !ok {
		r.techniques[MethodEvent] = newEventSource(r.stopper)
	}

	if _, ok := r.techniques[MethodPoll]; !ok {
		r.techniques[MethodPoll] = newPoller(r.stopper, r.clock, r.fs)
	}

	return r
}

// Default is the process-wide registry behind Create, Open and Watch.
var Default = NewRegistry()

// Create returns a new Handle on the Observer of path, creating the Observer
// if the path is not observed yet.
func Create(path string) *Handle {
	return Default.Create(path)
}

// Open creates a Handle, subscribes onChange to its change events and watches.
func Open(path string, onChange Listener) (*Handle, error) {
	return Default.Open(path, onChange)
}

// Watch watches several root paths with the same options.
func Watch(ctx context.Context, paths []string, opts ...Option) ([]*Handle, error) {
	return Default.Watch(ctx, paths, opts...)
}

func (r *Registry) Create(path string) *Handle {
	path = absPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handle{}

	for {
		o := r.observers[path]
		if o == nil {
			o = newObserver(r, path)
			r.observers[path] = o
		}

		// a closing observer is replaced rather than revived.
		if o.addHandle(h) {
			h.observer = o

			return h
		}

		delete(r.observers, path)
	}
}

func (r *Registry) Open(path string, onChange Listener) (*Handle, error) {
	h := r.Create(path)

	h.Subscribe(func(e Event) {
		if e.Kind == EventChange {
			onChange(e)
		}
	})

	if err := h.Watch(context.Background()); err != nil {
		h.Close("")

		return nil, err
	}

	return h, nil
}

func (r *Registry) Watch(ctx context.Context, paths []string, opts ...Option) ([]*Handle, error) {
	handles := make([]*Handle, len(paths))
	steps := make([]task.Step, 0, len(paths))

	for i, path := range paths {
		h := r.Create(path)
		handles[i] = h

		if err := h.SetConfig(opts...); err != nil {
			closeAll(handles)

			return nil, err
		}

		steps = append(steps, task.Step{Name: "watch " + path, Run: h.Watch})
	}

	if err := task.Parallel(ctx, 0, steps...); err != nil {
		closeAll(handles)

		return nil, err
	}

	return handles, nil
}

func closeAll(handles []*Handle) {
	for _, h := range handles {
		if h != nil {
			h.Close("")
		}
	}
}

// Technique returns the technique registered for method.
func (r *Registry) Technique(method Method) (Technique, bool) {
	t, ok := r.techniques[method]

	return t, ok
}

// Lookup returns the live Observer of path, if any.
func (r *Registry) Lookup(path string) (*Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.observers[absPath(path)]
	if !ok || o.State().terminal() {
		return nil, false
	}

	return o, true
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.observers)
}

func (r *Registry) release(o *Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.observers[o.path] == o {
		delete(r.observers, o.path)
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *Registry) hold() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistent == 0 {
		r.idle = make(chan struct{})
	}

	r.persistent++
}

func (r *Registry) unhold() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.persistent--
	if r.persistent == 0 {
		close(r.idle)
	}
}

// Wait blocks until no persistent observer is active or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every observer and stops the shared techniques.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}

	r.closed = true
	observers := make([]*Observer, 0, len(r.observers))

	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, o := range observers {
		o.close(ReasonRegistryClosed, nil)
	}

	r.stopper.Stop()
}
