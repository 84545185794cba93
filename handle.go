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
	"context"
	"sync"
)

// Handle is one reference to a shared Observer. The Observer lives as long as
// at least one Handle is open, unless its path is deleted.
type Handle struct {
	observer *Observer

	mu     sync.Mutex
	closed bool
}

// Path returns the absolute path being observed.
func (h *Handle) Path() string {
	return h.observer.path
}

func (h *Handle) State() State {
	return h.observer.State()
}

func (h *Handle) Stat() *Stat {
	return h.observer.Stat()
}

// Method returns the technique currently serving the observer.
func (h *Handle) Method() Method {
	return h.observer.Method()
}

// Observer returns the shared observer behind the handle.
func (h *Handle) Observer() *Observer {
	return h.observer
}

// SetConfig applies options to the observer. Options only take effect while
// the observer is pending, an observer already watching keeps its config.
func (h *Handle) SetConfig(opts ...Option) error {
	if h.isClosed() {
		return ErrClosed
	}

	return h.observer.configure(opts...)
}

// Subscribe adds a listener for every event of the observer. The listener is
// removed by the returned cancel func or when the handle closes.
func (h *Handle) Subscribe(listener Listener) (cancel func()) {
	if h.isClosed() {
		return func() {}
	}

	id := h.observer.subscribe(h, listener)

	var once sync.Once

	return func() {
		once.Do(func() {
			h.observer.unsubscribe(id)
		})
	}
}

// Watch starts observing. It returns once the path and, for a directory,
// every descendant is being watched.
func (h *Handle) Watch(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}

	return h.observer.watch(ctx)
}

// Reset drops the current technique and children and attaches again.
func (h *Handle) Reset(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}

	return h.observer.attach(ctx, true)
}

// Close detaches the handle. The observer closes with reason when this was
// its last handle, or in any case when reason is ReasonDeleted, and the
// handle's listeners then receive that close event. An empty reason defaults
// to ReasonHandlesGone.
func (h *Handle) Close(reason string) {
	h.close(reason, nil)
}

func (h *Handle) close(reason string, final *Event) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return false
	}

	h.closed = true
	h.mu.Unlock()

	if reason == "" {
		reason = ReasonHandlesGone
	}

	o := h.observer

	// the closing observer detaches every handle itself, this one keeps
	// its listeners until the final events are out.
	if reason == ReasonDeleted {
		return o.close(reason, final)
	}

	if !o.releaseHandle(h) {
		return false
	}

	return o.close(reason, final)
}

func (h *Handle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}
