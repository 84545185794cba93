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
	"io"
	"path/filepath"
	"sync"

	"github.com/vogo/fsnotify"
	"github.com/vogo/gstop"
	"github.com/vogo/logger"
)

var errEventSourceClosed = errors.New("fsnotify event channel closed")

// eventSource is the event-driven technique. A single fsnotify watcher is
// shared by every observer of a registry and events are routed by path.
type eventSource struct {
	mu      sync.Mutex
	stopper *gstop.Stopper
	watcher *fsnotify.Watcher
	subs    map[string]map[uint64]func(Signal)
	nextID  uint64
	closed  bool
}

func newEventSource(stopper *gstop.Stopper) *eventSource {
	es := &eventSource{
		stopper: stopper,
		subs:    make(map[string]map[uint64]func(Signal)),
	}

	stopper.Defer(es.close)

	return es
}

func (es *eventSource) Attach(path string, _ Config, signal func(Signal)) (io.Closer, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return nil, ErrClosed
	}

	if es.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}

		es.watcher = w

		go es.loop(w)
	}

	subs := es.subs[path]
	if len(subs) == 0 {
		if err := addWatch(es.watcher, path); err != nil {
			return nil, err
		}

		subs = make(map[uint64]func(Signal))
		es.subs[path] = subs
	}

	es.nextID++
	subs[es.nextID] = signal

	logger.Debugf("fs watch added: %s", path)

	return &eventSubscription{source: es, path: path, id: es.nextID}, nil
}

func (es *eventSource) loop(w *fsnotify.Watcher) {
	for {
		select {
		case <-es.stopper.C:
			return
		case event, ok := <-w.Events:
			if !ok {
				es.fail(errEventSourceClosed)

				return
			}

			es.dispatch(event)
		case err, ok := <-w.Errors:
			if !ok {
				es.fail(errEventSourceClosed)

				return
			}

			// events may have been dropped, every observer has to look again.
			logger.Warnf("fs watch error: %v", err)
			es.broadcast(Signal{Method: MethodEvent, Op: "resync"})
		}
	}
}

func (es *eventSource) dispatch(event fsnotify.Event) {
	if event.Name == "" || event.Name == "." {
		return
	}

	signal := Signal{Method: MethodEvent, Op: event.Op.String(), Name: event.Name}

	es.mu.Lock()
	callbacks := es.callbacksLocked(event.Name)
	callbacks = append(callbacks, es.callbacksLocked(filepath.Dir(event.Name))...)
	es.mu.Unlock()

	for _, callback := range callbacks {
		callback(signal)
	}
}

func (es *eventSource) broadcast(signal Signal) {
	es.mu.Lock()
	callbacks := make([]func(Signal), 0, len(es.subs))
	for path := range es.subs {
		callbacks = append(callbacks, es.callbacksLocked(path)...)
	}
	es.mu.Unlock()

	for _, callback := range callbacks {
		callback(signal)
	}
}

// fail reports a dead fsnotify watcher to every subscriber and forgets it, so
// that the next Attach starts a new one.
func (es *eventSource) fail(err error) {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()

		return
	}

	w := es.watcher
	es.watcher = nil

	callbacks := make([]func(Signal), 0, len(es.subs))
	for path := range es.subs {
		callbacks = append(callbacks, es.callbacksLocked(path)...)
	}

	es.subs = make(map[string]map[uint64]func(Signal))
	es.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}

	logger.Errorf("fs watch stopped: %v", err)

	for _, callback := range callbacks {
		callback(Signal{Method: MethodEvent, Err: err})
	}
}

func (es *eventSource) callbacksLocked(path string) []func(Signal) {
	subs := es.subs[path]
	if len(subs) == 0 {
		return nil
	}

	callbacks := make([]func(Signal), 0, len(subs))
	for _, callback := range subs {
		callbacks = append(callbacks, callback)
	}

	return callbacks
}

func (es *eventSource) remove(path string, id uint64) {
	es.mu.Lock()
	defer es.mu.Unlock()

	subs, ok := es.subs[path]
	if !ok {
		return
	}

	delete(subs, id)

	if len(subs) > 0 {
		return
	}

	delete(es.subs, path)

	if es.watcher != nil {
		// the kernel drops watches of deleted paths by itself.
		if err := es.watcher.Remove(path); err != nil {
			logger.Debugf("fs watch remove error: %v, path: %s", err, path)
		}
	}

	logger.Debugf("fs watch removed: %s", path)
}

func (es *eventSource) close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return
	}

	es.closed = true
	es.subs = make(map[string]map[uint64]func(Signal))

	if es.watcher != nil {
		_ = es.watcher.Close()
		es.watcher = nil
	}
}

type eventSubscription struct {
	source *eventSource
	path   string
	id     uint64
	once   sync.Once
}

func (s *eventSubscription) Close() error {
	s.once.Do(func() {
		s.source.remove(s.path, s.id)
	})

	return nil
}
