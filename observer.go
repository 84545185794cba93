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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/vogo/logger"
	"github.com/vogo/rwatch/internal/ignore"
	"github.com/vogo/rwatch/internal/task"
	"github.com/zoobzio/capitan"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of an Observer.
type State int32

const (
	StatePending State = iota
	StateActive
	StateDeleted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateDeleted || s == StateClosed
}

var errUnexpectedState = errors.New("unexpected observer state")

type listenerEntry struct {
	id       uint64
	owner    *Handle
	listener Listener
}

// Observer watches one absolute path and, for directories, owns a Handle on
// every non-ignored child. Observers are shared: every Handle created for the
// same path refers to the same Observer.
type Observer struct {
	path     string
	registry *Registry

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped by attach, reset and close
	gen       uint64 // bumped by every technique attach
	stat      *Stat
	config    Config
	matcher   *ignore.Matcher
	method    Method
	native    io.Closer
	chain     *fallback
	children  map[string]*Handle
	handles   map[*Handle]struct{}
	listeners []listenerEntry
	nextID    uint64
	pending   *batch
	held      bool

	attachMu  sync.Mutex
	runMu     sync.Mutex
	attaching singleflight.Group
}

func newObserver(r *Registry, path string) *Observer {
	cfg := DefaultConfig()
	matcher, _ := ignore.Compile(cfg.Options)

	return &Observer{
		path:     path,
		registry: r,
		config:   cfg,
		matcher:  matcher,
		children: make(map[string]*Handle),
		handles:  make(map[*Handle]struct{}),
	}
}

// Path returns the absolute path of the observer.
func (o *Observer) Path() string {
	return o.path
}

func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// Stat returns the last snapshot, nil before the first attach and after a
// delete.
func (o *Observer) Stat() *Stat {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.stat
}

func (o *Observer) Method() Method {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.method
}

// Children returns the base names of the watched children.
func (o *Observer) Children() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.children))
	for name := range o.children {
		names = append(names, name)
	}

	return names
}

func (o *Observer) settings() (Config, *ignore.Matcher) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.config.Clone(), o.matcher
}

func (o *Observer) configure(opts ...Option) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StatePending {
		return nil
	}

	cfg := o.config.Clone()
	for _, opt := range opts {
		opt(&cfg)
	}

	matcher, err := ignore.Compile(cfg.Options)
	if err != nil {
		return err
	}

	o.config = cfg
	o.matcher = matcher

	return nil
}

// inherit hands the parent's settings to a child that is not watching yet.
func (o *Observer) inherit(cfg Config, matcher *ignore.Matcher) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StatePending {
		o.config = cfg
		o.matcher = matcher
	}
}

func (o *Observer) current(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.currentLocked(epoch)
}

func (o *Observer) currentLocked(epoch uint64) bool {
	return o.state == StateActive && o.epoch == epoch
}

func (o *Observer) setStat(epoch uint64, st *Stat) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.epoch == epoch {
		o.stat = st
	}
}

func (o *Observer) addHandle(h *Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.terminal() {
		return false
	}

	o.handles[h] = struct{}{}

	return true
}

// releaseHandle detaches h with its listeners unless it is the last handle.
// The last handle stays attached so its listeners see the close event.
func (o *Observer) releaseHandle(h *Handle) (last bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.handles[h]; ok && len(o.handles) == 1 {
		return true
	}

	delete(o.handles, h)

	kept := o.listeners[:0]
	for _, l := range o.listeners {
		if l.owner != h {
			kept = append(kept, l)
		}
	}

	o.listeners = kept

	return len(o.handles) == 0
}

func (o *Observer) subscribe(h *Handle, l Listener) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	o.listeners = append(o.listeners, listenerEntry{id: o.nextID, owner: h, listener: l})

	return o.nextID
}

func (o *Observer) unsubscribe(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, l := range o.listeners {
		if l.id == id {
			o.listeners = append(o.listeners[:i:i], o.listeners[i+1:]...)

			return
		}
	}
}

func (o *Observer) emit(e Event) {
	if e.Path == "" {
		e.Path = o.path
	}

	o.mu.Lock()
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l.listener)
	}
	o.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

func (o *Observer) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Debugf("%s", msg)

	o.emit(Event{Kind: EventLog, Level: level, Message: msg, Args: args})
}

func (o *Observer) emitError(err error) {
	logger.Warnf("watch error on %s: %v", o.path, err)

	o.emit(Event{Kind: EventError, Err: err})
}

// watch attaches unless the observer is already active. Concurrent callers
// share the same attempt.
func (o *Observer) watch(ctx context.Context) error {
	_, err, _ := o.attaching.Do("watch", func() (any, error) {
		return nil, o.attach(ctx, false)
	})

	return err
}

// attach starts the observation. With reset it first tears down the current
// technique and children without closing the observer, then rebuilds them and
// reports the difference.
func (o *Observer) attach(ctx context.Context, reset bool) error {
	o.attachMu.Lock()
	defer o.attachMu.Unlock()

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state.terminal() || o.registry.isClosed() {
		return ErrClosed
	}

	if state == StateActive && !reset {
		return nil
	}

	var (
		previous *Stat
		before   map[string]*Stat
	)

	if reset {
		previous, before = o.teardown()
	}

	o.log("debug", "watch init: %s", o.path)

	if err := o.setup(ctx); err != nil {
		if reset {
			o.abandon(err, previous)
		}

		return err
	}

	if reset {
		o.reportRebuild(previous, before)
	}

	return nil
}

// abandon closes an observer whose reset failed, it must not stay pending
// with its technique and children already gone.
func (o *Observer) abandon(err error, previous *Stat) {
	if errors.Is(err, ErrClosed) || o.State().terminal() {
		return
	}

	if isNotExist(err) {
		final := changeEvent(Delete, o.path, nil, previous)
		o.close(ReasonDeleted, &final)

		return
	}

	o.emitError(err)
	o.close(ReasonResetFailure, nil)
}

func (o *Observer) setup(ctx context.Context) error {
	cfg, _ := o.settings()

	st, err := o.registry.fs.Stat(o.path, cfg.FollowLinks)
	if err != nil {
		o.log("debug", "watch stat failed: %s, %v", o.path, err)

		return fmt.Errorf("stat %s: %w", o.path, err)
	}

	chain := newFallback(o.path, cfg.methods(), o.registry.techniques)

	o.mu.Lock()
	o.epoch++
	o.gen++
	epoch, gen := o.epoch, o.gen
	o.stat = st
	o.chain = chain
	o.mu.Unlock()

	method, native, err := chain.next(cfg, o.signalFunc(epoch, gen))
	o.reportFailures(ctx, chain.failures)

	if err != nil {
		o.log("debug", "watch failed: %v", err)

		return err
	}

	o.mu.Lock()
	if o.state.terminal() || o.epoch != epoch {
		o.mu.Unlock()
		_ = native.Close()

		return ErrClosed
	}

	o.state = StateActive
	o.method = method
	o.native = native

	hold := cfg.Persistent && !o.held
	if hold {
		o.held = true
	}
	o.mu.Unlock()

	if hold {
		o.registry.hold()
	}

	o.log("debug", "watch via %s method on: %s", method, o.path)

	if st.IsDir() {
		if err := o.scan(ctx, epoch); err != nil {
			o.log("debug", "watch child failed on %s: %v", o.path, err)
			o.close(ReasonChildFailure, nil)

			return err
		}
	}

	capitan.Emit(ctx, ObserverActivated,
		KeyPath.Field(o.path),
		KeyMethod.Field(string(method)),
		KeyChildren.Field(len(o.Children())),
	)

	o.log("debug", "watch success on: %s", o.path)

	return nil
}

func (o *Observer) reportFailures(ctx context.Context, failures []MethodError) {
	for _, f := range failures {
		capitan.Emit(ctx, MethodFailed,
			KeyPath.Field(o.path),
			KeyMethod.Field(string(f.Method)),
			KeyError.Field(f.Err.Error()),
		)
	}
}

func (o *Observer) signalFunc(epoch, gen uint64) func(Signal) {
	return func(s Signal) {
		if s.Err != nil {
			go o.degrade(epoch, gen, s)

			return
		}

		o.notify(epoch, gen, s)
	}
}

// degrade replaces a technique that stopped working with the next untried
// one. Exhaustion closes the observer.
func (o *Observer) degrade(epoch, gen uint64, s Signal) {
	o.mu.Lock()
	if !o.currentLocked(epoch) || o.gen != gen {
		o.mu.Unlock()

		return
	}

	o.gen++
	gen = o.gen
	chain := o.chain
	native := o.native
	failed := o.method
	cfg := o.config.Clone()
	o.native = nil
	o.method = MethodNone
	o.mu.Unlock()

	if native != nil {
		_ = native.Close()
	}

	o.log("debug", "watch method %s failed on %s: %v", failed, o.path, s.Err)

	chain.fail(failed, s.Err)
	o.reportFailures(context.Background(), []MethodError{{Method: failed, Err: s.Err}})

	method, native, err := chain.next(cfg, o.signalFunc(epoch, gen))
	if err != nil {
		o.emitError(err)
		o.close(ReasonMethodFailure, nil)

		return
	}

	o.mu.Lock()
	if !o.currentLocked(epoch) || o.gen != gen {
		o.mu.Unlock()
		_ = native.Close()

		return
	}

	o.method = method
	o.native = native
	o.mu.Unlock()

	o.log("debug", "watch via %s method on: %s", method, o.path)

	// changes made while no technique was attached would go unnoticed.
	o.notify(epoch, gen, Signal{Method: method, Op: "resync", Name: o.path})
}

// scan attaches a child handle for every non-ignored entry of the directory.
func (o *Observer) scan(ctx context.Context, epoch uint64) error {
	cfg, matcher := o.settings()

	names, err := o.registry.fs.ReadDir(o.path)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", o.path, err)
	}

	steps := make([]task.Step, 0, len(names))

	for _, name := range names {
		abs := filepath.Join(o.path, name)
		if matcher.Match(abs) {
			o.log("debug", "watch ignored: %s", abs)

			continue
		}

		steps = append(steps, task.Step{Name: "watch " + abs, Run: func(ctx context.Context) error {
			_, err := o.watchChild(ctx, epoch, name)

			return err
		}})
	}

	return task.Parallel(ctx, cfg.Concurrency, steps...)
}

// watchChild creates, registers and watches the child handle of name. It
// returns a nil handle when the child is already known, vanished meanwhile
// or the observer moved on.
func (o *Observer) watchChild(ctx context.Context, epoch uint64, name string) (*Handle, error) {
	abs := filepath.Join(o.path, name)
	cfg, matcher := o.settings()

	child := o.registry.Create(abs)
	child.observer.inherit(cfg, matcher)

	o.mu.Lock()
	_, known := o.children[name]
	if known || !o.currentLocked(epoch) {
		o.mu.Unlock()
		child.Close(ReasonParentClosed)

		return nil, nil
	}

	o.children[name] = child
	o.mu.Unlock()

	child.Subscribe(func(e Event) {
		if e.Kind == EventClose {
			o.dropChild(name, child)

			return
		}

		o.emit(e)
	})

	if err := child.Watch(ctx); err != nil {
		o.dropChild(name, child)
		child.Close(ReasonChildFailure)

		if isNotExist(err) {
			o.log("debug", "watch child vanished: %s", abs)

			return nil, nil
		}

		return nil, fmt.Errorf("watch child %s: %w", abs, err)
	}

	return child, nil
}

func (o *Observer) dropChild(name string, child *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.children[name] == child {
		delete(o.children, name)
	}
}

// teardown puts an observer back to pending without closing it: the
// technique and the children are released, listeners and handles stay.
func (o *Observer) teardown() (*Stat, map[string]*Stat) {
	o.mu.Lock()
	previous := o.stat
	children := o.children
	native := o.native

	o.children = make(map[string]*Handle)
	o.native = nil
	o.method = MethodNone
	o.state = StatePending
	o.epoch++
	o.gen++
	o.cancelPendingLocked()
	o.mu.Unlock()

	before := make(map[string]*Stat, len(children))
	for name, child := range children {
		before[name] = child.Stat()
	}

	closeHandles(children, ReasonReset)

	if native != nil {
		_ = native.Close()
	}

	return previous, before
}

// reportRebuild emits what a reset changed: an update for a file, created
// and deleted children for a directory.
func (o *Observer) reportRebuild(previous *Stat, before map[string]*Stat) {
	current := o.Stat()
	if current == nil || previous == nil {
		return
	}

	if !current.IsDir() || !previous.IsDir() {
		o.log("debug", "watch emit update: %s", o.path)
		o.emit(changeEvent(Update, o.path, current, previous))
	}

	o.mu.Lock()
	after := make(map[string]*Stat, len(o.children))
	for name, child := range o.children {
		after[name] = child.Stat()
	}
	o.mu.Unlock()

	for name, st := range before {
		if _, ok := after[name]; !ok {
			o.emit(changeEvent(Delete, filepath.Join(o.path, name), nil, st))
		}
	}

	for name, st := range after {
		if _, ok := before[name]; !ok {
			o.emit(changeEvent(Create, filepath.Join(o.path, name), st, nil))
		}
	}
}

// close moves the observer to its terminal state exactly once. The final
// event, if any, is emitted right before the close event.
func (o *Observer) close(reason string, final *Event) bool {
	o.mu.Lock()
	if o.state.terminal() {
		o.mu.Unlock()

		return false
	}

	if reason == ReasonDeleted {
		o.state = StateDeleted
		o.stat = nil
	} else {
		o.state = StateClosed
	}

	o.epoch++
	o.gen++
	o.cancelPendingLocked()

	children := o.children
	native := o.native
	held := o.held

	o.children = make(map[string]*Handle)
	o.native = nil
	o.held = false
	o.mu.Unlock()

	closeHandles(children, reason)

	if native != nil {
		_ = native.Close()
	}

	if held {
		o.registry.unhold()
	}

	if final != nil {
		o.emit(*final)
	}

	o.log("debug", "watch closed because %s on: %s", reason, o.path)
	o.emit(Event{Kind: EventClose, Reason: reason})

	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.handles))
	for h := range o.handles {
		handles = append(handles, h)
	}

	o.handles = make(map[*Handle]struct{})
	o.listeners = nil
	o.mu.Unlock()

	for _, h := range handles {
		h.markClosed()
	}

	o.registry.release(o)

	capitan.Emit(context.Background(), ObserverClosed,
		KeyPath.Field(o.path),
		KeyReason.Field(reason),
	)

	return true
}

func closeHandles(handles map[string]*Handle, reason string) {
	steps := make([]task.Step, 0, len(handles))

	for _, h := range handles {
		steps = append(steps, task.Step{Name: "close " + h.Path(), Run: func(context.Context) error {
			h.Close(reason)

			return nil
		}})
	}

	_ = task.Parallel(context.Background(), 0, steps...)
}
