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
	"path/filepath"

	"github.com/vogo/rwatch/internal/task"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// batch collects the raw signals of one debounce window.
type batch struct {
	epoch   uint64
	signals int
	waiters []chan error
	timer   clockz.Timer
	abort   chan struct{}
}

func (b *batch) resolve(err error) {
	for _, w := range b.waiters {
		w <- err
	}

	b.waiters = nil
}

// notify records a raw signal. The returned channel receives the result of
// the reconciliation run that covers it, nil for a discarded signal.
func (o *Observer) notify(epoch, gen uint64, s Signal) <-chan error {
	done := make(chan error, 1)

	o.mu.Lock()
	if !o.currentLocked(epoch) || o.gen != gen {
		o.mu.Unlock()
		done <- nil

		return done
	}

	delay := o.config.CatchupDelay

	b := o.pending
	if b == nil {
		b = &batch{
			epoch: epoch,
			timer: o.registry.clock.NewTimer(delay),
			abort: make(chan struct{}),
		}
		o.pending = b

		go o.await(b)
	} else {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C():
			default:
			}
		}

		b.timer.Reset(delay)
	}

	b.signals++
	b.waiters = append(b.waiters, done)
	o.mu.Unlock()

	o.log("debug", "watch via %s method fired on: %s", s.Method, o.path)

	return done
}

func (o *Observer) await(b *batch) {
	select {
	case <-b.timer.C():
	case <-b.abort:
		return
	}

	o.mu.Lock()
	if o.pending != b {
		o.mu.Unlock()

		return
	}

	// later signals open a new batch.
	o.pending = nil
	o.mu.Unlock()

	o.run(b)
}

func (o *Observer) cancelPendingLocked() {
	b := o.pending
	if b == nil {
		return
	}

	o.pending = nil
	b.timer.Stop()
	close(b.abort)
	b.resolve(nil)
}

func (o *Observer) run(b *batch) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	started := o.registry.clock.Now()

	err := o.reconcile(context.Background(), b.epoch)
	if err != nil {
		o.emitError(err)
	}

	b.resolve(err)

	capitan.Emit(context.Background(), ObserverReconciled,
		KeyPath.Field(o.path),
		KeySignals.Field(b.signals),
		KeyDuration.Field(o.registry.clock.Since(started)),
	)
}

// reconcile works out what a batch of signals actually changed. Every step
// gives up once the observer closed or was reset since the batch started.
func (o *Observer) reconcile(ctx context.Context, epoch uint64) error {
	var (
		current, previous *Stat
		cfg               Config
	)

	return task.Series(ctx,
		task.Step{Name: "check if the path still exists", Run: func(context.Context) error {
			if !o.current(epoch) {
				o.log("debug", "watch discarded on: %s", o.path)

				return task.ErrSkipRemaining
			}

			cfg, _ = o.settings()
			previous = o.Stat()

			st, err := o.registry.fs.Stat(o.path, cfg.FollowLinks)
			if err != nil {
				if !isNotExist(err) {
					return err
				}

				o.log("debug", "watch emit delete: %s", o.path)

				final := changeEvent(Delete, o.path, nil, previous)
				o.close(ReasonDeleted, &final)

				return task.ErrSkipRemaining
			}

			current = st

			return nil
		}},
		task.Step{Name: "check if the path has changed", Run: func(ctx context.Context) error {
			if !o.current(epoch) {
				return task.ErrSkipRemaining
			}

			if current == nil || previous == nil {
				return errUnexpectedState
			}

			if !sameFile(current, previous) {
				o.log("debug", "watch found replaced path: %s", o.path)

				return o.replace(ctx)
			}

			o.setStat(epoch, current)

			// directories are always listed again, a child may have been
			// renamed without touching the directory mtime.
			if current.IsDir() {
				return nil
			}

			if modified(current, previous) {
				return nil
			}

			o.log("debug", "watch found nothing changed: %s", o.path)

			return task.ErrSkipRemaining
		}},
		task.Step{Name: "check what has changed", Run: func(ctx context.Context) error {
			if !o.current(epoch) {
				return task.ErrSkipRemaining
			}

			if !current.IsDir() {
				o.log("debug", "watch emit update: %s", o.path)
				o.emit(changeEvent(Update, o.path, current, previous))

				return nil
			}

			return o.diff(ctx, epoch)
		}},
	)
}

// replace rebuilds the observation of a path whose inode changed. A failed
// rebuild closes the observer.
func (o *Observer) replace(ctx context.Context) error {
	if err := o.attach(ctx, true); err != nil {
		o.log("debug", "replace failed on %s: %v", o.path, err)
	}

	return task.ErrSkipRemaining
}

// diff compares the directory listing with the known children.
func (o *Observer) diff(ctx context.Context, epoch uint64) error {
	_, matcher := o.settings()

	names, err := o.registry.fs.ReadDir(o.path)
	if err != nil {
		if isNotExist(err) {
			// the existence check runs with the next signal.
			return nil
		}

		return err
	}

	listed := make(map[string]struct{}, len(names))
	for _, name := range names {
		listed[name] = struct{}{}
	}

	o.mu.Lock()
	known := make(map[string]*Handle, len(o.children))
	for name, child := range o.children {
		known[name] = child
	}
	o.mu.Unlock()

	for name, child := range known {
		if _, ok := listed[name]; ok {
			continue
		}

		abs := filepath.Join(o.path, name)
		previous := child.Stat()

		o.log("debug", "watch emit delete: %s via: %s", abs, o.path)
		o.dropChild(name, child)

		final := changeEvent(Delete, abs, nil, previous)
		child.close(ReasonDeleted, &final)
	}

	steps := make([]task.Step, 0, len(names))

	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}

		abs := filepath.Join(o.path, name)
		if matcher.Match(abs) {
			o.log("debug", "watch ignored: %s", abs)

			continue
		}

		steps = append(steps, task.Step{Name: "watch " + abs, Run: func(ctx context.Context) error {
			child, err := o.watchChild(ctx, epoch, name)
			if err != nil || child == nil {
				return err
			}

			o.log("debug", "watch emit create: %s via: %s", abs, o.path)
			o.emit(changeEvent(Create, abs, child.Stat(), nil))

			return nil
		}})
	}

	return task.Parallel(ctx, 0, steps...)
}
