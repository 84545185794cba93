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
	"io"
	"sync"
	"time"

	"github.com/vogo/gstop"
	"github.com/vogo/logger"
	"github.com/zoobzio/clockz"
)

const minPollInterval = 10 * time.Millisecond

func pollInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}

	if d < minPollInterval {
		return minPollInterval
	}

	return d
}

// poller is the polling technique: every attached path is re-stated on its
// own timer and a signal fires whenever the snapshot differs.
type poller struct {
	stopper *gstop.Stopper
	clock   clockz.Clock
	fs      FS
}

func newPoller(stopper *gstop.Stopper, clock clockz.Clock, fs FS) *poller {
	return &poller{stopper: stopper, clock: clock, fs: fs}
}

func (p *poller) Attach(path string, cfg Config, signal func(Signal)) (io.Closer, error) {
	select {
	case <-p.stopper.C:
		return nil, ErrClosed
	default:
	}

	last, err := p.fs.Stat(path, cfg.FollowLinks)
	if err != nil && !isNotExist(err) {
		return nil, err
	}

	w := &pollWatch{
		poller:   p,
		path:     path,
		interval: pollInterval(cfg.Interval),
		follow:   cfg.FollowLinks,
		last:     last,
		signal:   signal,
		done:     make(chan struct{}),
	}

	timer := p.clock.NewTimer(w.interval)

	go w.run(timer)

	logger.Debugf("poll watch added: %s, interval: %s", path, w.interval)

	return w, nil
}

type pollWatch struct {
	poller   *poller
	path     string
	interval time.Duration
	follow   bool
	last     *Stat
	signal   func(Signal)
	done     chan struct{}
	once     sync.Once
}

func (w *pollWatch) run(timer clockz.Timer) {
	defer timer.Stop()

	for {
		select {
		case <-w.poller.stopper.C:
			return
		case <-w.done:
			return
		case <-timer.C():
			w.check()
			timer.Reset(w.interval)
		}
	}
}

func (w *pollWatch) check() {
	current, err := w.poller.fs.Stat(w.path, w.follow)
	if err != nil && !isNotExist(err) {
		logger.Debugf("poll stat error: %v, path: %s", err, w.path)

		return
	}

	if !statChanged(w.last, current) {
		return
	}

	w.last = current
	w.signal(Signal{Method: MethodPoll, Op: "change", Name: w.path})
}

func (w *pollWatch) Close() error {
	w.once.Do(func() {
		close(w.done)
		logger.Debugf("poll watch removed: %s", w.path)
	})

	return nil
}

// statChanged ignores access and change times, only what a reader could see.
func statChanged(old, current *Stat) bool {
	if (old == nil) != (current == nil) {
		return true
	}

	if old == nil {
		return false
	}

	return !sameFile(old, current) || old.Mode != current.Mode || modified(old, current)
}
