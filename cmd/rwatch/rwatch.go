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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vogo/logger"
	"github.com/vogo/rwatch"
	"github.com/zoobzio/capitan"
)

func main() {
	var (
		dir          = flag.String("dir", "", "path to watch, more paths may follow as arguments")
		method       = flag.String("method", "", "comma separated watch methods, event/poll")
		logLevel     = flag.String("log_level", "", "log level(debug/info)")
		configFile   = flag.String("config", "", "yaml config file")
		interval     = flag.Duration("interval", 0, "poll interval")
		catchupDelay = flag.Duration("catchup", -1, "quiet period before a change is reported")
		ignoreHidden = flag.Bool("ignore_hidden", false, "whether ignore hidden files")
		ignore       = flag.String("ignore", "", "comma separated glob patterns to ignore")
	)

	flag.Parse()

	paths := flag.Args()
	if *dir != "" {
		paths = append([]string{*dir}, paths...)
	}

	if len(paths) == 0 {
		logger.Fatal("required parameter -dir")
	}

	debug := strings.EqualFold(*logLevel, "DEBUG")
	if debug {
		logger.SetLevel(logger.LevelDebug)
		hookSignals()
	}

	cfg := rwatch.DefaultConfig()

	if *configFile != "" {
		var err error
		if cfg, err = rwatch.LoadConfigFile(*configFile); err != nil {
			logger.Fatal(err)
		}
	}

	opts := []rwatch.Option{rwatch.WithConfig(cfg)}

	if *method != "" {
		methods, err := parseMethods(*method)
		if err != nil {
			logger.Fatal(err)
		}

		opts = append(opts, rwatch.WithPreferredMethods(methods...))
	}

	if *interval > 0 {
		opts = append(opts, rwatch.WithInterval(*interval))
	}

	if *catchupDelay >= 0 {
		opts = append(opts, rwatch.WithCatchupDelay(*catchupDelay))
	}

	if *ignoreHidden {
		opts = append(opts, rwatch.WithIgnoreHiddenFiles(true))
	}

	if *ignore != "" {
		opts = append(opts, rwatch.WithIgnoreCustomPatterns(strings.Split(*ignore, ",")...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		rwatch.Default.Close()
		capitan.Shutdown()
	}()

	for _, path := range paths {
		h := rwatch.Create(path)

		if err := h.SetConfig(opts...); err != nil {
			logger.Fatal(err)
		}

		h.Subscribe(printEvent)

		if err := h.Watch(ctx); err != nil {
			logger.Errorf("watch %s error: %v", path, err)

			return
		}

		if rwatch.IsDir(h.Path()) {
			logger.Infof("watching directory %s", h.Path())
		} else {
			logger.Infof("watching file %s", h.Path())
		}
	}

	if err := rwatch.Default.Wait(ctx); err != nil {
		logger.Infof("stop watching: %v", err)
	}
}

func parseMethods(s string) ([]rwatch.Method, error) {
	var methods []rwatch.Method

	for _, name := range strings.Split(s, ",") {
		m := rwatch.Method(strings.TrimSpace(name))
		if m != rwatch.MethodEvent && m != rwatch.MethodPoll {
			return nil, rwatch.ErrUnknownMethod
		}

		methods = append(methods, m)
	}

	return methods, nil
}

// log events are written by the watcher itself.
func printEvent(e rwatch.Event) {
	switch e.Kind {
	case rwatch.EventChange:
		logger.Infof("--> %s: %s", e.Change, e.Path)
	case rwatch.EventError:
		logger.Errorf("--> error: %v", e.Err)
	case rwatch.EventClose:
		logger.Infof("--> close: %s, reason: %s", e.Path, e.Reason)
	case rwatch.EventLog:
	}
}

func hookSignals() {
	capitan.Hook(rwatch.ObserverActivated, func(_ context.Context, e *capitan.Event) {
		path, _ := rwatch.KeyPath.From(e)
		method, _ := rwatch.KeyMethod.From(e)
		children, _ := rwatch.KeyChildren.From(e)
		logger.Debugf("activated %s via %s, children: %d", path, method, children)
	})

	capitan.Hook(rwatch.MethodFailed, func(_ context.Context, e *capitan.Event) {
		path, _ := rwatch.KeyPath.From(e)
		method, _ := rwatch.KeyMethod.From(e)
		errMsg, _ := rwatch.KeyError.From(e)
		logger.Debugf("method %s failed on %s: %s", method, path, errMsg)
	})

	capitan.Hook(rwatch.ObserverReconciled, func(_ context.Context, e *capitan.Event) {
		path, _ := rwatch.KeyPath.From(e)
		signals, _ := rwatch.KeySignals.From(e)
		duration, _ := rwatch.KeyDuration.From(e)
		logger.Debugf("reconciled %s, signals: %d, took: %s", path, signals, duration.Round(time.Microsecond))
	})
}
