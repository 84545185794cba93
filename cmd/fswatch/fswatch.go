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
	"path/filepath"
	"syscall"

	"github.com/vogo/logger"
	"github.com/vogo/rwatch"
)

// fswatch prints the raw signals of a single watch method, without any
// debouncing or reconciliation.
func main() {
	var (
		filePath = flag.String("f", "", "file or directory to watch")
		method   = flag.String("method", string(rwatch.MethodEvent), "watch method, event/poll")
		interval = flag.Duration("interval", rwatch.DefaultInterval, "poll interval")
	)

	flag.Parse()

	if *filePath == "" {
		logger.Fatal("required parameter -f")
	}

	path, err := filepath.Abs(*filePath)
	if err != nil {
		logger.Fatal(err)
	}

	registry := rwatch.NewRegistry()
	defer registry.Close()

	technique, ok := registry.Technique(rwatch.Method(*method))
	if !ok {
		logger.Fatalf("%v: %s", rwatch.ErrUnknownMethod, *method)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := rwatch.DefaultConfig()
	cfg.Interval = *interval

	closer, err := technique.Attach(path, cfg, func(s rwatch.Signal) {
		if s.Err != nil {
			logger.Errorf("watch error: %v", s.Err)
			stop()

			return
		}

		logger.Infof("signal: %s %s %s", s.Method, s.Op, s.Name)
	})
	if err != nil {
		logger.Fatal(err)
	}

	defer func() {
		_ = closer.Close()
	}()

	<-ctx.Done()
}
