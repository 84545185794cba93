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

// Package task runs small pipelines of named steps, either one after another
// or as a bounded parallel group.
package task

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrSkipRemaining is returned by a step to stop a series without failing it.
var ErrSkipRemaining = errors.New("skip remaining steps")

// Step is a named unit of work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepError reports which step of a sequence failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Series runs steps in order. The first error aborts the remaining steps and
// is returned wrapped in a *StepError; ErrSkipRemaining aborts them and
// Series returns nil.
func Series(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := step.Run(ctx); err != nil {
			if errors.Is(err, ErrSkipRemaining) {
				return nil
			}

			return &StepError{Step: step.Name, Err: err}
		}
	}

	return nil
}

// Parallel runs steps concurrently, at most limit at a time (limit <= 0 means
// no limit). The first failure cancels the context handed to the others and
// is returned once every started step has finished. ErrSkipRemaining from a
// parallel step only ends that step.
func Parallel(ctx context.Context, limit int, steps ...Step) error {
	if len(steps) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	for _, step := range steps {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			if err := step.Run(groupCtx); err != nil && !errors.Is(err, ErrSkipRemaining) {
				return &StepError{Step: step.Name, Err: err}
			}

			return nil
		})
	}

	return group.Wait()
}
