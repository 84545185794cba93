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

import "github.com/zoobzio/capitan"

// Observer lifecycle signals.
var (
	// ObserverActivated is emitted when an observer attached a technique.
	ObserverActivated = capitan.NewSignal(
		"rwatch.observer.activated",
		"Observer attached and scanned",
	)

	// ObserverClosed is emitted once per observer lifecycle.
	ObserverClosed = capitan.NewSignal(
		"rwatch.observer.closed",
		"Observer closed",
	)

	// ObserverReconciled is emitted after every debounced reconciliation run.
	ObserverReconciled = capitan.NewSignal(
		"rwatch.observer.reconciled",
		"Reconciliation run finished",
	)

	// MethodFailed is emitted for every technique that could not serve a path.
	MethodFailed = capitan.NewSignal(
		"rwatch.method.failed",
		"Watch method failed",
	)
)

// Field keys for observer signals.
var (
	KeyPath     = capitan.NewStringKey("path")
	KeyMethod   = capitan.NewStringKey("method")
	KeyReason   = capitan.NewStringKey("reason")
	KeyError    = capitan.NewStringKey("error")
	KeySignals  = capitan.NewIntKey("signals")
	KeyChildren = capitan.NewIntKey("children")
	KeyDuration = capitan.NewDurationKey("duration")
)
