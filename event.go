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

import "fmt"

// EventKind tags the union carried by Event.
type EventKind int

const (
	EventChange EventKind = iota
	EventLog
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventChange:
		return "change"
	case EventLog:
		return "log"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// ChangeKind is the normalized kind of a change event.
type ChangeKind string

const (
	Create ChangeKind = "create"
	Update ChangeKind = "update"
	Delete ChangeKind = "delete"
)

// Close reasons with special meaning.
const (
	ReasonDeleted        = "deleted"
	ReasonChildFailure   = "child failure"
	ReasonMethodFailure  = "method failure"
	ReasonHandlesGone    = "all handles are now gone"
	ReasonParentClosed   = "parent closed"
	ReasonReset          = "reset"
	ReasonRegistryClosed = "registry closed"
	ReasonResetFailure   = "reset failure"
)

// Event is delivered to listeners. Which fields are set depends on Kind:
//
//	change: Change, Path, Current (nil on delete), Previous (nil on create)
//	log:    Level, Message, Args
//	error:  Err
//	close:  Reason
type Event struct {
	Kind     EventKind
	Change   ChangeKind
	Path     string
	Current  *Stat
	Previous *Stat
	Level    string
	Message  string
	Args     []any
	Err      error
	Reason   string
}

func (e Event) String() string {
	switch e.Kind {
	case EventChange:
		return fmt.Sprintf("%s %s", e.Change, e.Path)
	case EventLog:
		return fmt.Sprintf("[%s] %s", e.Level, e.Message)
	case EventError:
		return fmt.Sprintf("error %s: %v", e.Path, e.Err)
	case EventClose:
		return fmt.Sprintf("close %s: %s", e.Path, e.Reason)
	default:
		return e.Kind.String()
	}
}

// Listener receives events. It is called outside of any observer lock, from
// whichever goroutine produced the event; it must not block for long.
type Listener func(Event)

func changeEvent(kind ChangeKind, path string, current, previous *Stat) Event {
	return Event{Kind: EventChange, Change: kind, Path: path, Current: current, Previous: previous}
}
