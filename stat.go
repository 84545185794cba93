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
	"os"
	"time"
)

// Stat is a snapshot of a path's metadata.
type Stat struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	Inode   uint64
}

func newStat(info os.FileInfo) *Stat {
	return &Stat{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		Inode:   inodeOf(info),
	}
}

// IsDir reports whether the snapshot describes a directory.
func (s *Stat) IsDir() bool {
	return s != nil && s.Mode.IsDir()
}

func sameFile(a, b *Stat) bool {
	return a.Inode == b.Inode && a.Mode.Type() == b.Mode.Type()
}

func modified(a, b *Stat) bool {
	return !a.ModTime.Equal(b.ModTime) || a.Size != b.Size
}

// FS is the filesystem access an Observer needs.
type FS interface {
	// Stat returns metadata of path, following symlinks when followLinks is set.
	Stat(path string, followLinks bool) (*Stat, error)

	// ReadDir returns the base names of the immediate children of path.
	ReadDir(path string) ([]string, error)
}

type osFS struct{}

// OSFS is the FS backed by the os package.
var OSFS FS = osFS{}

func (osFS) Stat(path string, followLinks bool) (*Stat, error) {
	var (
		info os.FileInfo
		err  error
	)

	if followLinks {
		info, err = os.Stat(path)
	} else {
		info, err = os.Lstat(path)
	}

	if err != nil {
		return nil, err
	}

	return newStat(info), nil
}

func (osFS) ReadDir(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	names, err := f.Readdirnames(-1)
	_ = f.Close()

	return names, err
}
