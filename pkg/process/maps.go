// Copyright 2023-2024 The Alloctrace Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package process discovers the loaded-module address ranges of a live
// process from procfs.
package process

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/alloctrace/alloctrace/pkg/buildid"
)

// Descriptor describes one executable file-backed mapping of a process.
type Descriptor struct {
	Start   uint64
	Limit   uint64
	Offset  uint64
	Path    string
	BuildID string
}

var ErrProcNotFound = errors.New("process not found")

// DiscoverMappings reads the executable, file-backed mappings of the given
// PID. It retains no state between calls: the caller consumes the returned
// descriptors once per build session. Mappings whose backing file cannot be
// read keep an empty build ID; they are reported, not retried.
func DiscoverMappings(logger log.Logger, fs procfs.FS, pid int) ([]Descriptor, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	res := make([]Descriptor, 0, len(maps))
	for _, m := range maps {
		// Only executable, file-backed mappings carry code addresses that
		// can resolve to a binary.
		if !m.Perms.Execute || !refersToFile(m.Pathname) {
			continue
		}

		d := Descriptor{
			Start:  uint64(m.StartAddr),
			Limit:  uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Path:   resolvePath(m.Pathname),
		}

		id, err := buildid.FromFile(rootedPath(pid, m.Pathname))
		if err != nil {
			level.Debug(logger).Log("msg", "failed to read build id", "path", m.Pathname, "err", err)
		} else {
			d.BuildID = id
		}

		res = append(res, d)
	}
	return res, nil
}

// DiscoverSelfMappings discovers the mappings of the running process.
func DiscoverSelfMappings(logger log.Logger) ([]Descriptor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return DiscoverMappings(logger, fs, os.Getpid())
}

func refersToFile(p string) bool {
	p = strings.TrimSpace(p)
	return p != "" &&
		!strings.HasPrefix(p, "[") &&
		!strings.HasPrefix(p, "anon_inode:[") &&
		!strings.Contains(p, "(deleted)") &&
		!strings.Contains(p, "memfd:")
}

// resolvePath follows symlinks so that the reported filename is the real
// path of the binary. Resolution failures fall back to the raw pathname.
func resolvePath(p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return p
	}
	return resolved
}

// rootedPath resolves a mapping pathname relative to the root filesystem of
// the process that owns it.
func rootedPath(pid int, p string) string {
	return path.Join("/proc", strconv.Itoa(pid), "root", p)
}
