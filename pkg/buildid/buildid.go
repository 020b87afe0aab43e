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

// Package buildid resolves the build identifier of an on-disk binary, used
// to stamp discovered mappings so downstream tools can match them to their
// symbol files.
package buildid

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/alloctrace/alloctrace/pkg/elfnote"
)

// FromFile returns the build ID of the ELF binary at path. The GNU build ID
// note is preferred; binaries without one (notably Go binaries built without
// -B) fall back to a hash of their .text section.
func FromFile(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	if id := gnuBuildID(f); id != "" {
		return id, nil
	}

	return textHash(f)
}

// gnuBuildID looks for the GNU build ID note, first in the well-known
// section, then in the note program segments of sectionless binaries.
func gnuBuildID(f *elf.File) string {
	if s := f.Section(".note.gnu.build-id"); s != nil {
		if data, err := s.Data(); err == nil {
			if id, ok := elfnote.NoteBuildID(data, f.ByteOrder); ok && id != "" {
				return id
			}
		}
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(p.Open(), int64(p.Filesz)))
		if err != nil {
			continue
		}
		if id, ok := elfnote.NoteBuildID(data, f.ByteOrder); ok && id != "" {
			return id
		}
	}
	return ""
}

// textHash hashes the executable code of the binary. Not unique in the way a
// linker-provided build ID is, but stable for a given binary.
func textHash(f *elf.File) (string, error) {
	text := f.Section(".text")
	if text == nil {
		return "", errors.New("could not find .text section")
	}

	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
