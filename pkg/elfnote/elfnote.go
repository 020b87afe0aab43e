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

// Package elfnote extracts the GNU build ID from an in-memory ELF image.
//
// Shared objects observed at runtime are not guaranteed to be well formed:
// images can be truncated, partially unmapped or corrupted. Every header
// count, offset and size read here is bounds checked against the image, and
// any inconsistency yields an empty build ID instead of an error.
package elfnote

import (
	"encoding/binary"
	"encoding/hex"
)

const (
	elfClass64 = 2

	elfData2LSB = 1
	elfData2MSB = 2

	ptNote = 4

	noteTypeGNUBuildID = 3

	// Offsets into the ELF64 file header.
	ehdrPhoffOff     = 0x20
	ehdrPhentsizeOff = 0x36
	ehdrPhnumOff     = 0x38
	ehdrSize         = 0x40

	// ELF64 program header layout.
	phdrTypeOff   = 0x00
	phdrOffsetOff = 0x08
	phdrFileszOff = 0x20
	phdrSize      = 0x38

	// Note header: namesz, descsz, type, each a 32-bit word.
	nhdrSize = 12
)

// BuildID returns the lowercase hex encoded GNU build ID found in the given
// raw ELF image, or the empty string if the image has no build ID note or is
// malformed. Only 64-bit images are inspected.
func BuildID(image []byte) string {
	if len(image) < ehdrSize {
		return ""
	}
	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return ""
	}
	if image[4] != elfClass64 {
		return ""
	}

	var order binary.ByteOrder
	switch image[5] {
	case elfData2LSB:
		order = binary.LittleEndian
	case elfData2MSB:
		order = binary.BigEndian
	default:
		return ""
	}

	phoff := order.Uint64(image[ehdrPhoffOff:])
	phentsize := uint64(order.Uint16(image[ehdrPhentsizeOff:]))
	phnum := uint64(order.Uint16(image[ehdrPhnumOff:]))
	if phentsize < phdrSize {
		return ""
	}

	var id string
	for i := uint64(0); i < phnum; i++ {
		off := phoff + i*phentsize
		if off+phdrSize < off || off+phdrSize > uint64(len(image)) {
			// Truncated program header table.
			return ""
		}
		phdr := image[off : off+phdrSize]
		if order.Uint32(phdr[phdrTypeOff:]) != ptNote {
			continue
		}

		noteOff := order.Uint64(phdr[phdrOffsetOff:])
		noteSize := order.Uint64(phdr[phdrFileszOff:])
		if noteOff+noteSize < noteOff || noteOff+noteSize > uint64(len(image)) {
			continue
		}

		found, ok := NoteBuildID(image[noteOff:noteOff+noteSize], order)
		if !ok {
			// Repeated build IDs within one segment.
			return ""
		}
		if found != "" {
			if id != "" {
				// Repeated build IDs across segments. Ignore them.
				return ""
			}
			id = found
		}
	}
	return id
}

// NoteBuildID walks the note entries in a PT_NOTE segment or SHT_NOTE
// section and returns the hex encoded descriptor of the GNU build ID note,
// if present. ok is false when the data carries more than one build ID.
// Corrupt or truncated note data terminates the walk without error.
func NoteBuildID(notes []byte, order binary.ByteOrder) (id string, ok bool) {
	off := uint64(0)
	size := uint64(len(notes))
	for off+nhdrSize <= size {
		namesz := uint64(order.Uint32(notes[off:]))
		descsz := uint64(order.Uint32(notes[off+4:]))
		typ := order.Uint32(notes[off+8:])

		// These would wrap around when aligned. The segment is corrupt.
		if namesz >= 0xfffffffd || descsz >= 0xfffffffd {
			break
		}
		if namesz >= size || descsz >= size || off+nhdrSize+namesz+descsz > size {
			// Corrupt note segment.
			break
		}

		if typ == noteTypeGNUBuildID && namesz == 4 {
			name := notes[off+nhdrSize : off+nhdrSize+4]
			if string(name) == "GNU\x00" {
				if id != "" {
					return "", false
				}
				desc := notes[off+nhdrSize+namesz : off+nhdrSize+namesz+descsz]
				id = hex.EncodeToString(desc)
			}
		}

		off += nhdrSize + align4(namesz) + align4(descsz)
	}
	return id, true
}

func align4(v uint64) uint64 {
	return (v + 3) &^ 3
}
