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

package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestAddCurrentMappings(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())
	require.NoError(t, b.AddCurrentMappings())
	p := b.Finalize()

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	ids := map[uint64]struct{}{}
	filenames := map[string]struct{}{}
	for _, m := range p.Mapping {
		require.NotZero(t, m.ID)
		_, dup := ids[m.ID]
		require.False(t, dup, "duplicate mapping ID %d", m.ID)
		ids[m.ID] = struct{}{}

		require.GreaterOrEqual(t, m.Filename, int64(0))
		require.Less(t, m.Filename, int64(len(p.StringTable)))
		filenames[p.StringTable[m.Filename]] = struct{}{}
	}

	require.Contains(t, filenames, exe)
}

func TestLocationTableNoMappings(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())
	loc1 := b.InternLocation(0x150)
	p := b.Finalize()

	require.Empty(t, p.Mapping)
	require.Len(t, p.Location, 1)
	require.Equal(t, loc1, p.Location[0].ID)
	require.Equal(t, uint64(0), p.Location[0].MappingID)
	require.Equal(t, uint64(0x150), p.Location[0].Address)
}

func TestLocationTable(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())

	mid := b.AddMapping(0x200, 0x300, 0x123, "foo.so", "abababab")

	// loc1/loc3 fall outside the mapping, loc2 inside.
	loc1 := b.InternLocation(0x150)
	loc2 := b.InternLocation(0x250)
	loc3 := b.InternLocation(0x350)

	// Interning is idempotent.
	require.Equal(t, loc2, b.InternLocation(0x250))

	p := b.Finalize()

	require.Len(t, p.Mapping, 1)
	m := p.Mapping[0]
	require.Equal(t, mid, m.ID)
	require.Equal(t, uint64(0x200), m.MemoryStart)
	require.Equal(t, uint64(0x300), m.MemoryLimit)
	require.Equal(t, uint64(0x123), m.FileOffset)
	require.Equal(t, "foo.so", p.StringTable[m.Filename])
	require.Equal(t, "abababab", p.StringTable[m.BuildID])

	require.Equal(t, []*Location{
		{ID: loc1, MappingID: 0, Address: 0x150},
		{ID: loc2, MappingID: mid, Address: 0x250},
		{ID: loc3, MappingID: 0, Address: 0x350},
	}, p.Location)

	for _, l := range p.Location {
		require.NotZero(t, l.ID)
	}
}

func TestAddMappingDeduplicates(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())

	id := b.AddMapping(0x1000, 0x2000, 0, "a.so", "")
	require.Equal(t, id, b.AddMapping(0x1000, 0x2000, 0, "a.so", ""))

	// A different range is a new mapping.
	other := b.AddMapping(0x3000, 0x4000, 0, "a.so", "")
	require.NotEqual(t, id, other)

	p := b.Finalize()
	require.Len(t, p.Mapping, 2)
}

func TestStringTable(t *testing.T) {
	p := NewBuilder(log.NewNopLogger()).Finalize()

	require.NotEmpty(t, p.StringTable)
	require.Equal(t, "", p.StringTable[0])

	seen := map[string]struct{}{}
	for _, s := range p.StringTable {
		_, dup := seen[s]
		require.False(t, dup, "duplicate string table entry %q", s)
		seen[s] = struct{}{}
	}
}

func TestInternStack(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())
	b.AddMapping(0x200, 0x300, 0, "foo.so", "")

	// Frames are return addresses: 0x251 lands at 0x250 inside the call.
	ids := b.InternStack([]uint64{0x251, 0x151, 0x251, 0x351})

	// The repeated frame collapses to its first occurrence.
	require.Len(t, ids, 3)
	seen := map[uint64]struct{}{}
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}

	p := b.Finalize()
	require.Equal(t, uint64(0x250), p.Location[0].Address)
	require.Equal(t, uint64(0x150), p.Location[1].Address)
	require.Equal(t, uint64(0x350), p.Location[2].Address)
	require.NotZero(t, p.Location[0].MappingID)
}

func TestBuilderSingleUse(t *testing.T) {
	b := NewBuilder(log.NewNopLogger())
	b.Finalize()

	require.Panics(t, func() { b.InternString("x") })
	require.Panics(t, func() { b.InternLocation(0x1) })
	require.Panics(t, func() { b.AddMapping(0, 1, 0, "", "") })
	require.Panics(t, func() { b.Finalize() })
}
