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
	"github.com/go-kit/log"

	"github.com/alloctrace/alloctrace/pkg/process"
)

// Builder assembles a Profile: it owns the string, mapping and location
// interning tables and the in-progress sample list. A Builder is single-use
// and not safe for concurrent use; Finalize consumes it, and any interning
// attempt afterwards is a programming error that panics.
type Builder struct {
	logger log.Logger

	profile *Profile

	stringIndex   map[string]int64
	mappingIndex  map[addrRange]uint64
	locationIndex map[uint64]uint64

	finalized bool
}

type addrRange struct {
	start, limit uint64
}

// NewBuilder returns an empty Builder whose string table holds the
// mandatory empty string at index 0.
func NewBuilder(logger log.Logger) *Builder {
	b := &Builder{
		logger: logger,
		profile: &Profile{
			StringTable: []string{""},
		},
		stringIndex:   map[string]int64{"": 0},
		mappingIndex:  map[addrRange]uint64{},
		locationIndex: map[uint64]uint64{},
	}
	return b
}

func (b *Builder) checkUsable() {
	if b.finalized {
		panic("profile: Builder used after Finalize")
	}
}

// InternString returns the string table index of s, adding it on first use.
func (b *Builder) InternString(s string) int64 {
	b.checkUsable()

	if idx, ok := b.stringIndex[s]; ok {
		return idx
	}
	idx := int64(len(b.profile.StringTable))
	b.stringIndex[s] = idx
	b.profile.StringTable = append(b.profile.StringTable, s)
	return idx
}

// AddMapping registers a loaded binary's address range and returns its
// non-zero mapping ID. Registering the same [start,limit) range again
// returns the original ID without creating a second entry.
func (b *Builder) AddMapping(start, limit, offset uint64, filename, buildID string) uint64 {
	b.checkUsable()

	r := addrRange{start: start, limit: limit}
	if id, ok := b.mappingIndex[r]; ok {
		return id
	}

	m := &Mapping{
		// Mapping ID 0 is reserved to mean "no mapping".
		ID:          uint64(len(b.profile.Mapping)) + 1,
		MemoryStart: start,
		MemoryLimit: limit,
		FileOffset:  offset,
		Filename:    b.InternString(filename),
		BuildID:     b.InternString(buildID),
	}
	b.mappingIndex[r] = m.ID
	b.profile.Mapping = append(b.profile.Mapping, m)
	return m.ID
}

// AddProcessMappings registers every discovered mapping descriptor.
func (b *Builder) AddProcessMappings(descs []process.Descriptor) {
	for _, d := range descs {
		b.AddMapping(d.Start, d.Limit, d.Offset, d.Path, d.BuildID)
	}
}

// AddCurrentMappings discovers and registers the mappings of the running
// process.
func (b *Builder) AddCurrentMappings() error {
	b.checkUsable()

	descs, err := process.DiscoverSelfMappings(b.logger)
	if err != nil {
		return err
	}
	b.AddProcessMappings(descs)
	return nil
}

// InternLocation returns the non-zero location ID for the given address,
// allocating a new location on first use. The new location is resolved
// against the registered mappings by containment; an address inside no
// mapping gets mapping ID 0.
func (b *Builder) InternLocation(address uint64) uint64 {
	b.checkUsable()

	if id, ok := b.locationIndex[address]; ok {
		return id
	}

	l := &Location{
		// Location ID 0 never appears in a valid profile.
		ID:      uint64(len(b.profile.Location)) + 1,
		Address: address,
	}
	for _, m := range b.profile.Mapping {
		if m.MemoryStart <= address && address < m.MemoryLimit {
			l.MappingID = m.ID
			break
		}
	}

	b.locationIndex[address] = l.ID
	b.profile.Location = append(b.profile.Location, l)
	return l.ID
}

// InternStack interns a raw call stack and returns the location ID
// sequence, innermost frame first. Raw frames are return addresses, so each
// is adjusted by -1 to land inside the call instruction before interning;
// two stacks captured as distinct pointer sequences merge exactly when
// their adjusted addresses coincide. Frames that intern to an already seen
// location within this stack are dropped, keeping the first occurrence.
func (b *Builder) InternStack(stack []uint64) []uint64 {
	ids := make([]uint64, 0, len(stack))
	seen := make(map[uint64]struct{}, len(stack))
	for _, frame := range stack {
		id := b.InternLocation(frame - 1)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// AddSampleType appends one sample-type descriptor.
func (b *Builder) AddSampleType(typ, unit string) {
	b.checkUsable()
	b.profile.SampleType = append(b.profile.SampleType, ValueType{
		Type: b.InternString(typ),
		Unit: b.InternString(unit),
	})
}

// SetDefaultSampleType designates the sample type shown by default.
func (b *Builder) SetDefaultSampleType(typ string) {
	b.profile.DefaultSampleType = b.InternString(typ)
}

// SetPeriodType records the period-type descriptor.
func (b *Builder) SetPeriodType(typ, unit string) {
	b.profile.PeriodType = ValueType{
		Type: b.InternString(typ),
		Unit: b.InternString(unit),
	}
}

// SetDropFrames records the frame-elision pattern for downstream display.
func (b *Builder) SetDropFrames(pattern string) {
	b.profile.DropFrames = b.InternString(pattern)
}

// SetDuration records the sampling session's wall-clock span.
func (b *Builder) SetDuration(nanos int64) {
	b.checkUsable()
	b.profile.DurationNanos = nanos
}

// AppendSample appends one finished output sample.
func (b *Builder) AppendSample(s *Sample) {
	b.checkUsable()
	b.profile.Sample = append(b.profile.Sample, s)
}

// Finalize freezes all tables and returns the immutable Profile. The
// Builder must not be used afterwards. A profile with zero mappings and
// zero locations is degenerate but valid.
func (b *Builder) Finalize() *Profile {
	b.checkUsable()
	b.finalized = true

	p := b.profile
	b.profile = nil
	b.stringIndex = nil
	b.mappingIndex = nil
	b.locationIndex = nil
	return p
}
