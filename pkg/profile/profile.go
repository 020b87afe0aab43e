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

// Package profile holds the data model of the allocator profile subsystem:
// the raw samples handed over by the sampling collaborator and the
// finalized, table-deduplicated profile handed to downstream tools.
package profile

// Kind selects which sample-type schema applies to a raw profile.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeap
	KindFragmentation
	KindPeak
	KindLifetimes
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindFragmentation:
		return "fragmentation"
	case KindPeak:
		return "peak"
	case KindLifetimes:
		return "lifetimes"
	default:
		return "unknown"
	}
}

// Access classifies where the allocator placed an object.
type Access int

const (
	AccessNone Access = iota
	AccessHot
	AccessCold
)

// MaxStackDepth bounds the recorded call stack of one raw sample.
const MaxStackDepth = 64

// RawSample is one captured allocation or deallocation event, produced by
// the sampling collaborator. Optional fields are pointers: absence is a
// distinct state from zero and survives merging.
type RawSample struct {
	// Stack holds raw return addresses, innermost frame first.
	Stack []uint64 `json:"stack"`

	// Count is positive for allocation events and negative for
	// deallocation events. Sum is the cumulative byte sum.
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`

	RequestedSize          int64 `json:"requested_size"`
	RequestedAlignment     int64 `json:"requested_alignment"`
	RequestedSizeReturning bool  `json:"requested_size_returning"`
	AllocatedSize          int64 `json:"allocated_size"`

	ResidentSize *int64 `json:"resident_size,omitempty"`
	SwappedSize  *int64 `json:"swapped_size,omitempty"`

	AccessHint uint8  `json:"access_hint"`
	Access     Access `json:"access"`

	// Lifetime profile fields. PairID ties an allocation sample to its
	// deallocation counterpart; the lifetime statistics come from the
	// online accumulator and are raw nanoseconds.
	PairID              uint64 `json:"pair_id,omitempty"`
	AvgLifetimeNanos    int64  `json:"avg_lifetime_nanos,omitempty"`
	StddevLifetimeNanos int64  `json:"stddev_lifetime_nanos,omitempty"`
	MinLifetimeNanos    int64  `json:"min_lifetime_nanos,omitempty"`
	MaxLifetimeNanos    int64  `json:"max_lifetime_nanos,omitempty"`
	CPUMatched          bool   `json:"cpu_matched,omitempty"`
	ThreadMatched       bool   `json:"thread_matched,omitempty"`
}

// RawProfile is one sampling session's worth of raw samples.
type RawProfile struct {
	Kind          Kind        `json:"kind"`
	DurationNanos int64       `json:"duration_nanos"`
	Samples       []RawSample `json:"samples"`
}

// ValueType describes one dimension of a sample value vector. Type and Unit
// are string table indices.
type ValueType struct {
	Type int64 `json:"type"`
	Unit int64 `json:"unit"`
}

// Mapping is one loaded binary's address range. Filename and BuildID are
// string table indices. IDs are non-zero and stable within one profile;
// mapping ID 0 means "no mapping".
type Mapping struct {
	ID          uint64 `json:"id"`
	MemoryStart uint64 `json:"memory_start"`
	MemoryLimit uint64 `json:"memory_limit"`
	FileOffset  uint64 `json:"file_offset"`
	Filename    int64  `json:"filename"`
	BuildID     int64  `json:"build_id"`
}

// Location is one interned instruction-pointer address. MappingID is 0 when
// the address falls in no known mapping.
type Location struct {
	ID        uint64 `json:"id"`
	MappingID uint64 `json:"mapping_id"`
	Address   uint64 `json:"address"`
}

// Label is one key/value annotation on a sample. Key, Str and NumUnit are
// string table indices; a label is string-valued when Str is non-zero and
// integer-valued otherwise.
type Label struct {
	Key     int64 `json:"key"`
	Str     int64 `json:"str,omitempty"`
	Num     int64 `json:"num,omitempty"`
	NumUnit int64 `json:"num_unit,omitempty"`
}

// Sample is one aggregated output row: a location ID sequence (innermost
// first, no duplicates), a value vector whose width matches the profile's
// sample types, and a label set.
type Sample struct {
	LocationID []uint64 `json:"location_id"`
	Value      []int64  `json:"value"`
	Label      []Label  `json:"label,omitempty"`
}

// Profile is the finalized, immutable output structure. All cross
// references are by table index or ID.
type Profile struct {
	SampleType        []ValueType `json:"sample_type"`
	DefaultSampleType int64       `json:"default_sample_type"`
	Sample            []*Sample   `json:"sample"`
	Mapping           []*Mapping  `json:"mapping"`
	Location          []*Location `json:"location"`
	StringTable       []string    `json:"string_table"`
	DropFrames        int64       `json:"drop_frames"`
	KeepFrames        int64       `json:"keep_frames"`
	DurationNanos     int64       `json:"duration_nanos"`
	PeriodType        ValueType   `json:"period_type"`
}
