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

// Package convert aggregates raw allocator samples into finalized profiles.
// Raw samples sharing a call stack and label set collapse into one output
// sample with element-wise summed values, under a profile-kind-specific
// sample-type schema.
package convert

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alloctrace/alloctrace/pkg/lifetime"
	"github.com/alloctrace/alloctrace/pkg/profile"
)

var (
	// ErrUnsupportedProfile reports a profile kind this converter has no
	// schema for.
	ErrUnsupportedProfile = errors.New("unsupported profile kind")

	// ErrSamplingDisabled reports that allocation sampling was compiled
	// out, so there is no source profile to convert.
	ErrSamplingDisabled = errors.New("allocation sampling is statically disabled")
)

// DropFrames names the allocator entry points downstream tools elide from
// display, as a pprof drop_frames regex.
const DropFrames = "calloc|" +
	"cfree|" +
	"malloc|" +
	"free|" +
	"memalign|" +
	"(__)?posix_memalign|" +
	"pvalloc|" +
	"valloc|" +
	"realloc|" +
	"aligned_alloc|" +
	"alloctrace\\..*|" +
	"__libc_calloc|" +
	"__libc_malloc|" +
	"__libc_memalign|" +
	"__libc_realloc|" +
	"operator new(\\[\\])?"

type sampleType struct {
	Type string
	Unit string
}

// schema describes one profile shape: its sample-type descriptors, the
// default type, its value-vector policy and its label-synthesis policy. The
// four kinds are kept side by side in the schemas table below.
type schema struct {
	sampleTypes []sampleType
	defaultType string
	values      func(s *profile.RawSample) []int64
	labels      func(b *profile.Builder, s *profile.RawSample) []profile.Label

	// mergesResidency is set for shapes whose samples carry the optional
	// resident/swapped sizes, which merge by presence-aware summation
	// outside the merge key.
	mergesResidency bool
}

var heapSchema = schema{
	sampleTypes: []sampleType{
		{"objects", "count"},
		{"space", "bytes"},
	},
	defaultType:     "space",
	values:          heapValues,
	labels:          heapLabels,
	mergesResidency: true,
}

var lifetimesSchema = schema{
	sampleTypes: []sampleType{
		{"allocated_objects", "count"},
		{"allocated_space", "bytes"},
		{"deallocated_objects", "count"},
		{"deallocated_space", "bytes"},
	},
	defaultType: "deallocated_space",
	values:      lifetimesValues,
	labels:      lifetimesLabels,
}

var schemas = map[profile.Kind]schema{
	profile.KindHeap:          heapSchema,
	profile.KindFragmentation: heapSchema,
	profile.KindPeak:          heapSchema,
	profile.KindLifetimes:     lifetimesSchema,
}

func heapValues(s *profile.RawSample) []int64 {
	return []int64{s.Count, s.Sum}
}

// lifetimesValues spreads allocation and deallocation events over one
// four-wide vector: allocations fill slots 0..1, deallocations (negative
// count) fill slots 2..3, so one pairing's halves never double-count.
func lifetimesValues(s *profile.RawSample) []int64 {
	if s.Count >= 0 {
		return []int64{s.Count, s.Sum, 0, 0}
	}
	return []int64{0, 0, -s.Count, s.Sum}
}

func heapLabels(b *profile.Builder, s *profile.RawSample) []profile.Label {
	l := newLabeler(b)
	l.num("bytes", "bytes", s.AllocatedSize)
	l.num("request", "bytes", s.RequestedSize)
	l.num("alignment", "bytes", s.RequestedAlignment)
	if s.RequestedSizeReturning {
		l.num("size_returning", "", 1)
	}
	l.num("access_hint", "", int64(s.AccessHint))
	switch s.Access {
	case profile.AccessHot:
		l.str("access_allocated", "hot")
	case profile.AccessCold:
		l.str("access_allocated", "cold")
	}
	return l.labels
}

func lifetimesLabels(b *profile.Builder, s *profile.RawSample) []profile.Label {
	l := newLabeler(b)
	l.num("bytes", "bytes", s.AllocatedSize)
	l.num("request", "bytes", s.RequestedSize)
	l.num("alignment", "bytes", s.RequestedAlignment)
	l.num("callstack-pair-id", "count", int64(s.PairID))

	// Lifetime durations are coarsened so that label cardinality stays
	// bounded; the bucketized value is what merges, not the raw one.
	l.bucketized("avg_lifetime", s.AvgLifetimeNanos)
	l.bucketized("stddev_lifetime", s.StddevLifetimeNanos)
	l.bucketized("min_lifetime", s.MinLifetimeNanos)
	l.bucketized("max_lifetime", s.MaxLifetimeNanos)

	l.str("active CPU", matchedString(s.CPUMatched))
	l.str("active thread", matchedString(s.ThreadMatched))
	return l.labels
}

func matchedString(matched bool) string {
	if matched {
		return "same"
	}
	return "different"
}

// labeler accumulates sample labels, interning keys and string values.
// Numeric labels are only emitted for positive values: zero means the
// measurement was not taken.
type labeler struct {
	b      *profile.Builder
	labels []profile.Label
}

func newLabeler(b *profile.Builder) *labeler {
	return &labeler{b: b}
}

func (l *labeler) num(key, unit string, value int64) {
	if value <= 0 {
		return
	}
	label := profile.Label{Key: l.b.InternString(key), Num: value}
	if unit != "" {
		label.NumUnit = l.b.InternString(unit)
	}
	l.labels = append(l.labels, label)
}

func (l *labeler) str(key, value string) {
	l.labels = append(l.labels, profile.Label{
		Key: l.b.InternString(key),
		Str: l.b.InternString(value),
	})
}

func (l *labeler) bucketized(key string, nanos int64) {
	if nanos <= 0 {
		return
	}
	l.num(key, "nanoseconds", lifetime.BucketizeNanos(nanos))
}

// Converter turns raw profiles into finalized ones. It is safe to reuse
// across conversions; each conversion consumes a fresh Builder.
type Converter struct {
	logger  log.Logger
	metrics *converterMetrics
}

func NewConverter(logger log.Logger, reg prometheus.Registerer) *Converter {
	return &Converter{
		logger:  logger,
		metrics: newConverterMetrics(reg),
	}
}

// ConvertCurrentProcess converts raw against the mappings of the running
// process.
func (c *Converter) ConvertCurrentProcess(raw *profile.RawProfile) (*profile.Profile, error) {
	b := profile.NewBuilder(c.logger)
	if err := b.AddCurrentMappings(); err != nil {
		return nil, fmt.Errorf("failed to add current mappings: %w", err)
	}
	return c.Convert(b, raw)
}

// Convert drains raw into the given fresh Builder and finalizes it. The
// Builder's mapping table must already be populated; Convert interns all
// stacks and labels, merges samples and freezes the profile.
func (c *Converter) Convert(b *profile.Builder, raw *profile.RawProfile) (*profile.Profile, error) {
	if samplingDisabled {
		return nil, ErrSamplingDisabled
	}

	sch, ok := schemas[raw.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProfile, raw.Kind)
	}

	b.SetPeriodType("space", "bytes")
	for _, st := range sch.sampleTypes {
		b.AddSampleType(st.Type, st.Unit)
	}
	b.SetDefaultSampleType(sch.defaultType)
	b.SetDropFrames(DropFrames)
	b.SetDuration(raw.DurationNanos)

	agg := newAggregator()
	for i := range raw.Samples {
		s := &raw.Samples[i]
		c.metrics.rawSamples.WithLabelValues(raw.Kind.String()).Inc()

		stack := s.Stack
		if len(stack) > profile.MaxStackDepth {
			level.Debug(c.logger).Log("msg", "truncating over-deep stack", "depth", len(stack))
			c.metrics.truncatedStacks.Inc()
			stack = stack[:profile.MaxStackDepth]
		}

		// Interning precedes merge-key computation so that stacks
		// captured as distinct pointer sequences merge once their
		// normalized addresses resolve to the same locations.
		locs := b.InternStack(stack)
		labels := sch.labels(b, s)
		values := sch.values(s)

		e := agg.entry(mergeKey(locs, labels, s.Count >= 0), locs, labels, len(values))
		for i, v := range values {
			e.sample.Value[i] += v
		}
		if sch.mergesResidency {
			e.addResidency(s.ResidentSize, s.SwappedSize)
		}
	}

	residentKey := b.InternString("sampled_resident_bytes")
	swappedKey := b.InternString("swapped_bytes")
	bytesUnit := b.InternString("bytes")
	for _, e := range agg.entries {
		if e.resident != nil {
			e.sample.Label = append(e.sample.Label,
				profile.Label{Key: residentKey, Num: *e.resident, NumUnit: bytesUnit},
				profile.Label{Key: swappedKey, Num: *e.swapped, NumUnit: bytesUnit},
			)
		}
		b.AppendSample(e.sample)
		c.metrics.outputSamples.WithLabelValues(raw.Kind.String()).Inc()
	}

	return b.Finalize(), nil
}

// entry is one in-progress output sample plus its residency accumulators,
// which merge by presence rather than as part of the key.
type entry struct {
	sample   *profile.Sample
	resident *int64
	swapped  *int64
}

// addResidency folds one raw sample's optional resident/swapped sizes into
// the merged entry: absent on both sides stays absent, otherwise the merged
// value is the sum of whichever samples contributed.
func (e *entry) addResidency(resident, swapped *int64) {
	if resident == nil {
		return
	}
	if e.resident == nil {
		r := *resident
		var sw int64
		if swapped != nil {
			sw = *swapped
		}
		e.resident = &r
		e.swapped = &sw
		return
	}
	*e.resident += *resident
	if swapped != nil {
		*e.swapped += *swapped
	}
}

// aggregator merges samples by key, preserving first-appearance order for
// deterministic output.
type aggregator struct {
	index   map[string]*entry
	entries []*entry
}

func newAggregator() *aggregator {
	return &aggregator{index: map[string]*entry{}}
}

func (a *aggregator) entry(key string, locs []uint64, labels []profile.Label, width int) *entry {
	if e, ok := a.index[key]; ok {
		return e
	}
	e := &entry{
		sample: &profile.Sample{
			LocationID: locs,
			Value:      make([]int64, width),
			Label:      labels,
		},
	}
	a.index[key] = e
	a.entries = append(a.entries, e)
	return e
}

// mergeKey encodes the interned location sequence, the full label set
// (keys, values and units, all as table indices) and the sample's
// allocation/deallocation polarity. Two raw samples merge exactly when
// their keys are byte-equal.
func mergeKey(locs []uint64, labels []profile.Label, alloc bool) string {
	buf := make([]byte, 0, 9+8*len(locs)+32*len(labels))

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(locs)))
	for _, id := range locs {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	for _, l := range labels {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(l.Key))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(l.Str))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(l.Num))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(l.NumUnit))
	}
	if alloc {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return string(buf)
}
