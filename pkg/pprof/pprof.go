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

// Package pprof projects finalized profiles into the pprof interchange
// format for consumption by standard analysis tooling.
package pprof

import (
	"fmt"
	"io"

	pprofprofile "github.com/google/pprof/profile"

	"github.com/alloctrace/alloctrace/pkg/profile"
)

// FromProfile converts a finalized profile into the pprof model, resolving
// every string table index and mapping/location ID reference.
func FromProfile(p *profile.Profile) (*pprofprofile.Profile, error) {
	strTab := stringTable(p.StringTable)

	var err error
	str := func(idx int64) string {
		if s, ok := strTab.lookup(idx); ok {
			return s
		}
		err = fmt.Errorf("string table index %d out of range", idx)
		return ""
	}

	out := &pprofprofile.Profile{
		DurationNanos:     p.DurationNanos,
		DropFrames:        str(p.DropFrames),
		KeepFrames:        str(p.KeepFrames),
		DefaultSampleType: str(p.DefaultSampleType),
		PeriodType: &pprofprofile.ValueType{
			Type: str(p.PeriodType.Type),
			Unit: str(p.PeriodType.Unit),
		},
	}

	for _, st := range p.SampleType {
		out.SampleType = append(out.SampleType, &pprofprofile.ValueType{
			Type: str(st.Type),
			Unit: str(st.Unit),
		})
	}

	mappingsByID := make(map[uint64]*pprofprofile.Mapping, len(p.Mapping))
	for _, m := range p.Mapping {
		pm := &pprofprofile.Mapping{
			ID:      m.ID,
			Start:   m.MemoryStart,
			Limit:   m.MemoryLimit,
			Offset:  m.FileOffset,
			File:    str(m.Filename),
			BuildID: str(m.BuildID),
		}
		mappingsByID[pm.ID] = pm
		out.Mapping = append(out.Mapping, pm)
	}

	locationsByID := make(map[uint64]*pprofprofile.Location, len(p.Location))
	for _, l := range p.Location {
		pl := &pprofprofile.Location{
			ID:      l.ID,
			Address: l.Address,
		}
		if l.MappingID != 0 {
			m, ok := mappingsByID[l.MappingID]
			if !ok {
				return nil, fmt.Errorf("location %d references unknown mapping %d", l.ID, l.MappingID)
			}
			pl.Mapping = m
		}
		locationsByID[pl.ID] = pl
		out.Location = append(out.Location, pl)
	}

	for _, s := range p.Sample {
		ps := &pprofprofile.Sample{
			Value: append([]int64(nil), s.Value...),
		}
		for _, id := range s.LocationID {
			l, ok := locationsByID[id]
			if !ok {
				return nil, fmt.Errorf("sample references unknown location %d", id)
			}
			ps.Location = append(ps.Location, l)
		}
		ps.Label, ps.NumLabel, ps.NumUnit = convertLabels(str, s.Label)
		out.Sample = append(out.Sample, ps)
	}

	if err != nil {
		return nil, err
	}
	if err := out.CheckValid(); err != nil {
		return nil, fmt.Errorf("projected profile is invalid: %w", err)
	}
	return out, nil
}

// Write serializes the profile in the gzip-compressed pprof wire format.
func Write(w io.Writer, p *profile.Profile) error {
	pp, err := FromProfile(p)
	if err != nil {
		return err
	}
	return pp.Write(w)
}

func convertLabels(str func(int64) string, labels []profile.Label) (map[string][]string, map[string][]int64, map[string][]string) {
	var strLabels map[string][]string
	var numLabels map[string][]int64
	var numUnits map[string][]string

	anyUnit := false
	for _, l := range labels {
		key := str(l.Key)
		if l.Str != 0 {
			if strLabels == nil {
				strLabels = map[string][]string{}
			}
			strLabels[key] = append(strLabels[key], str(l.Str))
			continue
		}
		if numLabels == nil {
			numLabels = map[string][]int64{}
			numUnits = map[string][]string{}
		}
		numLabels[key] = append(numLabels[key], l.Num)
		unit := str(l.NumUnit)
		numUnits[key] = append(numUnits[key], unit)
		if unit != "" {
			anyUnit = true
		}
	}
	if !anyUnit {
		numUnits = nil
	}
	return strLabels, numLabels, numUnits
}

// stringTable adds bounds checking over the flat table.
type stringTable []string

func (t stringTable) lookup(idx int64) (string, bool) {
	if idx < 0 || idx >= int64(len(t)) {
		return "", false
	}
	return t[idx], true
}
