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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/alloctrace/alloctrace/pkg/convert"
	"github.com/alloctrace/alloctrace/pkg/logger"
	alloctracepprof "github.com/alloctrace/alloctrace/pkg/pprof"
	"github.com/alloctrace/alloctrace/pkg/process"
	"github.com/alloctrace/alloctrace/pkg/profile"
)

type flags struct {
	LogLevel  string `enum:"error,warn,info,debug" default:"info" help:"Log level."`
	LogFormat string `enum:"logfmt,json" default:"logfmt" help:"Configure if structured logging as JSON or as logfmt"`

	Input  string `arg:"" type:"existingfile" help:"Raw allocator profile to convert, as JSON."`
	Output string `default:"profile.pb.gz" help:"Path the gzipped pprof protobuf is written to."`

	// Pid selects whose memory mappings stacks are resolved against.
	// Zero means the converter's own process.
	Pid int `default:"0" help:"Resolve stacks against this process's mappings."`
}

func main() {
	f := flags{}
	kong.Parse(&f, kong.Name("alloctrace-convert"),
		kong.Description("Converts raw allocator samples into pprof profiles."))

	l := logger.NewLogger(f.LogLevel, f.LogFormat, "alloctrace-convert")
	reg := prometheus.NewRegistry()

	if err := run(l, reg, f); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

func run(l log.Logger, reg prometheus.Registerer, f flags) error {
	data, err := os.ReadFile(f.Input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	var raw profile.RawProfile
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse raw profile: %w", err)
	}
	level.Debug(l).Log("msg", "raw profile loaded", "kind", raw.Kind, "samples", len(raw.Samples))

	b := profile.NewBuilder(l)
	if f.Pid != 0 {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return fmt.Errorf("failed to open procfs: %w", err)
		}
		descs, err := process.DiscoverMappings(l, fs, f.Pid)
		if err != nil {
			return fmt.Errorf("failed to discover mappings of pid %d: %w", f.Pid, err)
		}
		b.AddProcessMappings(descs)
	} else if err := b.AddCurrentMappings(); err != nil {
		return fmt.Errorf("failed to add current mappings: %w", err)
	}

	p, err := convert.NewConverter(l, reg).Convert(b, &raw)
	if err != nil {
		return fmt.Errorf("failed to convert profile: %w", err)
	}

	out, err := os.Create(f.Output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := alloctracepprof.Write(out, p); err != nil {
		out.Close()
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}

	level.Info(l).Log("msg", "profile written", "path", f.Output, "samples", len(p.Sample))
	return nil
}
