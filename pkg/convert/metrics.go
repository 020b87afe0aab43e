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

package convert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type converterMetrics struct {
	rawSamples      *prometheus.CounterVec
	outputSamples   *prometheus.CounterVec
	truncatedStacks prometheus.Counter
}

func newConverterMetrics(reg prometheus.Registerer) *converterMetrics {
	return &converterMetrics{
		rawSamples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloctrace_convert_raw_samples_total",
				Help: "Total number of raw samples consumed during conversion.",
			},
			[]string{"kind"},
		),
		outputSamples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alloctrace_convert_output_samples_total",
				Help: "Total number of aggregated samples written to profiles.",
			},
			[]string{"kind"},
		),
		truncatedStacks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "alloctrace_convert_truncated_stacks_total",
				Help: "Total number of call stacks truncated to the maximum depth.",
			},
		),
	}
}
