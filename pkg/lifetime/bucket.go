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

// Package lifetime coarsens raw object lifetimes into canonical buckets so
// that lifetime labels keep a bounded cardinality.
package lifetime

// The scheme switches from exponential to linear buckets at one
// millisecond: below it, power-of-ten buckets cover many orders of
// magnitude cheaply; above it, power-of-ten growth would be too coarse for
// practically observed lifetimes.
const linearThresholdNanos = 1_000_000

// BucketizeNanos returns the canonical bucket for a non-negative lifetime
// in nanoseconds. Below one millisecond the bucket is the largest power of
// ten not exceeding the input, with 0 sharing the bucket of 1; from one
// millisecond on, the input is rounded down to a whole millisecond.
//
// The value feeds directly into sample labels, so it takes part in merge
// keys and must be exact.
func BucketizeNanos(nanos int64) int64 {
	if nanos >= linearThresholdNanos {
		return nanos - nanos%linearThresholdNanos
	}
	bucket := int64(1)
	for bucket*10 <= nanos {
		bucket *= 10
	}
	return bucket
}
