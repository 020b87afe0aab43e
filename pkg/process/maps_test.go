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

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func TestDiscoverSelfMappings(t *testing.T) {
	descs, err := DiscoverSelfMappings(log.NewNopLogger())
	require.NoError(t, err)
	require.NotEmpty(t, descs)

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	var foundSelf bool
	for _, d := range descs {
		require.Less(t, d.Start, d.Limit)
		if d.Path == exe {
			foundSelf = true
		}
	}
	require.True(t, foundSelf, "own executable not found in discovered mappings")
}

func TestDiscoverMappingsMissingProcess(t *testing.T) {
	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)

	// PIDs are capped well below this value.
	descs, err := DiscoverMappings(log.NewNopLogger(), fs, 1<<30)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProcNotFound)
	require.Nil(t, descs)
}
