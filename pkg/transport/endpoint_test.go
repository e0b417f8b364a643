/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTempEndpoint(t *testing.T) {
	ep, err := NewTempEndpoint()
	require.NoError(t, err)

	dir := filepath.Dir(ep.Path())
	assert.Equal(t, socketName, filepath.Base(ep.Path()))
	assert.True(t, strings.HasPrefix(filepath.Base(dir), tempDirPattern))
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), st.Mode().Perm())

	require.NoError(t, ep.Remove())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	// second call is a no-op
	require.NoError(t, ep.Remove())
}

func TestNewEndpoint_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "secret.sock")
	ep, err := NewEndpoint(path)
	require.NoError(t, err)
	assert.Equal(t, path, ep.Path())

	st, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	// caller-supplied directories are left in place
	require.NoError(t, ep.Remove())
	_, err = os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}

func TestNewEndpoint_Empty(t *testing.T) {
	_, err := NewEndpoint("")
	assert.Error(t, err)
}

func TestEndpoint_UnboundFileIsNotRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(path, []byte("not ours"), 0o600))

	ep, err := NewEndpoint(path)
	require.NoError(t, err)
	require.NoError(t, ep.Remove())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not ours", string(data))
}

func TestServe_BindFailureKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(path, []byte("not ours"), 0o600))

	ep, err := NewEndpoint(path)
	require.NoError(t, err)
	h, err := Serve([]byte("s3kret"), ep, 1, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Nil(t, h)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
