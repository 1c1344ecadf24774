// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.

package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultDirsExplicit(t *testing.T) {
	t.Parallel()

	d := DefaultDirs("/opt/picolink")
	assert.Equal(t, Dirs{
		Config: "/opt/picolink",
		Data:   "/opt/picolink",
		Log:    filepath.Join("/opt/picolink", "logs"),
	}, d)
}

func TestEnsureDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	d := Dirs{
		Config: filepath.Join(root, "cfg"),
		Data:   filepath.Join(root, "data"),
		Log:    filepath.Join(root, "data", "logs"),
	}
	require.NoError(t, EnsureDirectories(d))
	for _, dir := range []string{d.Config, d.Data, d.Log} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnsureDirectoriesFailsOnFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	err := EnsureDirectories(Dirs{Config: filepath.Join(blocker, "cfg")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create directory")
}

func TestDownloadDirResolver(t *testing.T) {
	t.Parallel()

	dir, err := DownloadDirResolver("/srv/in")()
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/srv/in"), dir)

	if xdg.UserDirs.Documents != "" {
		dir, err = DownloadDirResolver("")()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(xdg.UserDirs.Documents, "PicoLink Files"), dir)
	}
}

func TestOutboxDir(t *testing.T) {
	t.Parallel()

	d := Dirs{Data: "/data"}
	assert.Equal(t, filepath.Join("/data", "outbox"), OutboxDir(d, ""))
	assert.Equal(t, "/elsewhere", OutboxDir(d, "/elsewhere"))
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	assert.Equal(t, xdg.Home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(xdg.Home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/~/x", ExpandHome("/abs/~/x"))
}

func TestPathHasPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		root string
		want bool
	}{
		{path: "/data/outbox/f.bin", root: "/data/outbox", want: true},
		{path: "/data/outbox", root: "/data/outbox/", want: true},
		{path: "/data/outbox2/f.bin", root: "/data/outbox", want: false},
		{path: "/DATA/Outbox/sent/f.bin", root: "/data/outbox/sent", want: true},
		{path: "/data", root: "", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PathHasPrefix(tt.path, tt.root), "%s in %s", tt.path, tt.root)
	}
}

func TestPropertyPathHasPrefix(t *testing.T) {
	t.Parallel()

	segment := rapid.StringMatching(`[A-Za-z0-9_-]{1,8}`)
	rapid.Check(t, func(t *rapid.T) {
		root := "/" + filepath.Join(rapid.SliceOfN(segment, 1, 4).Draw(t, "root")...)
		child := filepath.Join(root, segment.Draw(t, "child"))

		if NormalizePathForComparison(NormalizePathForComparison(root)) != NormalizePathForComparison(root) {
			t.Fatalf("normalizing %q is not idempotent", root)
		}
		if !PathHasPrefix(root, root) {
			t.Fatalf("%q should contain itself", root)
		}
		if !PathHasPrefix(child, root) {
			t.Fatalf("%q should be inside %q", child, root)
		}
		if PathHasPrefix(root+"x", root) {
			t.Fatalf("%q should not be inside %q", root+"x", root)
		}
	})
}
