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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/picolink/picolink-core/pkg/config"
)

// Dirs are the per-user directories the application writes to.
type Dirs struct {
	Config string
	Data   string
	Log    string
}

var ErrNoDocumentsDir = errors.New("could not determine the Documents folder")

var (
	userDirOnce        sync.Once
	userDirCache       string
	userDirCacheExists bool
)

// HasUserDir checks for a "user" directory next to the executable and
// returns its absolute path. When present it replaces the XDG locations,
// for a portable install. The result is cached after the first call.
func HasUserDir() (string, bool) {
	userDirOnce.Do(func() {
		exe := os.Getenv(config.AppEnv)
		if exe == "" {
			var err error
			exe, err = os.Executable()
			if err != nil {
				return
			}
		}

		userDir := filepath.Join(filepath.Dir(exe), config.UserDir)
		info, err := os.Stat(userDir)
		if err != nil || !info.IsDir() {
			return
		}

		userDirCache = userDir
		userDirCacheExists = true
	})

	return userDirCache, userDirCacheExists
}

// DefaultDirs resolves the config, data and log directories. An explicit
// configDir (from the command line) wins over everything else.
func DefaultDirs(configDir string) Dirs {
	if configDir != "" {
		return Dirs{
			Config: configDir,
			Data:   configDir,
			Log:    filepath.Join(configDir, "logs"),
		}
	}
	if v, ok := HasUserDir(); ok {
		return Dirs{
			Config: v,
			Data:   v,
			Log:    filepath.Join(v, "logs"),
		}
	}
	data := filepath.Join(xdg.DataHome, config.AppName)
	return Dirs{
		Config: filepath.Join(xdg.ConfigHome, config.AppName),
		Data:   data,
		Log:    filepath.Join(data, "logs"),
	}
}

// EnsureDirectories creates every directory in d.
func EnsureDirectories(d Dirs) error {
	for _, dir := range []string{d.Config, d.Data, d.Log} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DownloadDirResolver returns the folder device-initiated downloads land
// in: the configured folder, or "PicoLink Files" under the user's
// Documents folder. Creating it is left to the caller.
func DownloadDirResolver(configured string) func() (string, error) {
	return func() (string, error) {
		if configured != "" {
			return filepath.Abs(ExpandHome(configured))
		}
		docs := xdg.UserDirs.Documents
		if docs == "" {
			return "", ErrNoDocumentsDir
		}
		return filepath.Join(docs, config.DownloadFolder), nil
	}
}

// OutboxDir returns the watched upload folder.
func OutboxDir(d Dirs, configured string) string {
	if configured != "" {
		return ExpandHome(configured)
	}
	return filepath.Join(d.Data, config.OutboxFolder)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return xdg.Home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(xdg.Home, path[2:])
	}
	return path
}

// NormalizePathForComparison converts to forward slashes and lowercases so
// paths compare equal across platforms and case-insensitive filesystems.
func NormalizePathForComparison(path string) string {
	p := filepath.ToSlash(filepath.Clean(path))
	return strings.ToLower(p)
}

// PathHasPrefix checks if path is within root, respecting separator
// boundaries so "outbox2/f" is not inside "outbox".
func PathHasPrefix(path, root string) bool {
	normPath := NormalizePathForComparison(path)
	normRoot := NormalizePathForComparison(root)

	if normPath == normRoot {
		return true
	}
	if normRoot == "" {
		return false
	}
	if !strings.HasSuffix(normRoot, "/") {
		normRoot += "/"
	}

	return strings.HasPrefix(normPath, normRoot)
}
