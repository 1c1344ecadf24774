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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogging(t *testing.T) {
	// Note: Cannot use t.Parallel() because InitLogging modifies global log.Logger
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	logDir := filepath.Join(t.TempDir(), "logs")
	var extra bytes.Buffer

	err := InitLogging(logDir, []io.Writer{&extra})
	require.NoError(t, err)

	log.Error().Str("port", "COM4").Msg("device vanished")

	assert.Contains(t, extra.String(), `"port":"COM4"`)
	assert.Contains(t, extra.String(), `"message":"device vanished"`)
	assert.Contains(t, extra.String(), `"caller"`)

	data, err := os.ReadFile(filepath.Join(logDir, "picolink.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "device vanished")
}

func TestInitLoggingBadDir(t *testing.T) {
	// Note: Cannot use t.Parallel() because InitLogging modifies global log.Logger
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	err := InitLogging(filepath.Join(blocker, "logs"), nil)
	require.Error(t, err)
}
