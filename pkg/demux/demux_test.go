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

package demux

import (
	"testing"

	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recorder struct {
	lines    []string
	requests []transfer.Request
	leases   []*session.Lease
}

func (r *recorder) log(line string) {
	r.lines = append(r.lines, line)
}

func (r *recorder) trigger(lease *session.Lease, req transfer.Request) {
	r.leases = append(r.leases, lease)
	r.requests = append(r.requests, req)
}

func newTestDemux() (*Demux, *session.Coordinator, *recorder) {
	coord := session.NewCoordinator()
	rec := &recorder{}
	return New(coord, rec.log, rec.trigger), coord, rec
}

func TestStepLogsCompleteLines(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	coord.Append([]byte("A\r\nB\r\n"))

	logged, triggered := d.Step()
	assert.Equal(t, 2, logged)
	assert.False(t, triggered)
	assert.Equal(t, []string{"[PICO] A", "[PICO] B"}, rec.lines)
	assert.Zero(t, coord.Len())
}

func TestStepKeepsPartialLine(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	coord.Append([]byte("no newline yet"))
	for iter := 0; iter < 5; iter++ {
		logged, _ := d.Step()
		assert.Zero(t, logged)
	}
	assert.Empty(t, rec.lines)
	assert.Equal(t, "no newline yet", coord.Snapshot())

	coord.Append([]byte("\n"))
	logged, _ := d.Step()
	assert.Equal(t, 1, logged)
	assert.Equal(t, []string{"[PICO] no newline yet"}, rec.lines)
}

func TestStepSuppressedWhileSessionActive(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	lease, err := coord.Claim(session.OwnerUpload)
	require.NoError(t, err)

	coord.Append([]byte("READY\r\nSEND x.bin 3\r\n"))
	logged, triggered := d.Step()
	assert.Zero(t, logged)
	assert.False(t, triggered)
	assert.Empty(t, rec.lines)
	assert.Equal(t, "READY\r\nSEND x.bin 3\r\n", coord.Snapshot())

	lease.Release()
	d.Step()
	assert.Equal(t, []string{"[PICO] READY"}, rec.lines)
	require.Len(t, rec.requests, 1)
}

func TestStepTriggerClaimsBeforeDraining(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	coord.Append([]byte("hello\r\nSEND a.txt 4\r\nab\r\nafter\r\n"))

	logged, triggered := d.Step()
	assert.Equal(t, 1, logged)
	assert.True(t, triggered)
	assert.Equal(t, []string{"[PICO] hello"}, rec.lines)
	require.Len(t, rec.requests, 1)
	assert.Equal(t, transfer.Request{Name: "a.txt", Size: 4}, rec.requests[0])
	assert.Equal(t, session.OwnerDownload, coord.Owner())
	assert.Equal(t, "ab\r\nafter\r\n", coord.Snapshot(), "payload after the trigger stays buffered")

	// a second step must not drain the payload or start another session
	logged, triggered = d.Step()
	assert.Zero(t, logged)
	assert.False(t, triggered)
	assert.Len(t, rec.requests, 1)

	rec.leases[0].Release()
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestStepMalformedTrigger(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	coord.Append([]byte("SEND broken\r\nok\r\n"))

	logged, triggered := d.Step()
	assert.Equal(t, 1, logged)
	assert.False(t, triggered)
	assert.Empty(t, rec.requests)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
	assert.Equal(t, []string{
		"ERROR: Invalid SEND command received: SEND broken",
		"[PICO] ok",
	}, rec.lines)
}

func TestStepWithoutTriggerHandlerReleases(t *testing.T) {
	t.Parallel()

	coord := session.NewCoordinator()
	d := New(coord, nil, nil)
	coord.Append([]byte("SEND a.txt 1\r\n"))

	_, triggered := d.Step()
	assert.False(t, triggered)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestFlushOnRelease(t *testing.T) {
	t.Parallel()

	d, coord, rec := newTestDemux()
	coord.OnRelease(d.Flush)

	lease, err := coord.Claim(session.OwnerUpload)
	require.NoError(t, err)
	coord.Append([]byte("device says hi\r\n"))
	d.Step()
	assert.Empty(t, rec.lines)

	lease.Release()
	assert.Equal(t, []string{"[PICO] device says hi"}, rec.lines)
}

func TestPropertyLinesLoggedInOrder(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(
			rapid.StringMatching(`[A-Za-z0-9 .:]{0,20}`), 0, 20,
		).Draw(t, "lines")
		cut := rapid.IntRange(1, 16).Draw(t, "cut")

		var stream []byte
		for _, l := range lines {
			if len(l) >= 5 && l[:5] == "SEND " {
				l = "x" + l
			}
			stream = append(stream, l+"\r\n"...)
		}

		d, coord, rec := newTestDemux()
		for len(stream) > 0 {
			n := min(cut, len(stream))
			coord.Append(stream[:n])
			stream = stream[n:]
			d.Step()
		}

		if len(rec.lines) != len(lines) {
			t.Fatalf("logged %d lines, want %d", len(rec.lines), len(lines))
		}
		for i, l := range lines {
			if len(l) >= 5 && l[:5] == "SEND " {
				l = "x" + l
			}
			if rec.lines[i] != DeviceLinePrefix+l {
				t.Fatalf("line %d = %q, want %q", i, rec.lines[i], l)
			}
		}
		if coord.Len() != 0 {
			t.Fatalf("buffer left with %d bytes", coord.Len())
		}
	})
}
