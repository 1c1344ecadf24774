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

package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/discovery"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestSetupFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("picolink", flag.ContinueOnError)
	f := SetupFlags(fs)
	require.NoError(t, fs.Parse([]string{"-upload", "/tmp/f.bin", "-wait", "5s", "-config-dir", "/tmp/cfg"}))

	assert.Equal(t, "/tmp/f.bin", *f.Upload)
	assert.Equal(t, 5*time.Second, *f.Wait)
	assert.Equal(t, "/tmp/cfg", *f.ConfigDir)
	assert.False(t, *f.Daemon)
	assert.False(t, *f.Version)
}

type fakeUploader struct {
	path  string
	ready atomic.Bool
}

func (u *fakeUploader) Ready() bool {
	return u.ready.Load()
}

func (u *fakeUploader) Upload(_ context.Context, path string) (transfer.Record, error) {
	u.path = path
	return transfer.Record{Name: "f.bin", Outcome: transfer.OutcomeSuccess}, nil
}

func TestUploadOnceWhenReady(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{}
	up.ready.Store(true)
	rec, err := UploadOnce(context.Background(), clockwork.NewFakeClock(), up, "/tmp/f.bin", time.Second)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "/tmp/f.bin", up.path)
}

func TestUploadOnceWaitsForDevice(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	up := &fakeUploader{}
	done := make(chan error, 1)
	go func() {
		_, err := UploadOnce(context.Background(), clock, up, "/tmp/f.bin", time.Minute)
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	up.ready.Store(true)
	clock.Advance(readyPoll)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not start")
	}
}

func TestUploadOnceGivesUp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		_, err := UploadOnce(context.Background(), clock, &fakeUploader{}, "/tmp/f.bin", 150*time.Millisecond)
		done <- err
	}()

	for iter := 0; iter < 2; iter++ {
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(readyPoll)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDeviceNotReady)
	case <-time.After(2 * time.Second):
		t.Fatal("UploadOnce did not give up")
	}
}

func TestUploadOnceCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := UploadOnce(ctx, clockwork.NewFakeClock(), &fakeUploader{}, "/tmp/f.bin", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFollow(t *testing.T) {
	t.Parallel()

	lines := make(chan string, 2)
	lines <- "[12:00:00] one"
	lines <- "[12:00:01] two"
	close(lines)

	var buf bytes.Buffer
	Follow(context.Background(), &buf, lines)
	assert.Equal(t, "[12:00:00] one\n[12:00:01] two\n", buf.String())
}

func TestPrintHistory(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, PrintHistory(&buf, nil))
	assert.Equal(t, "No transfers yet.\n", buf.String())

	buf.Reset()
	require.NoError(t, PrintHistory(&buf, []transfer.Record{{
		StartedAt:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Direction:   transfer.DirectionDownload,
		Name:        "log.txt",
		Outcome:     transfer.OutcomeTimedOut,
		Size:        100,
		Transferred: 40,
	}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "STARTED"))
	assert.Contains(t, lines[1], "log.txt")
	assert.Contains(t, lines[1], "40/100")
	assert.Contains(t, lines[1], "timed_out")
}

func lister(ports ...*enumerator.PortDetails) discovery.Lister {
	return func() ([]*enumerator.PortDetails, error) {
		return ports, nil
	}
}

func TestListPorts(t *testing.T) {
	t.Parallel()

	l := lister(
		&enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "000a", Product: "Pico"},
		&enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
		&enumerator.PortDetails{Name: "/dev/ttyS0"},
	)

	var buf bytes.Buffer
	require.NoError(t, ListPorts(&buf, l, discovery.DefaultSignature, ""))
	out := buf.String()
	assert.Contains(t, out, "/dev/ttyACM0")
	assert.Contains(t, out, "2E8A:000A")
	assert.Contains(t, out, "<- device")
	assert.NotContains(t, out, "/dev/ttyS0")
	assert.NotContains(t, out, "not present")

	buf.Reset()
	require.NoError(t, ListPorts(&buf, l, discovery.DefaultSignature, "/dev/ttyACM1"))
	assert.Contains(t, buf.String(), "Configured port /dev/ttyACM1 is not present. Did you mean /dev/ttyACM0?")
}

func TestListPortsEmptyAndError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ListPorts(&buf, lister(), discovery.DefaultSignature, "COM3"))
	assert.Equal(t, "No USB serial ports found.\nConfigured port COM3 is not present.\n", buf.String())

	failing := func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("enumeration failed")
	}
	require.Error(t, ListPorts(&buf, failing, discovery.DefaultSignature, ""))
}

func TestSuggestPort(t *testing.T) {
	t.Parallel()

	names := []string{"COM3", "COM12", "/dev/ttyACM0"}
	assert.Equal(t, "COM3", suggestPort("COM4", names))
	assert.Equal(t, "/dev/ttyACM0", suggestPort("/dev/ttyAMC0", names))
	assert.Empty(t, suggestPort("/dev/cu.usbmodem1101", names))
}
