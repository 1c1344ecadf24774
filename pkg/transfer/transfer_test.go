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

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transport"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice plays the device side of an upload, answering straight into
// the coordinator's receive buffer.
type fakeDevice struct {
	coord     *session.Coordinator
	onWrite   func(d *fakeDevice, p []byte) error
	writes    [][]byte
	received  int64
	size      int64
	acks      int
	purges    int
	mu        syncutil.Mutex
	silent    bool
	skipFinal bool
}

func newFakeDevice(coord *session.Coordinator) *fakeDevice {
	return &fakeDevice{coord: coord}
}

func (d *fakeDevice) Purge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purges++
	return nil
}

func (d *fakeDevice) Write(p []byte) error {
	d.mu.Lock()
	d.writes = append(d.writes, bytes.Clone(p))
	hook := d.onWrite
	d.mu.Unlock()
	if hook != nil {
		return hook(d, p)
	}
	return d.respond(p)
}

func (d *fakeDevice) respond(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return nil
	}
	if len(d.writes) == 1 {
		var name string
		if _, err := fmt.Sscanf(string(p), "UPLOAD %s %d", &name, &d.size); err != nil {
			return err
		}
		d.coord.Append([]byte("READY\r\n"))
		return nil
	}
	d.received += int64(len(p))
	switch {
	case d.received < d.size:
		d.acks++
		d.coord.Append([]byte("ACK\r\n"))
	case !d.skipFinal:
		d.coord.Append([]byte("UPLOAD_OK\r\n"))
	}
	return nil
}

func (d *fakeDevice) blockSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int
	for _, w := range d.writes[min(1, len(d.writes)):] {
		out = append(out, len(w))
	}
	return out
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.TokenPoll = time.Millisecond
	cfg.DownloadPoll = time.Millisecond
	cfg.Timeouts.EndGrace = 5 * time.Millisecond
	return cfg
}

func writeFile(t *testing.T, fs afero.Fs, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
	return data
}

func TestUploadSendsBlocksWithAckFlowControl(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	data := writeFile(t, fs, "/src/f.bin", 1500)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)

	var lines []string
	var reported []Record
	up := NewUploader(coord, dev,
		WithFs(fs),
		WithConfig(fastConfig()),
		WithLog(func(line string) { lines = append(lines, line) }),
		WithReporter(func(r Record) { reported = append(reported, r) }),
	)

	rec, err := up.Upload(context.Background(), "/src/f.bin")
	require.NoError(t, err)

	assert.Equal(t, "UPLOAD f.bin 1500\r\n", string(dev.writes[0]))
	assert.Equal(t, []int{512, 512, 476}, dev.blockSizes())
	assert.Equal(t, 2, dev.acks)
	assert.Equal(t, 1, dev.purges)

	var sent []byte
	for _, w := range dev.writes[1:] {
		sent = append(sent, w...)
	}
	assert.Equal(t, data, sent)

	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, int64(1500), rec.Transferred)
	assert.Equal(t, 3, rec.Blocks)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, reported, 1)
	assert.Equal(t, rec.ID, reported[0].ID)

	assert.Equal(t, session.OwnerIdle, coord.Owner())
	assert.Zero(t, coord.Len())
	assert.Contains(t, lines, "Sent upload command: UPLOAD f.bin 1500")
	assert.Contains(t, lines, "SUCCESS: File transfer complete. Total bytes sent: 1500")
}

func TestUploadEmptyFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/empty.bin", 0)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	dev.onWrite = func(d *fakeDevice, _ []byte) error {
		d.coord.Append([]byte("READY\r\nUPLOAD_OK\r\n"))
		return nil
	}

	up := NewUploader(coord, dev, WithFs(fs), WithConfig(fastConfig()))
	rec, err := up.Upload(context.Background(), "/empty.bin")
	require.NoError(t, err)
	assert.Equal(t, 1, dev.writeCount())
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestUploadReadyTimeout(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 10)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	dev.silent = true
	clock := clockwork.NewFakeClock()

	var lines []string
	var linesMu syncutil.Mutex
	up := NewUploader(coord, dev,
		WithFs(fs),
		WithClock(clock),
		WithConfig(DefaultConfig()),
		WithLog(func(line string) {
			linesMu.Lock()
			defer linesMu.Unlock()
			lines = append(lines, line)
		}),
	)

	type result struct {
		err error
		rec Record
	}
	done := make(chan result, 1)
	go func() {
		rec, err := up.Upload(context.Background(), "/f.bin")
		done <- result{rec: rec, err: err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	coord.Append([]byte("booting"))
	clock.Advance(10 * time.Second)

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		t.Fatal("upload did not give up after READY timeout")
	}

	require.ErrorIs(t, res.err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, res.err, &te)
	assert.Equal(t, TimeoutReady, te.Kind)
	assert.Equal(t, "booting", te.Buffer)
	assert.Equal(t, OutcomeTimedOut, res.rec.Outcome)

	assert.Equal(t, 1, dev.writeCount(), "no payload after a missing READY")
	assert.Equal(t, session.OwnerIdle, coord.Owner())

	linesMu.Lock()
	defer linesMu.Unlock()
	assert.Contains(t, lines, "Upload aborted due to missing READY message.")
}

func TestUploadAckTimeout(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 1500)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	dev.onWrite = func(d *fakeDevice, _ []byte) error {
		if d.writeCount() == 1 {
			d.coord.Append([]byte("READY\r\n"))
		}
		return nil
	}

	cfg := fastConfig()
	cfg.Timeouts.Ack = 20 * time.Millisecond
	up := NewUploader(coord, dev, WithFs(fs), WithConfig(cfg))

	_, err := up.Upload(context.Background(), "/f.bin")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TimeoutAck, te.Kind)
	assert.Equal(t, 1, te.Block)
	assert.Equal(t, []int{512}, dev.blockSizes())
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestUploadOKTimeout(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 100)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	dev.skipFinal = true

	cfg := fastConfig()
	cfg.Timeouts.UploadOK = 20 * time.Millisecond
	up := NewUploader(coord, dev, WithFs(fs), WithConfig(cfg))

	rec, err := up.Upload(context.Background(), "/f.bin")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TimeoutUploadOK, te.Kind)
	assert.Equal(t, int64(100), rec.Transferred)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestUploadRefusedWhileSessionActive(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 10)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)

	lease, err := coord.Claim(session.OwnerDownload)
	require.NoError(t, err)
	defer lease.Release()

	up := NewUploader(coord, dev, WithFs(fs), WithConfig(fastConfig()))
	rec, err := up.Upload(context.Background(), "/f.bin")
	require.ErrorIs(t, err, session.ErrSessionActive)
	assert.Equal(t, OutcomeRefused, rec.Outcome)
	assert.Zero(t, dev.writeCount())
	assert.Equal(t, session.OwnerDownload, coord.Owner())
}

func TestUploadMissingFileReleases(t *testing.T) {
	t.Parallel()

	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	up := NewUploader(coord, dev, WithFs(afero.NewMemMapFs()), WithConfig(fastConfig()))

	_, err := up.Upload(context.Background(), "/nope.bin")
	require.ErrorIs(t, err, ErrIO)
	assert.Zero(t, dev.writeCount())
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestUploadPartialWriteAborts(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 1000)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	dev.onWrite = func(d *fakeDevice, _ []byte) error {
		if d.writeCount() == 1 {
			d.coord.Append([]byte("READY\r\n"))
			return nil
		}
		return transport.ErrPartialWrite
	}

	up := NewUploader(coord, dev, WithFs(fs), WithConfig(fastConfig()))
	rec, err := up.Upload(context.Background(), "/f.bin")
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorIs(t, err, transport.ErrPartialWrite)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Zero(t, rec.Transferred)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestUploadDiscardsStaleBuffer(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 10)
	coord := session.NewCoordinator()
	coord.Append([]byte("READY\r\nstale"))

	dev := newFakeDevice(coord)
	dev.silent = true
	cfg := fastConfig()
	cfg.Timeouts.Ready = 10 * time.Millisecond
	up := NewUploader(coord, dev, WithFs(fs), WithConfig(cfg))

	_, err := up.Upload(context.Background(), "/f.bin")
	require.ErrorIs(t, err, ErrTimeout, "a READY left over from before the session must not count")
}

func TestWaitForTokenCancelled(t *testing.T) {
	t.Parallel()

	coord := session.NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForToken(ctx, coord, clockwork.NewRealClock(), TokenReady, time.Minute, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestWaitForTokenConsumesThroughLine(t *testing.T) {
	t.Parallel()

	coord := session.NewCoordinator()
	coord.Append([]byte("noise READY\r\nnext"))
	err := WaitForToken(context.Background(), coord, clockwork.NewRealClock(), TokenReady, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "next", coord.Snapshot())
}

func TestPrepareClaimsBeforeRun(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f.bin", 10)
	coord := session.NewCoordinator()
	dev := newFakeDevice(coord)
	up := NewUploader(coord, dev, WithFs(fs), WithConfig(fastConfig()))

	job, err := up.Prepare("/f.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID())
	assert.Equal(t, session.OwnerUpload, coord.Owner())

	_, err = up.Prepare("/f.bin")
	require.ErrorIs(t, err, session.ErrSessionActive)

	rec, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID(), rec.ID)
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}

func TestJobDiscardReleases(t *testing.T) {
	t.Parallel()

	coord := session.NewCoordinator()
	up := NewUploader(coord, newFakeDevice(coord), WithFs(afero.NewMemMapFs()))
	job, err := up.Prepare("/f.bin")
	require.NoError(t, err)
	job.Discard()
	assert.Equal(t, session.OwnerIdle, coord.Owner())
}
