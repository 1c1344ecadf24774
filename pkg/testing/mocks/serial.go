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

package mocks

import (
	"errors"
	"time"

	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"go.bug.st/serial"
)

// ErrPortClosed is returned by MockSerialPort once Close has been called.
var ErrPortClosed = errors.New("port closed")

// MockSerialPort is a scripted serial port. Reads return queued chunks one
// at a time and report zero bytes when nothing is queued, matching a port
// opened with a zero read timeout.
//
// OnWrite, when set, sees every successful write; it runs without the
// mock's lock held so it may call Feed. BlockWrites makes Write hang until
// Close. A positive ShortWrite caps the bytes reported per write.
type MockSerialPort struct {
	ReadError   error
	WriteError  error
	ModemError  error
	CloseError  error
	TimeoutErr  error
	DTRError    error
	OnWrite     func(p []byte)
	unblock     chan struct{}
	chunks      [][]byte
	writes      [][]byte
	ReadTimeout time.Duration
	ShortWrite  int
	Resets      int
	mu          syncutil.Mutex
	BlockWrites bool
	DTR         bool
	RTS         bool
	Closed      bool
}

func NewMockSerialPort() *MockSerialPort {
	return &MockSerialPort{
		ReadTimeout: -1,
		unblock:     make(chan struct{}),
	}
}

// Feed queues chunks to be returned by subsequent reads.
func (m *MockSerialPort) Feed(chunks ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks = append(m.chunks, append([]byte(nil), c...))
	}
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return 0, ErrPortClosed
	}
	if m.ReadError != nil {
		return 0, m.ReadError
	}
	if len(m.chunks) == 0 {
		return 0, nil
	}

	n := copy(p, m.chunks[0])
	if n < len(m.chunks[0]) {
		m.chunks[0] = m.chunks[0][n:]
	} else {
		m.chunks = m.chunks[1:]
	}
	return n, nil
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, ErrPortClosed
	}
	if m.BlockWrites {
		unblock := m.unblock
		m.mu.Unlock()
		<-unblock
		return 0, ErrPortClosed
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.mu.Unlock()
		return 0, err
	}

	n := len(p)
	if m.ShortWrite > 0 && n > m.ShortWrite {
		n = m.ShortWrite
	}
	m.writes = append(m.writes, append([]byte(nil), p[:n]...))
	onWrite := m.OnWrite
	m.mu.Unlock()

	if onWrite != nil {
		onWrite(p[:n])
	}
	return n, nil
}

// Writes returns a copy of every write call's payload, in order.
func (m *MockSerialPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// Written returns all written bytes concatenated.
func (m *MockSerialPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, w := range m.writes {
		out = append(out, w...)
	}
	return out
}

func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Closed {
		m.Closed = true
		close(m.unblock)
	}
	return m.CloseError
}

func (m *MockSerialPort) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

func (m *MockSerialPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TimeoutErr != nil {
		return m.TimeoutErr
	}
	m.ReadTimeout = t
	return nil
}

func (m *MockSerialPort) SetDTR(dtr bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DTRError != nil {
		return m.DTRError
	}
	m.DTR = dtr
	return nil
}

func (m *MockSerialPort) SetRTS(rts bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RTS = rts
	return nil
}

func (m *MockSerialPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets++
	m.chunks = nil
	return nil
}

func (m *MockSerialPort) ResetOutputBuffer() error {
	return nil
}

func (m *MockSerialPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return nil, ErrPortClosed
	}
	if m.ModemError != nil {
		return nil, m.ModemError
	}
	return &serial.ModemStatusBits{DSR: true, CTS: true}, nil
}

// SetModemError makes the next liveness probe fail, simulating an unplug.
func (m *MockSerialPort) SetModemError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModemError = err
}

func (m *MockSerialPort) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadError = err
}
