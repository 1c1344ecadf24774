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

// Package session owns the receive buffer shared between the connection
// supervisor, the demultiplexer and the transfer engines, together with the
// ownership flag that decides who may drain it.
//
// All access goes through a Coordinator. The supervisor appends to the tail,
// everyone else consumes from the head, and while an upload or download
// holds a Lease the demultiplexer leaves the buffer alone.
package session

import (
	"bytes"
	"errors"
	"sync"

	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
)

// ErrSessionActive is returned when ownership is requested while another
// session already holds it.
var ErrSessionActive = errors.New("a transfer session is already active")

// Owner is the ProtocolActive flag: who is entitled to consume the buffer
// for non-logging purposes.
type Owner int

const (
	OwnerIdle Owner = iota
	OwnerUpload
	OwnerDownload
)

func (o Owner) String() string {
	switch o {
	case OwnerIdle:
		return "idle"
	case OwnerUpload:
		return "upload"
	case OwnerDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Coordinator holds the receive buffer and the ownership flag behind a
// single lock.
type Coordinator struct {
	buf     []byte
	hooks   []func()
	owner   Owner
	mu      syncutil.Mutex
	hooksMu syncutil.RWMutex
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// OnRelease registers fn to run every time a lease is released, after the
// owner has been reset to idle.
func (c *Coordinator) OnRelease(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Transact runs fn with exclusive access to the buffer and the flag. The
// Tx must not be retained after fn returns.
func (c *Coordinator) Transact(fn func(tx *Tx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &Tx{c: c}
	fn(tx)
	tx.done = true
}

// Claim takes ownership for a session. The returned lease must be released
// on every exit path, usually with defer.
func (c *Coordinator) Claim(o Owner) (*Lease, error) {
	var (
		lease *Lease
		err   error
	)
	c.Transact(func(tx *Tx) {
		lease, err = tx.Claim(o)
	})
	return lease, err
}

func (c *Coordinator) Owner() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Coordinator) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Snapshot returns a copy of the buffered bytes as a string, for
// diagnostics.
func (c *Coordinator) Snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = c.buf[:0]
}

// CutThrough looks for token and, if found, removes everything from the
// buffer start through the end of the line holding the token. When no line
// terminator follows the token yet, the cut ends right after the token.
func (c *Coordinator) CutThrough(token []byte) bool {
	var found bool
	c.Transact(func(tx *Tx) {
		found = tx.CutThrough(token)
	})
	return found
}

// Take removes and returns at most max bytes from the buffer head.
func (c *Coordinator) Take(limit int) []byte {
	var out []byte
	c.Transact(func(tx *Tx) {
		out = tx.Take(limit)
	})
	return out
}

// CutPrefix removes prefix if the buffer starts with it. The second return
// value reports whether the buffer could still grow into the prefix.
func (c *Coordinator) CutPrefix(prefix []byte) (cut, pending bool) {
	c.Transact(func(tx *Tx) {
		b := tx.Bytes()
		switch {
		case bytes.HasPrefix(b, prefix):
			tx.Discard(len(prefix))
			cut = true
		case bytes.HasPrefix(prefix, b):
			pending = true
		}
	})
	return cut, pending
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.owner = OwnerIdle
	c.mu.Unlock()

	c.hooksMu.RLock()
	hooks := append([]func(){}, c.hooks...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Lease proves ownership of the buffer for one session.
type Lease struct {
	c     *Coordinator
	owner Owner
	once  sync.Once
}

func (l *Lease) Owner() Owner {
	return l.owner
}

// Release resets the flag to idle and runs the release hooks. Calling it
// more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(l.c.release)
}

// Tx is the view of the coordinator inside Transact.
type Tx struct {
	c    *Coordinator
	done bool
}

func (tx *Tx) check() {
	if tx.done {
		panic("session: Tx used outside of Transact")
	}
}

func (tx *Tx) Owner() Owner {
	tx.check()
	return tx.c.owner
}

// Claim takes ownership if the flag is idle.
func (tx *Tx) Claim(o Owner) (*Lease, error) {
	tx.check()
	if o == OwnerIdle {
		return nil, errors.New("cannot claim idle ownership")
	}
	if tx.c.owner != OwnerIdle {
		return nil, ErrSessionActive
	}
	tx.c.owner = o
	return &Lease{c: tx.c, owner: o}, nil
}

// Bytes returns the live buffer. Callers must not keep or modify it.
func (tx *Tx) Bytes() []byte {
	tx.check()
	return tx.c.buf
}

func (tx *Tx) Len() int {
	tx.check()
	return len(tx.c.buf)
}

// Discard removes n bytes from the head.
func (tx *Tx) Discard(n int) {
	tx.check()
	if n <= 0 {
		return
	}
	if n >= len(tx.c.buf) {
		tx.c.buf = tx.c.buf[:0]
		return
	}
	rest := copy(tx.c.buf, tx.c.buf[n:])
	tx.c.buf = tx.c.buf[:rest]
}

// Take removes and returns at most limit bytes from the head.
func (tx *Tx) Take(limit int) []byte {
	tx.check()
	n := min(limit, len(tx.c.buf))
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, tx.c.buf[:n])
	tx.Discard(n)
	return out
}

func (tx *Tx) CutThrough(token []byte) bool {
	tx.check()
	b := tx.c.buf
	pos := bytes.Index(b, token)
	if pos < 0 {
		return false
	}
	end := pos + len(token)
	if nl := bytes.IndexByte(b[end:], '\n'); nl >= 0 {
		end += nl + 1
	}
	tx.Discard(end)
	return true
}

// NextLine returns the first complete line, without its terminator and
// without a trailing carriage return, and removes it. ok is false when the
// buffer holds no newline.
func (tx *Tx) NextLine() (line string, ok bool) {
	tx.check()
	b := tx.c.buf
	nl := bytes.IndexByte(b, '\n')
	if nl < 0 {
		return "", false
	}
	line = string(bytes.TrimSuffix(b[:nl], []byte{'\r'}))
	tx.Discard(nl + 1)
	return line, true
}

// PeekLine is NextLine without removal.
func (tx *Tx) PeekLine() (line string, ok bool) {
	tx.check()
	b := tx.c.buf
	nl := bytes.IndexByte(b, '\n')
	if nl < 0 {
		return "", false
	}
	return string(bytes.TrimSuffix(b[:nl], []byte{'\r'})), true
}
