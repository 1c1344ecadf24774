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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("transfer timed out")
	ErrIO      = errors.New("file I/O failed")
	ErrAborted = errors.New("transfer aborted")
)

// TimeoutKind names the phase a transfer timed out in.
type TimeoutKind string

const (
	TimeoutReady    TimeoutKind = "READY"
	TimeoutAck      TimeoutKind = "ACK"
	TimeoutUploadOK TimeoutKind = "UPLOAD_OK"
	TimeoutDownload TimeoutKind = "download"
)

// TimeoutError carries the diagnostics of an abandoned wait. Buffer is the
// receive buffer content at the moment the wait gave up.
type TimeoutError struct {
	Kind     TimeoutKind
	Buffer   string
	Elapsed  time.Duration
	Block    int
	Received int64
	Expected int64
}

func (e *TimeoutError) Error() string {
	switch e.Kind {
	case TimeoutDownload:
		return fmt.Sprintf("download timed out after %s: received %d of %d bytes",
			e.Elapsed.Round(time.Millisecond), e.Received, e.Expected)
	case TimeoutAck:
		return fmt.Sprintf("no ACK for block %d after %s, buffer: %q",
			e.Block, e.Elapsed.Round(time.Millisecond), e.Buffer)
	case TimeoutReady, TimeoutUploadOK:
		return fmt.Sprintf("no %s after %s, buffer: %q",
			e.Kind, e.Elapsed.Round(time.Millisecond), e.Buffer)
	default:
		return fmt.Sprintf("%s timed out after %s", e.Kind, e.Elapsed.Round(time.Millisecond))
	}
}

func (*TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
