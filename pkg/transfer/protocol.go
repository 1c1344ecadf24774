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

// Package transfer implements the two file transfer state machines that run
// over the shared receive buffer: host-initiated uploads and
// device-initiated downloads.
//
// Wire protocol, control lines are ASCII and CRLF terminated:
//
//	host   -> device  UPLOAD <name> <size>
//	device -> host    READY
//	host   -> device  <512 byte blocks>
//	device -> host    ACK            (after every block but the last)
//	device -> host    UPLOAD_OK
//
//	device -> host    SEND <name> <size>
//	device -> host    <size raw bytes>
//	device -> host    END            (optional)
package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	KeywordUpload = "UPLOAD"
	KeywordSend   = "SEND"
	TokenReady    = "READY"
	TokenAck      = "ACK"
	TokenUploadOK = "UPLOAD_OK"
	LineEnding    = "\r\n"
	// EndMarker is the optional trailer after a download payload.
	EndMarker = "END" + LineEnding
	// BlockSize is the upload payload chunk; the final block may be shorter.
	BlockSize = 512
)

// TriggerPrefix starts every device-initiated download line.
const TriggerPrefix = KeywordSend + " "

var (
	ErrMalformedTrigger = errors.New("malformed SEND trigger")
	ErrInvalidFileName  = errors.New("invalid file name")
)

// Request is a parsed SEND trigger.
type Request struct {
	Name string
	Size int64
}

// FormatUploadHeader builds the line that opens an upload session.
func FormatUploadHeader(name string, size int64) []byte {
	return []byte(KeywordUpload + " " + name + " " + strconv.FormatInt(size, 10) + LineEnding)
}

// ValidateFileName rejects names the device cannot parse back out of a
// space separated control line.
func ValidateFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidFileName, name)
		}
	}
	return nil
}

// ParseSendLine parses "SEND <name> <size>". The name is reduced to its
// base name, so a device can never write outside the download folder, and
// normalised to NFC.
func ParseSendLine(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != KeywordSend {
		return Request{}, fmt.Errorf("%w: %q", ErrMalformedTrigger, line)
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		return Request{}, fmt.Errorf("%w: bad size %q", ErrMalformedTrigger, fields[2])
	}

	name := norm.NFC.String(filepath.Base(strings.ReplaceAll(fields[1], "\\", "/")))
	if err := ValidateFileName(name); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedTrigger, err)
	}

	return Request{Name: name, Size: size}, nil
}

// BlockSizes returns the payload block sizes an upload of size bytes is
// split into.
func BlockSizes(size int64) []int {
	if size <= 0 {
		return nil
	}
	n := (size + BlockSize - 1) / BlockSize
	out := make([]int, 0, n)
	for remaining := size; remaining > 0; remaining -= BlockSize {
		out = append(out, int(min(remaining, BlockSize)))
	}
	return out
}
