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

// Package demux decides, each poll cycle, whether buffered device bytes are
// free text for the log or a device-initiated download trigger.
package demux

import (
	"strings"

	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog/log"
)

// DeviceLinePrefix marks lines forwarded from the device to the log.
const DeviceLinePrefix = "[PICO] "

// TriggerFunc starts a download session. It owns the lease and must
// eventually release it.
type TriggerFunc func(lease *session.Lease, req transfer.Request)

type Demux struct {
	coord   *session.Coordinator
	logf    transfer.LogFunc
	trigger TriggerFunc
}

func New(coord *session.Coordinator, logf transfer.LogFunc, trigger TriggerFunc) *Demux {
	return &Demux{
		coord:   coord,
		logf:    logf,
		trigger: trigger,
	}
}

type event struct {
	err  error
	line string
}

// Step drains complete lines while the link is idle. A SEND line claims the
// link for a download inside the same transaction, so nothing else can
// drain the payload that follows it. Returns the number of lines logged and
// whether a download was triggered.
func (d *Demux) Step() (logged int, triggered bool) {
	var (
		events []event
		lease  *session.Lease
		req    transfer.Request
	)

	d.coord.Transact(func(tx *session.Tx) {
		if tx.Owner() != session.OwnerIdle {
			return
		}
		for {
			line, ok := tx.NextLine()
			if !ok {
				return
			}
			if !strings.HasPrefix(line, transfer.TriggerPrefix) {
				events = append(events, event{line: line})
				continue
			}

			r, err := transfer.ParseSendLine(line)
			if err != nil {
				events = append(events, event{line: line, err: err})
				continue
			}
			l, err := tx.Claim(session.OwnerDownload)
			if err != nil {
				// unreachable while idle
				events = append(events, event{line: line, err: err})
				return
			}
			lease, req = l, r
			return
		}
	})

	for _, ev := range events {
		if ev.err != nil {
			log.Warn().Err(ev.err).Str("line", ev.line).Msg("ignoring download trigger")
			d.emit("ERROR: Invalid SEND command received: " + ev.line)
			continue
		}
		d.emit(DeviceLinePrefix + ev.line)
		logged++
	}

	if lease == nil {
		return logged, false
	}

	log.Info().Str("file", req.Name).Int64("size", req.Size).Msg("device initiated download")
	if d.trigger == nil {
		lease.Release()
		return logged, false
	}
	d.trigger(lease, req)
	return logged, true
}

// Flush logs whatever complete lines accumulated while a session owned the
// link. It is registered as a release hook on the coordinator.
func (d *Demux) Flush() {
	if n, _ := d.Step(); n > 0 {
		log.Debug().Int("lines", n).Msg("flushed buffered device output")
	}
}

func (d *Demux) emit(line string) {
	if d.logf != nil {
		d.logf(line)
	}
}
