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
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeSuccess  Outcome = "success"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeFailed   Outcome = "failed"
	OutcomeRefused  Outcome = "refused"
)

// Record summarises a single transfer session. Records are handed to the
// configured Reporter once the session ends.
type Record struct {
	StartedAt   time.Time `json:"startedAt" csv:"started_at"`
	FinishedAt  time.Time `json:"finishedAt" csv:"finished_at"`
	ID          string    `json:"id" csv:"id"`
	Direction   Direction `json:"direction" csv:"direction"`
	Name        string    `json:"name" csv:"name"`
	Path        string    `json:"path,omitempty" csv:"path"`
	Outcome     Outcome   `json:"outcome" csv:"outcome"`
	Error       string    `json:"error,omitempty" csv:"error"`
	Size        int64     `json:"size" csv:"size"`
	Transferred int64     `json:"transferred" csv:"transferred"`
	Blocks      int       `json:"blocks,omitempty" csv:"blocks"`
}

// Reporter receives finished session records.
type Reporter func(Record)

func newRecord(dir Direction, name string, now time.Time) Record {
	return Record{
		ID:        uuid.New().String(),
		Direction: dir,
		Name:      name,
		Outcome:   OutcomeRunning,
		StartedAt: now,
	}
}

func (r *Record) finish(now time.Time, err error) {
	r.FinishedAt = now
	switch {
	case err == nil:
		r.Outcome = OutcomeSuccess
	case errors.Is(err, ErrTimeout):
		r.Outcome = OutcomeTimedOut
	default:
		r.Outcome = OutcomeFailed
	}
	if err != nil {
		r.Error = err.Error()
	}
}
