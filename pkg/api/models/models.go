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


package models

import "time"

type Status struct {
	Port      string    `json:"port,omitempty"`
	Session   string    `json:"session"`
	Version   string    `json:"version"`
	Recent    []Session `json:"recent"`
	Connected bool      `json:"connected"`
}

// Session summarises a finished or running transfer.
type Session struct {
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ID          string     `json:"id"`
	Direction   string     `json:"direction"`
	Name        string     `json:"name"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	Size        int64      `json:"size"`
	Transferred int64      `json:"transferred"`
}

type UploadParams struct {
	Path string `json:"path" validate:"required,uploadpath"`
}

type UploadResponse struct {
	ID string `json:"id"`
}

type LogsResponse struct {
	Lines []string `json:"lines"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
