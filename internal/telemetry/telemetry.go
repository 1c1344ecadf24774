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

// Package telemetry provides opt-in error reporting via Sentry to a DSN
// the user configures. Usernames are stripped from paths before sending.
package telemetry

import (
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	sentryzerolog "github.com/getsentry/sentry-go/zerolog"
	"github.com/picolink/picolink-core/pkg/helpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const flushTimeout = 2 * time.Second

var (
	enabled      bool
	sentryWriter *sentryzerolog.Writer
	closeOnce    sync.Once

	homePathRe    = regexp.MustCompile(`(?i)/home/[^/]+/`)
	usersPathRe   = regexp.MustCompile(`(?i)/Users/[^/]+/`)
	windowsUserRe = regexp.MustCompile(`(?i)[a-zA-Z]:\\Users\\[^\\]+\\`)
)

// Init enables error reporting when dsn is set. Error level log events are
// forwarded to Sentry alongside the existing log writer.
func Init(dsn, installID, appVersion string) error {
	if dsn == "" {
		log.Debug().Msg("error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "picolink@" + appVersion,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		ServerName:       "",
		MaxBreadcrumbs:   0,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return sanitizeEvent(event)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		if installID != "" {
			scope.SetUser(sentry.User{ID: installID})
		}
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})

	sentryWriter, err = sentryzerolog.NewWithHub(sentry.CurrentHub(), sentryzerolog.Options{
		Levels:          []zerolog.Level{zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel},
		FlushTimeout:    flushTimeout,
		WithBreadcrumbs: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create sentry zerolog writer: %w", err)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		helpers.LogWriter(),
		sentryWriter,
	)).With().Timestamp().Caller().Logger()

	enabled = true
	log.Info().Msg("error reporting enabled")
	return nil
}

// Close flushes pending events and shuts down Sentry. Safe to call more
// than once.
func Close() {
	if !enabled {
		return
	}
	closeOnce.Do(func() {
		_ = sentryWriter.Close()
		sentry.Flush(flushTimeout)
	})
}

func Flush() {
	if !enabled {
		return
	}
	sentry.Flush(flushTimeout)
}

func Enabled() bool {
	return enabled
}

func sanitizeEvent(event *sentry.Event) *sentry.Event {
	// the SDK may fill in the hostname despite ServerName being empty
	event.ServerName = ""

	for i := range event.Exception {
		if event.Exception[i].Stacktrace != nil {
			for j := range event.Exception[i].Stacktrace.Frames {
				frame := &event.Exception[i].Stacktrace.Frames[j]
				frame.AbsPath = sanitizePath(frame.AbsPath)
				frame.Filename = sanitizePath(frame.Filename)
			}
		}
	}

	event.Message = sanitizePath(event.Message)

	for k, v := range event.Extra {
		if s, ok := v.(string); ok {
			event.Extra[k] = sanitizePath(s)
		}
	}

	return event
}

func sanitizePath(path string) string {
	if path == "" {
		return path
	}

	result := homePathRe.ReplaceAllString(path, "/home/<user>/")
	result = usersPathRe.ReplaceAllString(result, "/Users/<user>/")
	result = windowsUserRe.ReplaceAllString(result, "C:\\Users\\<user>\\")

	return result
}
