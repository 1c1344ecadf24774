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

// Package logpane is the user-visible transfer log. Every line is stamped
// with the local wall clock time, kept in a bounded history, mirrored to the
// application log and fanned out to live subscribers.
package logpane

import (
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCapacity = 1000
	timeLayout      = "15:04:05"
	subscriberQueue = 64
)

type Pane struct {
	clock   clockwork.Clock
	subs    map[int]chan string
	lines   []string
	next    int
	nextSub int
	size    int
	mu      syncutil.RWMutex
}

type Option func(*Pane)

func WithClock(c clockwork.Clock) Option {
	return func(p *Pane) {
		p.clock = c
	}
}

func New(capacity int, opts ...Option) *Pane {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pane{
		clock: clockwork.NewRealClock(),
		lines: make([]string, capacity),
		subs:  make(map[int]chan string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Log appends a line. Trailing whitespace is trimmed; an embedded newline
// produces one entry per line.
func (p *Pane) Log(line string) {
	line = strings.TrimRight(line, " \t\r\n")
	for _, part := range strings.Split(line, "\n") {
		p.append("[" + p.clock.Now().Format(timeLayout) + "] " + strings.TrimRight(part, "\r"))
	}
}

func (p *Pane) append(entry string) {
	log.Info().Str("source", "pane").Msg(entry)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lines[p.next] = entry
	p.next = (p.next + 1) % len(p.lines)
	if p.size < len(p.lines) {
		p.size++
	}

	for id, ch := range p.subs {
		select {
		case ch <- entry:
		default:
			log.Debug().Int("subscriber", id).Msg("log subscriber lagging, dropping line")
		}
	}
}

// Lines returns up to limit of the most recent entries, oldest first. A
// limit <= 0 returns everything retained.
func (p *Pane) Lines(limit int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := p.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	start := (p.next - n + len(p.lines)) % len(p.lines)
	for i := 0; i < n; i++ {
		out = append(out, p.lines[(start+i)%len(p.lines)])
	}
	return out
}

// Subscribe returns a channel receiving every new entry and a cancel func
// that closes it. Slow subscribers miss lines rather than block logging.
func (p *Pane) Subscribe() (<-chan string, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	ch := make(chan string, subscriberQueue)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			close(ch)
		})
	}
}
