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

// Package discovery finds the serial port bound to the target USB device.
package discovery

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

// DefaultSignature is the Raspberry Pi Pico USB CDC interface.
var DefaultSignature = Signature{VID: "2E8A", PID: "000A"}

var (
	colonSigRe    = regexp.MustCompile(`^([0-9A-Fa-f]{4}):([0-9A-Fa-f]{4})$`)
	hardwareSigRe = regexp.MustCompile(`(?i)VID_([0-9A-F]{4})&PID_([0-9A-F]{4})`)
)

// Signature is a USB vendor:product pair, stored upper case.
type Signature struct {
	VID string
	PID string
}

// ParseSignature accepts "2E8A:000A" or a hardware id such as
// "USB\VID_2E8A&PID_000A&MI_00".
func ParseSignature(s string) (Signature, error) {
	s = strings.TrimSpace(s)
	if m := colonSigRe.FindStringSubmatch(s); m != nil {
		return NewSignature(m[1], m[2]), nil
	}
	if m := hardwareSigRe.FindStringSubmatch(s); m != nil {
		return NewSignature(m[1], m[2]), nil
	}
	return Signature{}, fmt.Errorf("invalid device signature: %q", s)
}

func NewSignature(vid, pid string) Signature {
	return Signature{
		VID: strings.ToUpper(strings.TrimPrefix(strings.ToLower(vid), "0x")),
		PID: strings.ToUpper(strings.TrimPrefix(strings.ToLower(pid), "0x")),
	}
}

func (s Signature) String() string {
	return s.VID + ":" + s.PID
}

func (s Signature) Matches(vid, pid string) bool {
	return strings.EqualFold(s.VID, vid) && strings.EqualFold(s.PID, pid)
}

// Lister enumerates the serial ports currently present.
type Lister func() ([]*enumerator.PortDetails, error)

// DefaultLister enumerates through the OS (sysfs, IOKit or SetupAPI).
func DefaultLister() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

type Option func(*Finder)

func WithLister(l Lister) Option {
	return func(f *Finder) {
		f.lister = l
	}
}

// WithPortOverride skips enumeration and always reports the given port.
func WithPortOverride(port string) Option {
	return func(f *Finder) {
		f.override = port
	}
}

type Finder struct {
	lister   Lister
	override string
	sig      Signature
}

func NewFinder(sig Signature, opts ...Option) *Finder {
	f := &Finder{
		sig:    sig,
		lister: DefaultLister,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Finder) Signature() Signature {
	return f.sig
}

// Find returns the port name of the first present device matching the
// signature. Entries that are not USB or have no port name are skipped.
func (f *Finder) Find() (string, bool) {
	if f.override != "" {
		return f.override, true
	}

	ports, err := f.lister()
	if err != nil {
		log.Debug().Err(err).Msg("port enumeration failed")
		return "", false
	}

	for _, p := range ports {
		if p == nil || !p.IsUSB || p.Name == "" {
			continue
		}
		if f.sig.Matches(p.VID, p.PID) {
			return p.Name, true
		}
	}
	return "", false
}

// PortInfo describes one enumerated USB serial port.
type PortInfo struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListUSBPorts returns every USB serial port the lister reports.
func ListUSBPorts(l Lister) ([]PortInfo, error) {
	if l == nil {
		return nil, errors.New("nil lister")
	}
	ports, err := l()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		out = append(out, PortInfo{
			Name:         p.Name,
			VID:          strings.ToUpper(p.VID),
			PID:          strings.ToUpper(p.PID),
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return out, nil
}
