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


package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hbollon/go-edlib"
	"github.com/picolink/picolink-core/pkg/discovery"
)

// ListPorts prints every USB serial port and marks the ones matching sig.
// A configured override that is not present gets a closest-name hint.
func ListPorts(w io.Writer, lister discovery.Lister, sig discovery.Signature, override string) error {
	ports, err := discovery.ListUSBPorts(lister)
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}

	if len(ports) == 0 {
		_, _ = fmt.Fprintln(w, "No USB serial ports found.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PORT\tVID:PID\tPRODUCT\tSERIAL\t")
		for _, p := range ports {
			mark := ""
			if sig.Matches(p.VID, p.PID) {
				mark = "<- device"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\t%s\n",
				p.Name, p.VID, p.PID, p.Product, p.SerialNumber, mark)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("failed to write port list: %w", err)
		}
	}

	if override == "" {
		return nil
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.Name == override {
			return nil
		}
		names = append(names, p.Name)
	}
	_, _ = fmt.Fprintf(w, "Configured port %s is not present.", override)
	if s := suggestPort(override, names); s != "" {
		_, _ = fmt.Fprintf(w, " Did you mean %s?", s)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// suggestPort returns the name closest to target, or "" when nothing is
// close enough to be a likely typo.
func suggestPort(target string, names []string) string {
	best := ""
	bestDist := len(target)/2 + 1
	for _, name := range names {
		dist := edlib.DamerauLevenshteinDistance(target, name)
		if dist < bestDist {
			best = name
			bestDist = dist
		}
	}
	return best
}
