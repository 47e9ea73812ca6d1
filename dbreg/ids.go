// Copyright 2021 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package dbreg is the process-wide registry of named database handles:
// path resolution, refcounted open/close, advisory lockfiles, corrupt-file
// recovery and schema migration dispatch.
package dbreg

import (
	"path/filepath"
	"strings"
)

// ID enumerates the fixed set of logical databases this fleet maintains.
type ID int

const (
	Classes ID = iota
	Variables
	Performance
	Checksums
	Filestats
	Changes
	Observations
	State
	Lastseen
	Audit
	Locks
	History
	Measure
	Static
	Scalars
	WindowsRegistry
	Cache
	License
	Value
	AgentExecution
	Bundles
	PackagesInstalled
	PackagesUpdates

	numIDs
)

// tableMeta describes how one logical ID maps onto disk: its canonical
// stem under the state directory, and an optional legacy stem under the
// work directory that takes priority when present (pre-migration
// installs keep their old files in place rather than being silently
// abandoned).
type tableMeta struct {
	name       string
	stateStem  string
	legacyStem string // empty if this id has no pre-migration legacy path
}

var tables = [numIDs]tableMeta{
	Classes:           {"classes", "cf_classes", ""},
	Variables:         {"variables", "cf_variables", ""},
	Performance:       {"performance", "performance", "cf_performance"},
	Checksums:         {"checksums", "cf_checksums", ""},
	Filestats:         {"filestats", "cf_filestats", ""},
	Changes:           {"changes", "cf_changes", ""},
	Observations:      {"observations", "cf_observations", ""},
	State:             {"state", "cf_state", ""},
	Lastseen:          {"lastseen", "cf_lastseen", ""},
	Audit:             {"audit", "cf_audit", ""},
	Locks:             {"locks", "cf_lock", ""},
	History:           {"history", "cf_history", ""},
	Measure:           {"measure", "cf_measure", ""},
	Static:            {"static", "cf_static", ""},
	Scalars:           {"scalars", "cf_scalar", ""},
	WindowsRegistry:   {"windows_registry", "cf_windows_registry", ""},
	Cache:             {"cache", "cf_coverage", ""},
	License:           {"license", "cf_licenses", ""},
	Value:             {"value", "cf_value", ""},
	AgentExecution:    {"agent_execution", "cf_agent_execution", ""},
	Bundles:           {"bundles", "cf_bundles", ""},
	PackagesInstalled: {"packages_installed", "cf_packages_installed", ""},
	PackagesUpdates:   {"packages_updates", "cf_packages_updates", ""},
}

func (id ID) String() string {
	if id < 0 || id >= numIDs {
		return "unknown"
	}
	return tables[id].name
}

// stem returns the filename stem (without extension) this id resolves
// to, given whether a legacy work-dir file is present. Path resolution
// proper (which directory, which extension) lives in Registry.resolvePath,
// since it needs the configured directories.
func (id ID) stem(legacyExists bool) string {
	m := tables[id]
	if legacyExists && m.legacyStem != "" {
		return m.legacyStem
	}
	return m.stateStem
}

// StateFilename is the file name (stem plus engine extension) this id
// uses under the state directory.
func StateFilename(id ID) string { return tables[id].stateStem + ".mdbx" }

// IDForName maps a logical name (the String form of an id) back onto
// its id.
func IDForName(name string) (ID, bool) {
	for i := ID(0); i < numIDs; i++ {
		if tables[i].name == name {
			return i, true
		}
	}
	return 0, false
}

// IDForPath maps a database filename back onto its logical id by
// matching either stem against the path's base name, used by tooling
// handed bare file paths (diagnose, dump) to pick per-store behaviour.
func IDForPath(path string) (ID, bool) {
	base := filepath.Base(path)
	for i := ID(0); i < numIDs; i++ {
		m := tables[i]
		if strings.HasPrefix(base, m.stateStem+".") ||
			(m.legacyStem != "" && strings.HasPrefix(base, m.legacyStem+".")) {
			return i, true
		}
	}
	return 0, false
}

// All returns every logical id, in declaration order, for discovery when
// the CLI is given no explicit file list.
func All() []ID {
	ids := make([]ID, 0, numIDs)
	for i := ID(0); i < numIDs; i++ {
		ids = append(ids, i)
	}
	return ids
}
