// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// DumpEntry is one handle's diagnostic state as reported by DebugDump.
type DumpEntry struct {
	Key          HandleKey
	RefCount     int64
	Dependencies []HandleKey
}

// DebugDump writes a human-readable snapshot of every currently registered
// handle to w: its key, live reference count, and outgoing dependency
// edges. It is a diagnostic tool only, not meant to be read back in, since
// the Registry keeps no state that is meaningful once its destructors and
// live values have gone away.
func (r *Registry) DebugDump(w io.Writer) error {
	entries := r.snapshotEntries()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.Class != entries[j].Key.Class {
			return entries[i].Key.Class < entries[j].Key.Class
		}
		return entries[i].Key.ID < entries[j].Key.ID
	})

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "handlelife registry dump: %d handle(s)\n", len(entries)) // #nosec G104
	for _, e := range entries {
		fmt.Fprintf(bw, "  %s#%d refcount=%d deps=%v\n", // #nosec G104
			e.Key.Class, e.Key.ID, e.RefCount, e.Dependencies)
	}
	return bw.Flush()
}

// snapshotEntries walks the handle map and returns a DumpEntry per handle.
func (r *Registry) snapshotEntries() []DumpEntry {
	var entries []DumpEntry
	r.handles.ForEach(func(k HandleKey, v any) {
		hc := v.(*handleContext)
		entries = append(entries, DumpEntry{
			Key:          k,
			RefCount:     hc.loadRefcount(),
			Dependencies: hc.deps.snapshot(),
		})
	})
	return entries
}
