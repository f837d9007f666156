package pager

// Hooks lets a caller observe noteworthy-but-recoverable pager events
// without the core printing anything itself. The core is a library
// consumed by a facade that spec.md §1 places out of scope, so it never
// logs; a facade that wants visibility supplies Hooks (all fields
// optional — nil means "don't care"), matching the "replace global
// mutable counters/logging with a per-store object threaded through
// construction" re-architecture note in spec.md §9.
type Hooks struct {
	// OnHeaderRecoveredFromBackup fires when page 0's checksum failed
	// and page 1 (the backup) was used to repair it (spec.md §4.3
	// recovery step 2).
	OnHeaderRecoveredFromBackup func()

	// OnRemapUndone fires each time the background undoer copies a
	// remap target back to its original lpid (spec.md §4.3).
	OnRemapUndone func(original, newLPID uint64, version int64)

	// OnCommit fires after a commit's second fsync, with the version
	// just published.
	OnCommit func(committedVersion int64)
}

func (h *Hooks) headerRecoveredFromBackup() {
	if h != nil && h.OnHeaderRecoveredFromBackup != nil {
		h.OnHeaderRecoveredFromBackup()
	}
}

func (h *Hooks) remapUndone(original, newLPID uint64, version int64) {
	if h != nil && h.OnRemapUndone != nil {
		h.OnRemapUndone(original, newLPID, version)
	}
}

func (h *Hooks) commit(v int64) {
	if h != nil && h.OnCommit != nil {
		h.OnCommit(v)
	}
}
