package pager

import (
	"sort"
	"sync"

	"github.com/oda/verskv/pkg/verskv/kverr"
)

// Snapshot is a read view at a specific committed version (spec.md §3).
// It is a shared, reference-counted handle: the pager holds only weak
// ownership through its deque (spec.md §5, §9's "intrusive reference
// counting with weak back-pointers" re-architecture note) and reclaims
// the version slot once the snapshot's refcount drops to zero and its
// version has fallen below the pending oldest version.
type Snapshot struct {
	version int64
	metaKey []byte

	pager *Pager
	slot  *snapshotSlot
}

// Version returns the snapshot's committed version.
func (s *Snapshot) Version() int64 { return s.version }

// MetaKey returns the B+tree's opaque meta-key as it stood at this
// snapshot's commit.
func (s *Snapshot) MetaKey() []byte { return s.metaKey }

// Expired reports whether the pager has unilaterally expired this
// snapshot (spec.md §3: "dropping a snapshot unilaterally by the pager
// raises an expired-read error on any subsequent read through it").
func (s *Snapshot) Expired() bool {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()
	return s.slot.expired
}

// CheckAlive returns kverr.ErrVersionTooOld if the snapshot has been
// expired, nil otherwise. The pager's read methods take a version
// rather than a Snapshot and do not call it.
func (s *Snapshot) CheckAlive() error {
	if s.Expired() {
		return kverr.WrapVersion(kverr.ErrVersionTooOld, s.version)
	}
	return nil
}

// Release drops this handle's hold on the snapshot. The underlying slot
// is only reclaimed once every handle has been released and its version
// has fallen below the pending oldest version.
func (s *Snapshot) Release() {
	s.pager.releaseSnapshot(s.slot)
}

// snapshotSlot is the pager-owned entry in the snapshot deque; Snapshot
// handles reference it by pointer and bump/drop its refcount.
type snapshotSlot struct {
	mu       sync.Mutex
	version  int64
	metaKey  []byte
	refcount int
	expired  bool
}

// snapshotDeque holds slots in strictly increasing version order, per
// spec.md §3's "snapshots form a version-ordered deque."
type snapshotDeque struct {
	mu    sync.Mutex
	slots []*snapshotSlot
}

func newSnapshotDeque() *snapshotDeque {
	return &snapshotDeque{}
}

func (d *snapshotDeque) pushBack(version int64, metaKey []byte) *snapshotSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &snapshotSlot{version: version, metaKey: metaKey}
	d.slots = append(d.slots, s)
	return s
}

// findLE returns the slot with the greatest version <= v, or nil.
func (d *snapshotDeque) findLE(v int64) *snapshotSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := sort.Search(len(d.slots), func(i int) bool { return d.slots[i].version > v }) - 1
	if idx < 0 {
		return nil
	}
	return d.slots[idx]
}

// frontLiveVersion returns the version of the oldest live (refcount > 0)
// slot, or ok=false if none are held — this is the "min version across live
// snapshots" half of the effective-oldest-version computation
// (GLOSSARY).
func (d *snapshotDeque) frontLiveVersion() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		s.mu.Lock()
		held := s.refcount > 0
		v := s.version
		s.mu.Unlock()
		if held {
			return v, true
		}
	}
	return 0, false
}

// expireUnreferencedBelow unilaterally expires and drops every
// unreferenced slot whose version is below oldest, keeping the most
// recent one regardless (so get_read_snapshot always has something to
// return once at least one commit has happened).
func (d *snapshotDeque) expireUnreferencedBelow(oldest int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.slots[:0]
	for i, s := range d.slots {
		s.mu.Lock()
		live := s.refcount > 0 || s.version >= oldest || i == len(d.slots)-1
		if !live {
			s.expired = true
		}
		s.mu.Unlock()
		if live {
			kept = append(kept, s)
		}
	}
	d.slots = kept
}
