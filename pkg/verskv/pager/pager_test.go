package pager

import (
	"context"
	"testing"

	"github.com/oda/verskv/pkg/verskv/iofile"
	"github.com/oda/verskv/pkg/verskv/page"
)

func mustOpen(t *testing.T, ctx context.Context, file *iofile.FakeFile, opts ...Option) *Pager {
	t.Helper()
	p, err := Open(ctx, file, nil, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestFreshOpenCommitReopenRoundTrip(t *testing.T) {
	ctx := context.Background()
	file := iofile.NewFakeFile()

	p := mustOpen(t, ctx, file, WithPageSize(SmallestPhysicalBlock))

	lpid, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID: %v", err)
	}
	buf := page.NewBuf(p.pageSize)
	copy(buf.Data(), []byte("hello versioned world"))
	if _, err := p.UpdatePage(ctx, lpid, buf).Await(ctx); err != nil {
		t.Fatalf("UpdatePage: %v", err)
	}

	v, err := p.Commit(ctx, []byte("meta-v1")).Await(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected committed version 1, got %d", v)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2 := mustOpen(t, ctx, file)
	defer p2.Close(ctx)

	got, err := p2.ReadPage(ctx, lpid, true, false).Await(ctx)
	if err != nil {
		t.Fatalf("ReadPage after reopen: %v", err)
	}
	if string(got.Data()[:len("hello versioned world")]) != "hello versioned world" {
		t.Fatalf("unexpected page content after reopen: %q", got.Data()[:32])
	}

	snap, err := p2.GetReadSnapshot(ctx, v)
	if err != nil {
		t.Fatalf("GetReadSnapshot: %v", err)
	}
	defer snap.Release()
	if string(snap.MetaKey()) != "meta-v1" {
		t.Fatalf("expected recovered meta key, got %q", snap.MetaKey())
	}
}

func TestChecksumCorruptionRecoversFromBackup(t *testing.T) {
	ctx := context.Background()
	file := iofile.NewFakeFile()

	p := mustOpen(t, ctx, file)
	if _, err := p.Commit(ctx, []byte("meta")).Await(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the active header (page 0); the backup at page 1 is intact.
	file.Corrupt(0, SmallestPhysicalBlock)

	var recovered bool
	hooks := &Hooks{OnHeaderRecoveredFromBackup: func() { recovered = true }}
	p2, err := Open(ctx, file, hooks)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	defer p2.Close(ctx)

	if !recovered {
		t.Fatalf("expected header-recovered-from-backup hook to fire")
	}
}

func TestRemapLifecycle(t *testing.T) {
	ctx := context.Background()
	file := iofile.NewFakeFile()
	p := mustOpen(t, ctx, file)
	defer p.Close(ctx)

	lpid, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID: %v", err)
	}
	original := page.NewBuf(p.pageSize)
	copy(original.Data(), []byte("v1"))
	if _, err := p.UpdatePage(ctx, lpid, original).Await(ctx); err != nil {
		t.Fatalf("UpdatePage: %v", err)
	}
	if _, err := p.Commit(ctx, nil).Await(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	updated := page.NewBuf(p.pageSize)
	copy(updated.Data(), []byte("v2"))
	if _, err := p.AtomicUpdatePage(ctx, lpid, updated, 2).Await(ctx); err != nil {
		t.Fatalf("AtomicUpdatePage: %v", err)
	}

	p.mu.Lock()
	hasRemap := p.remapTable.HasLiveRemaps(lpid)
	p.mu.Unlock()
	if !hasRemap {
		t.Fatalf("expected a live remap for %d after AtomicUpdatePage", lpid)
	}

	got, err := p.ReadPage(ctx, lpid, true, false).Await(ctx)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got.Data()[:2]) != "v2" {
		t.Fatalf("expected remapped content v2, got %q", got.Data()[:2])
	}

	oldSnapshotVersion := int64(1)
	got, err = p.ReadPageAtVersion(ctx, lpid, oldSnapshotVersion, true, false).Await(ctx)
	if err != nil {
		t.Fatalf("ReadPageAtVersion: %v", err)
	}
	if string(got.Data()[:2]) != "v1" {
		t.Fatalf("expected original content v1 at version 1, got %q", got.Data()[:2])
	}
}

func TestFreeListAndDelayedFreeInteraction(t *testing.T) {
	ctx := context.Background()
	file := iofile.NewFakeFile()
	p := mustOpen(t, ctx, file)
	defer p.Close(ctx)

	lpid, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID: %v", err)
	}

	// Nothing remaps lpid and its free version (0) is not below the
	// effective oldest version (0), so it lands on the delayed-free list;
	// NewPageID reuses a delayed-free entry whose version is at or below
	// the oldest version, so it comes straight back out.
	if err := p.FreePage(ctx, lpid, 0); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	reused, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID (reuse): %v", err)
	}
	if reused != lpid {
		t.Fatalf("expected immediate reuse of freed page %d, got %d", lpid, reused)
	}

	// A page freed at a version still covered by a live snapshot must
	// wait on the delayed-free list until the oldest version advances
	// past it.
	other, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID: %v", err)
	}
	if _, err := p.Commit(ctx, nil).Await(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	snap, err := p.GetReadSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("GetReadSnapshot: %v", err)
	}
	if err := p.FreePage(ctx, other, 1); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	delayed, err := p.NewPageID(ctx)
	if err != nil {
		t.Fatalf("NewPageID: %v", err)
	}
	if delayed == other {
		t.Fatalf("page freed at a version covered by a live snapshot must not be reused yet")
	}
	snap.Release()
}
