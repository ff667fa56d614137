package persistm

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mizosoft/persistm/testutil"
	"gotest.tools/v3/assert"
)

func TestBadgerStoreOpenCurrentWithoutSnapshot(t *testing.T) {
	store, err := OpenBadgerSnapshotStore(t.TempDir(), "p0")
	assert.NilError(t, err)
	defer store.Close()

	reader, err := store.OpenCurrent()
	assert.NilError(t, err)
	testutil.AssertNil(t, reader)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := OpenBadgerSnapshotStore(t.TempDir(), "p0")
	assert.NilError(t, err)
	defer store.Close()

	want := NewSnapshot(12, 3, []byte("abcdefgh"))
	writeSnapshot(t, store, want)

	got := readSnapshot(t, store)
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Header, want.Header)
	assert.DeepEqual(t, got.Payload, want.Payload)
}

func TestBadgerStoreOverwrite(t *testing.T) {
	store, err := OpenBadgerSnapshotStore(t.TempDir(), "p0")
	assert.NilError(t, err)
	defer store.Close()

	writeSnapshot(t, store, NewSnapshot(5, 1, []byte("old")))
	writeSnapshot(t, store, NewSnapshot(9, 1, []byte("new state")))

	got := readSnapshot(t, store)
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Header.Offset, Offset(9))
	assert.DeepEqual(t, got.Payload, []byte("new state"))
}

func TestBadgerStoreIsolatesMachinesByName(t *testing.T) {
	dir := t.TempDir()
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	assert.NilError(t, err)
	defer db.Close()

	a := NewBadgerSnapshotStore(db, "a")
	b := NewBadgerSnapshotStore(db, "b")

	writeSnapshot(t, a, NewSnapshot(3, 1, []byte("for a")))

	assert.Assert(t, readSnapshot(t, b) == nil)
	got := readSnapshot(t, a)
	assert.Assert(t, got != nil)
	assert.DeepEqual(t, got.Payload, []byte("for a"))
}

func TestBadgerStoreHydration(t *testing.T) {
	dir := t.TempDir()
	log := NewMemoryLog()
	appendAndCommit(log, 6)

	func() {
		store, err := OpenBadgerSnapshotStore(dir, "p0")
		assert.NilError(t, err)
		defer store.Close()
		makeSnapshotAt(t, log, store, 5)
	}()

	store, err := OpenBadgerSnapshotStore(dir, "p0")
	assert.NilError(t, err)
	defer store.Close()

	hooks := newFakeHooks()
	s := newTestMachine(t, log, hooks, store)
	assert.NilError(t, s.Start(context.Background()))

	snapshots := hooks.appliedSnapshots()
	assert.Equal(t, len(snapshots), 1)
	assert.Equal(t, snapshots[0].header.Offset, Offset(5))
	assert.DeepEqual(t, snapshots[0].payload, []byte("state"))
}
