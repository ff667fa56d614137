package persistm

import (
	"io"
	"os"
	"testing"

	"github.com/mizosoft/persistm/testutil"
	"gotest.tools/v3/assert"
)

func writeSnapshot(t *testing.T, store SnapshotStore, snapshot Snapshot) {
	t.Helper()

	writer, err := store.BeginWrite()
	assert.NilError(t, err)
	assert.NilError(t, writer.WriteMetadata(encodeSnapshotMetadata(snapshot.Header)))
	_, err = writer.PayloadWriter().Write(snapshot.Payload)
	assert.NilError(t, err)
	assert.NilError(t, writer.Close())
	assert.NilError(t, store.Commit(writer))
}

func readSnapshot(t *testing.T, store SnapshotStore) *Snapshot {
	t.Helper()

	reader, err := store.OpenCurrent()
	assert.NilError(t, err)
	if reader == nil {
		return nil
	}
	defer reader.Close()

	meta, err := reader.ReadMetadata()
	assert.NilError(t, err)
	header, err := decodeSnapshotMetadata(meta)
	assert.NilError(t, err)
	payload := make([]byte, header.PayloadSize)
	_, err = io.ReadFull(reader.Payload(), payload)
	assert.NilError(t, err)
	return &Snapshot{Header: header, Payload: payload}
}

func TestFileStoreOpenCurrentWithoutSnapshot(t *testing.T) {
	store, err := OpenFileSnapshotStore(FileStoreOptions{Dir: t.TempDir(), Name: "p0"})
	assert.NilError(t, err)

	reader, err := store.OpenCurrent()
	assert.NilError(t, err)
	testutil.AssertNil(t, reader)
}

func TestFileStoreRoundTrip(t *testing.T) {
	for _, memoryMapped := range []bool{false, true} {
		t.Run(map[bool]string{false: "File", true: "Mmap"}[memoryMapped], func(t *testing.T) {
			store, err := OpenFileSnapshotStore(FileStoreOptions{
				Dir:          t.TempDir(),
				Name:         "p0",
				MemoryMapped: memoryMapped,
			})
			assert.NilError(t, err)

			want := NewSnapshot(12, 3, []byte("abcdefgh"))
			writeSnapshot(t, store, want)

			got := readSnapshot(t, store)
			assert.Assert(t, got != nil)
			assert.Equal(t, got.Header, want.Header)
			assert.DeepEqual(t, got.Payload, want.Payload)
		})
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	store, err := OpenFileSnapshotStore(FileStoreOptions{Dir: t.TempDir(), Name: "p0"})
	assert.NilError(t, err)

	writeSnapshot(t, store, NewSnapshot(5, 1, []byte("old")))
	writeSnapshot(t, store, NewSnapshot(9, 1, []byte("new state")))

	got := readSnapshot(t, store)
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Header.Offset, Offset(9))
	assert.DeepEqual(t, got.Payload, []byte("new state"))
}

func TestFileStoreDiscardIncomplete(t *testing.T) {
	store, err := OpenFileSnapshotStore(FileStoreOptions{Dir: t.TempDir(), Name: "p0"})
	assert.NilError(t, err)

	writer, err := store.BeginWrite()
	assert.NilError(t, err)
	assert.NilError(t, writer.WriteMetadata(encodeSnapshotMetadata(SnapshotHeader{Offset: 3})))
	assert.NilError(t, writer.Close())

	assert.NilError(t, store.DiscardIncomplete())
	_, err = os.Stat(store.partialPath())
	assert.Assert(t, os.IsNotExist(err))

	// No-op when there's nothing to discard.
	assert.NilError(t, store.DiscardIncomplete())

	// The current snapshot is untouched.
	assert.Assert(t, readSnapshot(t, store) == nil)
}

func TestFileStoreCrashedWriteInvisibleToReaders(t *testing.T) {
	store, err := OpenFileSnapshotStore(FileStoreOptions{Dir: t.TempDir(), Name: "p0"})
	assert.NilError(t, err)

	writeSnapshot(t, store, NewSnapshot(5, 1, []byte("committed")))

	// A write that is closed but never committed.
	writer, err := store.BeginWrite()
	assert.NilError(t, err)
	assert.NilError(t, writer.WriteMetadata(encodeSnapshotMetadata(NewSnapshot(8, 1, nil).Header)))
	assert.NilError(t, writer.Close())

	got := readSnapshot(t, store)
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Header.Offset, Offset(5))
	assert.DeepEqual(t, got.Payload, []byte("committed"))
}

func TestFileStoreRequiresName(t *testing.T) {
	_, err := OpenFileSnapshotStore(FileStoreOptions{Dir: t.TempDir()})
	assert.ErrorContains(t, err, "Name is required")
}
