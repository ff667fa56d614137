package persistm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/edsrzf/mmap-go"
)

// SnapshotStore is the transactional snapshot file lifecycle a StateMachine
// owns. A reader never observes a partially written snapshot; a writer that
// crashes mid-write leaves an artifact removed by DiscardIncomplete at the
// next hydration.
type SnapshotStore interface {
	// OpenCurrent opens the current snapshot for reading, or returns a nil
	// reader if no snapshot exists.
	OpenCurrent() (SnapshotReader, error)

	// BeginWrite starts writing a new snapshot.
	BeginWrite() (SnapshotWriter, error)

	// Commit atomically installs a fully written (and closed) snapshot as the
	// current one.
	Commit(writer SnapshotWriter) error

	// DiscardIncomplete removes artifacts of writes that never committed.
	DiscardIncomplete() error

	// CurrentPath locates the current snapshot, for diagnostics only.
	CurrentPath() string
}

type SnapshotReader interface {
	// ReadMetadata returns the fixed-size metadata block.
	ReadMetadata() ([]byte, error)

	// Payload returns a reader over the bytes following the metadata block.
	Payload() io.Reader

	Close() error
}

type SnapshotWriter interface {
	// WriteMetadata writes the fixed-size metadata block. Must be called
	// exactly once, before any payload bytes.
	WriteMetadata(meta []byte) error

	// PayloadWriter returns a writer for the bytes following the metadata
	// block.
	PayloadWriter() io.Writer

	// Close flushes the written bytes. The snapshot only becomes visible once
	// the store commits the writer.
	Close() error
}

const (
	snapshotFileSuffix = ".snap"
	partialFileSuffix  = ".snap.tmp"
)

// FileStoreOptions configures a FileSnapshotStore.
type FileStoreOptions struct {
	Dir string

	// Name distinguishes snapshots of different state machines sharing a
	// directory.
	Name string

	// MemoryMapped reads snapshots through a memory mapping instead of file
	// reads.
	MemoryMapped bool
}

// FileSnapshotStore keeps the current snapshot in a single file, written
// through a temp file and an atomic rename.
type FileSnapshotStore struct {
	dir          string
	name         string
	memoryMapped bool
}

func OpenFileSnapshotStore(options FileStoreOptions) (*FileSnapshotStore, error) {
	if options.Name == "" {
		return nil, fmt.Errorf("Name is required")
	}
	if err := os.MkdirAll(options.Dir, 0755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{
		dir:          options.Dir,
		name:         options.Name,
		memoryMapped: options.MemoryMapped,
	}, nil
}

func (s *FileSnapshotStore) CurrentPath() string {
	return path.Join(s.dir, s.name+snapshotFileSuffix)
}

func (s *FileSnapshotStore) partialPath() string {
	return path.Join(s.dir, s.name+partialFileSuffix)
}

func (s *FileSnapshotStore) OpenCurrent() (SnapshotReader, error) {
	f, err := os.Open(s.CurrentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if s.memoryMapped {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			return nil, closeOnErr(f, err)
		}
		return &mappedSnapshotReader{f: f, m: m}, nil
	}
	return &fileSnapshotReader{f: f}, nil
}

func (s *FileSnapshotStore) BeginWrite() (SnapshotWriter, error) {
	f, err := os.Create(s.partialPath())
	if err != nil {
		return nil, err
	}
	return &fileSnapshotWriter{f: f, fpath: s.partialPath()}, nil
}

func (s *FileSnapshotStore) Commit(writer SnapshotWriter) error {
	w, ok := writer.(*fileSnapshotWriter)
	if !ok {
		panic(fmt.Errorf("foreign writer: %T", writer))
	}
	if !w.closed {
		panic(fmt.Errorf("committing an unclosed writer"))
	}
	return os.Rename(w.fpath, s.CurrentPath())
}

func (s *FileSnapshotStore) DiscardIncomplete() error {
	if err := os.Remove(s.partialPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type fileSnapshotReader struct {
	f *os.File
}

func (r *fileSnapshotReader) ReadMetadata() ([]byte, error) {
	meta := make([]byte, snapshotMetadataSize)
	if _, err := io.ReadFull(newReaderAt(r.f, 0), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (r *fileSnapshotReader) Payload() io.Reader {
	return newBufferedReader(newReaderAt(r.f, snapshotMetadataSize))
}

func (r *fileSnapshotReader) Close() error {
	return r.f.Close()
}

type mappedSnapshotReader struct {
	f *os.File
	m mmap.MMap
}

func (r *mappedSnapshotReader) ReadMetadata() ([]byte, error) {
	if len(r.m) < snapshotMetadataSize {
		return nil, io.ErrUnexpectedEOF
	}
	meta := make([]byte, snapshotMetadataSize)
	copy(meta, r.m)
	return meta, nil
}

func (r *mappedSnapshotReader) Payload() io.Reader {
	return bytes.NewReader(r.m[snapshotMetadataSize:])
}

func (r *mappedSnapshotReader) Close() error {
	return closeOnErr(r.f, r.m.Unmap())
}

type fileSnapshotWriter struct {
	f      *os.File
	fpath  string
	closed bool
}

func (w *fileSnapshotWriter) WriteMetadata(meta []byte) error {
	if len(meta) != snapshotMetadataSize {
		return fmt.Errorf("bad metadata size: %d", len(meta))
	}
	_, err := w.f.Write(meta)
	return err
}

func (w *fileSnapshotWriter) PayloadWriter() io.Writer {
	return w.f
}

func (w *fileSnapshotWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		return closeOnErr(w.f, err)
	}
	return w.f.Close()
}
