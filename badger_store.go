package persistm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
)

const (
	snapshotMetaKeySuffix = ":snapshot:meta"
	snapshotDataKeySuffix = ":snapshot:data"
)

// BadgerSnapshotStore keeps the current snapshot in a badger DB. Writes stage
// in memory and install both keys in one transaction, so incomplete writes
// never reach disk and DiscardIncomplete has nothing to do.
type BadgerSnapshotStore struct {
	db   *badger.DB
	dir  string
	name string

	// ownsDb is set when the store opened the DB itself and should close it.
	ownsDb bool
}

func OpenBadgerSnapshotStore(dir string, name string) (*BadgerSnapshotStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerSnapshotStore{db: db, dir: dir, name: name, ownsDb: true}, nil
}

// NewBadgerSnapshotStore wraps an externally managed DB, e.g. one shared with
// other state machines of the same process.
func NewBadgerSnapshotStore(db *badger.DB, name string) *BadgerSnapshotStore {
	return &BadgerSnapshotStore{db: db, name: name}
}

func (s *BadgerSnapshotStore) metaKey() []byte {
	return []byte(s.name + snapshotMetaKeySuffix)
}

func (s *BadgerSnapshotStore) dataKey() []byte {
	return []byte(s.name + snapshotDataKeySuffix)
}

func (s *BadgerSnapshotStore) CurrentPath() string {
	return fmt.Sprintf("badger://%s/%s", s.dir, s.name)
}

func (s *BadgerSnapshotStore) OpenCurrent() (SnapshotReader, error) {
	var meta, data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.metaKey())
		if err != nil {
			return err
		}
		if meta, err = item.ValueCopy(nil); err != nil {
			return err
		}

		item, err = txn.Get(s.dataKey())
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &badgerSnapshotReader{meta: meta, data: data}, nil
}

func (s *BadgerSnapshotStore) BeginWrite() (SnapshotWriter, error) {
	return &badgerSnapshotWriter{}, nil
}

func (s *BadgerSnapshotStore) Commit(writer SnapshotWriter) error {
	w, ok := writer.(*badgerSnapshotWriter)
	if !ok {
		panic(fmt.Errorf("foreign writer: %T", writer))
	}
	if !w.closed {
		panic(fmt.Errorf("committing an unclosed writer"))
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(s.metaKey(), w.meta); err != nil {
			return err
		}
		return txn.Set(s.dataKey(), w.payload.Bytes())
	})
}

func (s *BadgerSnapshotStore) DiscardIncomplete() error {
	return nil
}

func (s *BadgerSnapshotStore) Close() error {
	if s.ownsDb {
		return s.db.Close()
	}
	return nil
}

type badgerSnapshotReader struct {
	meta []byte
	data []byte
}

func (r *badgerSnapshotReader) ReadMetadata() ([]byte, error) {
	if len(r.meta) < snapshotMetadataSize {
		return nil, io.ErrUnexpectedEOF
	}
	return r.meta, nil
}

func (r *badgerSnapshotReader) Payload() io.Reader {
	return bytes.NewReader(r.data)
}

func (r *badgerSnapshotReader) Close() error {
	return nil
}

type badgerSnapshotWriter struct {
	meta    []byte
	payload bytes.Buffer
	closed  bool
}

func (w *badgerSnapshotWriter) WriteMetadata(meta []byte) error {
	if len(meta) != snapshotMetadataSize {
		return fmt.Errorf("bad metadata size: %d", len(meta))
	}
	w.meta = append([]byte(nil), meta...)
	return nil
}

func (w *badgerSnapshotWriter) PayloadWriter() io.Writer {
	return &w.payload
}

func (w *badgerSnapshotWriter) Close() error {
	w.closed = true
	return nil
}
