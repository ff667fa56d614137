package persistm

import (
	"errors"
	"io"
	"os"
	"sync"
)

type uncopyable struct {
	_ sync.Mutex
}

type offsetFileReader struct {
	f      *os.File
	offset int64
}

func (r *offsetFileReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

func newReaderAt(f *os.File, offset int64) io.Reader {
	return &offsetFileReader{f: f, offset: offset}
}

const bufferSize = 8096

type bufferedReader struct {
	_ uncopyable

	buf    []byte
	pos    int
	count  int
	err    error
	reader io.Reader
}

func newBufferedReader(reader io.Reader) io.Reader {
	return &bufferedReader{
		buf:    make([]byte, bufferSize),
		reader: reader,
	}
}

func (b *bufferedReader) Read(p []byte) (int, error) {
	for n := 0; ; {
		c := copy(p[n:], b.buf[b.pos:b.count])
		n += c
		b.pos += c
		if n == len(p) {
			return n, nil
		}

		if b.err != nil {
			return n, b.err
		}

		if len(p)-n > len(b.buf) {
			// No need to buffer.
			cp, err := b.reader.Read(p[n:])
			b.err = err
			return n + cp, err
		} else {
			b.pos = 0
			b.count, b.err = b.reader.Read(b.buf)
		}
	}
}

func closeOnErr(closer io.Closer, currErr error) error {
	err := closer.Close()
	if err != nil {
		return errors.Join(err, currErr)
	}
	return currErr
}
