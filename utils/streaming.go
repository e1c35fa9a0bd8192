package utils

import (
	"bytes"
	"context"
	"io"
	"sync"

	apperrors "github.com/Skryldev/imaged/errors"
)

// DefaultChunkSize is the read granularity used when draining bodies.
const DefaultChunkSize = 32 * 1024

// bufPool reuses byte buffers to reduce GC pressure.
var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// AcquireBuffer returns a reset buffer from the pool.
func AcquireBuffer() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// ReleaseBuffer returns b to the pool.  Callers must not use b after this call.
func ReleaseBuffer(b *bytes.Buffer) {
	// Cap large buffers to avoid pinning excessive memory.
	if b.Cap() > 8*1024*1024 {
		return
	}
	bufPool.Put(b)
}

// DrainReader reads r in chunks until EOF and returns an owned copy of the
// bytes. When max > 0 and the stream grows past max bytes it stops reading and
// returns ErrBodyTooLarge; the caller is expected to abort the source.
func DrainReader(ctx context.Context, r io.Reader, chunkSize int, max int64) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := AcquireBuffer()
	defer ReleaseBuffer(buf)

	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if max > 0 && int64(buf.Len()+n) > max {
				return nil, apperrors.ErrBodyTooLarge
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return CloneBytes(buf.Bytes()), nil
}

// ReadExact reads exactly n bytes from r into a pre-sized slice. Fewer bytes
// yield ErrTruncatedBody; any byte beyond n yields ErrBodyTooLarge.
func ReadExact(r io.Reader, n int64) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, apperrors.ErrTruncatedBody
		}
		return nil, err
	}
	var probe [1]byte
	for {
		m, err := r.Read(probe[:])
		if m > 0 {
			return nil, apperrors.ErrBodyTooLarge
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
