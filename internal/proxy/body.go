package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// memorySpoolLimit is how much of a request body is held in memory
// before spilling to a temp file.
const memorySpoolLimit = 256 << 10

// ErrBodyTooLarge means the request body exceeded the configured ceiling.
var ErrBodyTooLarge = errors.New("request body exceeds configured limit")

// replayBody buffers a request body so it can be resent on every
// failover attempt. Small bodies stay in memory; larger ones spool to a
// request-scoped temp file that Close removes.
type replayBody struct {
	mem  []byte
	file *os.File
	size int64
}

// bufferBody drains r.Body into a replayable buffer, enforcing max
// bytes. A nil request body yields an empty buffer.
func bufferBody(r *http.Request, max int64) (*replayBody, error) {
	rb := &replayBody{}
	if r.Body == nil || r.Body == http.NoBody {
		return rb, nil
	}
	defer r.Body.Close()

	limited := io.LimitReader(r.Body, max+1)
	head := make([]byte, 0, 32<<10)
	buf := bytes.NewBuffer(head)
	n, err := io.CopyN(buf, limited, memorySpoolLimit)
	if err != nil && err != io.EOF {
		return nil, err
	}
	rb.mem = buf.Bytes()
	rb.size = n
	if err == io.EOF {
		if rb.size > max {
			rb.Close()
			return nil, ErrBodyTooLarge
		}
		return rb, nil
	}

	// Body continues past the in-memory window; spool the rest.
	f, err := os.CreateTemp("", "mesh-body-*")
	if err != nil {
		return nil, fmt.Errorf("spool request body: %w", err)
	}
	rb.file = f
	if _, err := f.Write(rb.mem); err != nil {
		rb.Close()
		return nil, err
	}
	rb.mem = nil
	rest, err := io.Copy(f, limited)
	if err != nil {
		rb.Close()
		return nil, err
	}
	rb.size = n + rest
	if rb.size > max {
		rb.Close()
		return nil, ErrBodyTooLarge
	}
	return rb, nil
}

// Reader returns a fresh reader over the full body. Attempts are
// sequential, so rewinding the spool file between calls is safe.
func (rb *replayBody) Reader() (io.Reader, error) {
	if rb.file != nil {
		if _, err := rb.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return rb.file, nil
	}
	return bytes.NewReader(rb.mem), nil
}

// Size is the buffered body length in bytes.
func (rb *replayBody) Size() int64 { return rb.size }

// Close releases the spool file on every request exit path.
func (rb *replayBody) Close() {
	if rb.file != nil {
		name := rb.file.Name()
		rb.file.Close()
		os.Remove(name)
		rb.file = nil
	}
}
