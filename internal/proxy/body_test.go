package proxy

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferBodyInMemoryReplay(t *testing.T) {
	r := httptest.NewRequest("POST", "http://x/", strings.NewReader("hello world"))
	rb, err := bufferBody(r, 1<<20)
	require.NoError(t, err)
	defer rb.Close()

	assert.Equal(t, int64(11), rb.Size())
	for i := 0; i < 3; i++ {
		reader, err := rb.Reader()
		require.NoError(t, err)
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data), "attempt %d", i)
	}
}

func TestBufferBodySpoolsLargeBodies(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), memorySpoolLimit+1024)
	r := httptest.NewRequest("POST", "http://x/", bytes.NewReader(payload))
	rb, err := bufferBody(r, 1<<30)
	require.NoError(t, err)

	require.NotNil(t, rb.file, "body past the memory window spools to disk")
	name := rb.file.Name()
	assert.Equal(t, int64(len(payload)), rb.Size())

	reader, err := rb.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// Rewind and replay once more.
	reader, err = rb.Reader()
	require.NoError(t, err)
	again, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(again))

	rb.Close()
	_, statErr := os.Stat(name)
	assert.True(t, os.IsNotExist(statErr), "spool file removed on close")
}

func TestBufferBodyEnforcesCeiling(t *testing.T) {
	r := httptest.NewRequest("POST", "http://x/", strings.NewReader("0123456789"))
	_, err := bufferBody(r, 5)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestBufferBodyEmpty(t *testing.T) {
	r := httptest.NewRequest("GET", "http://x/", nil)
	rb, err := bufferBody(r, 1<<20)
	require.NoError(t, err)
	defer rb.Close()

	assert.Equal(t, int64(0), rb.Size())
	reader, err := rb.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Empty(t, data)
}
