package capture

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/exitnotify/record"
)

func readAll(t *testing.T, r *Reader, max int) []uint64 {
	t.Helper()
	var out []uint64
	for {
		words, err := r.ReadWords(max)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(words), max)
		out = append(out, words...)
	}
}

func TestFileRoundTrip(t *testing.T) {
	rec := &record.Record{
		Thread: record.ThreadInfo{TGID: 7, PID: 7, Now: time.Unix(1792192000, 5)},
		Modules: []record.Module{
			{Start: 0x1000, End: 0x2000, Flags: 5, Cookie: 1},
		},
	}
	frame := record.Append(nil, rec)

	path := filepath.Join(t.TempDir(), "exits.zst")
	w, err := Create(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteWords(frame))
	}
	require.NoError(t, w.WriteWords(nil))
	assert.Equal(t, uint64(3*len(frame)), w.Words())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	words := readAll(t, r, 5)
	require.Len(t, words, 3*len(frame))

	recs, err := record.Decode(words)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, rec.Modules, recs[2].Modules)
}

func TestEmptyCapture(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	_, err = r.ReadWords(16)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(append(record.Bytes([]uint64{1, 2}), 0xff, 0xff))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	words, err := r.ReadWords(16)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, words)

	_, err = r.ReadWords(16)
	assert.ErrorIs(t, err, record.ErrTruncated)
}
