package bitcask

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/storage"
	"github.com/myuser/cinderdb/internal/storage/enginetest"
)

func openTemp(t *testing.T) (*BitCask, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "cinder.db")
	b, err := Open(path)
	require.NoError(t, err)
	return b, path
}

func TestBitCask(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) storage.Engine {
		b, _ := openTemp(t)
		return b
	})
}

func TestReopen(t *testing.T) {
	b, path := openTemp(t)
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Set([]byte("a"), []byte("3")))
	require.NoError(t, b.Set([]byte("e"), []byte{}))
	require.NoError(t, b.Delete([]byte("b")))
	require.NoError(t, b.Close())

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	got := enginetest.Collect(t, b.Scan(storage.Range{}))
	assert.Equal(t, [][2]string{{"a", "3"}, {"e", ""}}, got)

	st, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Keys)
	assert.Greater(t, st.GarbageDiskSize, int64(0))
}

func TestLogFormat(t *testing.T) {
	b, path := openTemp(t)
	require.NoError(t, b.Set([]byte("k"), []byte("vv")))
	require.NoError(t, b.Delete([]byte("k")))
	require.NoError(t, b.Close())

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 1, 'k', 0, 0, 0, 2, 'v', 'v',
		0, 0, 0, 1, 'k', 0xff, 0xff, 0xff, 0xff,
	}, data)
}

// Cutting the file at every offset must recover exactly the records that were
// completely written before the cut.
func TestRecoverTruncatedTail(t *testing.T) {
	b, path := openTemp(t)
	type step struct {
		end  int64
		want [][2]string
	}
	var steps []step
	ops := []struct {
		key, value string
		del        bool
	}{
		{key: "a", value: "1"},
		{key: "b", value: "two"},
		{key: "a", del: true},
		{key: "c", value: ""},
		{key: "b", value: "2"},
	}
	for _, op := range ops {
		if op.del {
			require.NoError(t, b.Delete([]byte(op.key)))
		} else {
			require.NoError(t, b.Set([]byte(op.key), []byte(op.value)))
		}
		steps = append(steps, step{end: b.log.size, want: enginetest.Collect(t, b.Scan(storage.Range{}))})
	}
	require.NoError(t, b.Close())

	full, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	for cut := int64(0); cut <= int64(len(full)); cut++ {
		t.Run(fmt.Sprintf("cut=%d", cut), func(t *testing.T) {
			cutPath := filepath.Join(t.TempDir(), "cut.db")
			require.NoError(t, ioutil.WriteFile(cutPath, full[:cut], 0644))

			var want [][2]string
			var wantSize int64
			for _, s := range steps {
				if s.end <= cut {
					want, wantSize = s.want, s.end
				}
			}

			b, err := Open(cutPath)
			require.NoError(t, err)
			defer b.Close()
			assert.Equal(t, want, enginetest.Collect(t, b.Scan(storage.Range{})))

			info, err := os.Stat(cutPath)
			require.NoError(t, err)
			assert.Equal(t, wantSize, info.Size())

			// The log must accept appends after recovery.
			require.NoError(t, b.Set([]byte("z"), []byte("after")))
			v, err := b.Get([]byte("z"))
			require.NoError(t, err)
			assert.Equal(t, []byte("after"), v)
		})
	}
}

func TestCorruptLength(t *testing.T) {
	b, path := openTemp(t)
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Close())

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	// Second record key length becomes 0x80000001.
	data[10] = 0x80
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrCodec), "got %v", err)
}

// A damaged key length in the middle of the log must fail Open rather than
// being cut off as an interrupted write, which would drop every later record.
func TestCorruptKeyLengthMidFile(t *testing.T) {
	b, path := openTemp(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set([]byte(k), []byte(k)))
	}
	require.NoError(t, b.Close())

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 30)
	copy(data[10:14], []byte{0x00, 0x01, 0x00, 0x01})
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrCodec), "got %v", err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(30), info.Size())
}

func TestKeyLengthLimit(t *testing.T) {
	b, path := openTemp(t)
	long := bytes.Repeat([]byte{'k'}, maxKeyLength)
	require.NoError(t, b.Set(long, []byte("v")))
	err := b.Set(append(long, 'k'), []byte("v"))
	assert.True(t, errors.Is(err, dberr.ErrValue), "got %v", err)
	require.NoError(t, b.Close())

	b, err = Open(path)
	require.NoError(t, err)
	defer b.Close()
	v, err := b.Get(long)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestCompactAndReopen(t *testing.T) {
	b, path := openTemp(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Set([]byte(fmt.Sprintf("key%02d", i%10)), []byte(fmt.Sprintf("value%d", i))))
	}
	require.NoError(t, b.Delete([]byte("key05")))

	require.NoError(t, b.Compact())
	st, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(9), st.Keys)
	assert.Equal(t, st.LiveDiskSize, st.DiskSize)

	// A second compaction has nothing left to reclaim.
	require.NoError(t, b.Compact())
	st2, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, st, st2)

	want := enginetest.Collect(t, b.Scan(storage.Range{}))
	require.Len(t, want, 9)
	require.NoError(t, b.Set([]byte("key99"), []byte("late")))
	require.NoError(t, b.Close())

	_, err = os.Stat(path + ".new")
	assert.True(t, os.IsNotExist(err))

	b, err = Open(path)
	require.NoError(t, err)
	defer b.Close()
	got := enginetest.Collect(t, b.Scan(storage.Range{}))
	assert.Equal(t, append(want, [2]string{"key99", "late"}), got)
}

func TestIteratorAcrossCompaction(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Set([]byte(k), []byte("v"+k)))
	}

	it := b.Scan(storage.Range{})
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, "a", string(it.Key()))

	require.NoError(t, b.Delete([]byte("b")))
	require.NoError(t, b.Set([]byte("c"), []byte("new")))
	require.NoError(t, b.Compact())

	var got [][2]string
	for it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][2]string{{"c", "new"}, {"d", "vd"}}, got)
}

func TestShouldCompact(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()
	require.NoError(t, b.Set([]byte("k"), []byte("0123456789")))
	st, err := b.Status()
	require.NoError(t, err)
	assert.False(t, st.ShouldCompact(0.1, 0))

	require.NoError(t, b.Set([]byte("k"), []byte("0123456789")))
	st, err = b.Status()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.GarbageRatio(), 1e-9)
	assert.True(t, st.ShouldCompact(0.5, 19))
	assert.False(t, st.ShouldCompact(0.6, 0))
	assert.False(t, st.ShouldCompact(0.1, 20))
}
