// Package enginetest holds a conformance suite that every storage.Engine
// implementation runs from its own tests.
package enginetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/cinderdb/internal/storage"
)

// Run executes the suite. newEngine must return a fresh, empty engine.
func Run(t *testing.T, newEngine func(t *testing.T) storage.Engine) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"PointOps", testPointOps},
		{"EmptyValue", testEmptyValue},
		{"Scan", testScan},
		{"ScanReverse", testScanReverse},
		{"ScanPrefix", testScanPrefix},
		{"ScanIsolatedFromWrites", testScanIsolatedFromWrites},
		{"Compact", testCompact},
		{"Status", testStatus},
		{"Concurrent", testConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			defer e.Close()
			tt.fn(t, e)
		})
	}
}

// Collect drains an iterator into key/value string pairs.
func Collect(t *testing.T, it storage.Iterator) [][2]string {
	t.Helper()
	defer it.Close()
	var out [][2]string
	for it.Next() {
		out = append(out, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	return out
}

func testPointOps(t *testing.T, e storage.Engine) {
	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))
	v, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, e.Set([]byte("a"), []byte("3")))
	v, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)

	require.NoError(t, e.Delete([]byte("a")))
	v, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, e.Delete([]byte("missing")))
	require.NoError(t, e.Flush())
}

func testEmptyValue(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Set([]byte("empty"), []byte{}))
	v, err := e.Get([]byte("empty"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Len(t, v, 0)
}

func fill(t *testing.T, e storage.Engine, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, e.Set([]byte(k), []byte("v"+k)))
	}
}

func testScan(t *testing.T, e storage.Engine) {
	fill(t, e, "d", "b", "a", "c", "e")

	all := Collect(t, e.Scan(storage.Range{}))
	assert.Equal(t, [][2]string{{"a", "va"}, {"b", "vb"}, {"c", "vc"}, {"d", "vd"}, {"e", "ve"}}, all)

	mid := Collect(t, e.Scan(storage.Range{Start: []byte("b"), End: []byte("d")}))
	assert.Equal(t, [][2]string{{"b", "vb"}, {"c", "vc"}}, mid)

	tail := Collect(t, e.Scan(storage.Range{Start: []byte("bb")}))
	assert.Equal(t, [][2]string{{"c", "vc"}, {"d", "vd"}, {"e", "ve"}}, tail)

	none := Collect(t, e.Scan(storage.Range{Start: []byte("x")}))
	assert.Empty(t, none)
}

func testScanReverse(t *testing.T, e storage.Engine) {
	fill(t, e, "a", "b", "c", "d")
	got := Collect(t, e.Scan(storage.Range{Start: []byte("b"), Reverse: true}))
	assert.Equal(t, [][2]string{{"d", "vd"}, {"c", "vc"}, {"b", "vb"}}, got)

	got = Collect(t, e.Scan(storage.Range{End: []byte("c"), Reverse: true}))
	assert.Equal(t, [][2]string{{"b", "vb"}, {"a", "va"}}, got)
}

func testScanPrefix(t *testing.T, e storage.Engine) {
	fill(t, e, "a", "ab", "abc", "ac", "b", "\xff", "\xff\xff")
	got := Collect(t, e.ScanPrefix([]byte("ab")))
	assert.Equal(t, [][2]string{{"ab", "vab"}, {"abc", "vabc"}}, got)

	got = Collect(t, e.ScanPrefix([]byte("\xff")))
	assert.Equal(t, [][2]string{{"\xff", "v\xff"}, {"\xff\xff", "v\xff\xff"}}, got)
}

func testScanIsolatedFromWrites(t *testing.T, e storage.Engine) {
	fill(t, e, "a", "b", "c")
	it := e.Scan(storage.Range{})
	defer it.Close()

	require.True(t, it.Next())
	assert.Equal(t, "a", string(it.Key()))

	require.NoError(t, e.Set([]byte("b"), []byte("changed")))
	require.NoError(t, e.Set([]byte("bb"), []byte("new")))

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"b", "c"}, keys)
}

func testCompact(t *testing.T, e storage.Engine) {
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}
	fill(t, e, "x", "y")
	require.NoError(t, e.Delete([]byte("y")))

	before, err := e.Status()
	require.NoError(t, err)
	require.NoError(t, e.Compact())
	after, err := e.Status()
	require.NoError(t, err)

	assert.LessOrEqual(t, after.DiskSize, before.DiskSize)
	assert.Equal(t, int64(0), after.GarbageDiskSize)
	assert.Equal(t, before.Keys, after.Keys)

	got := Collect(t, e.Scan(storage.Range{}))
	assert.Equal(t, [][2]string{{"k", "v9"}, {"x", "vx"}}, got)
}

func testStatus(t *testing.T, e storage.Engine) {
	fill(t, e, "a", "b")
	st, err := e.Status()
	require.NoError(t, err)
	assert.NotEmpty(t, st.Name)
	assert.Equal(t, int64(2), st.Keys)
	assert.Equal(t, int64(len("a")+len("va")+len("b")+len("vb")), st.Size)
}

func testConcurrent(t *testing.T, e storage.Engine) {
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := []byte(fmt.Sprintf("w%d-%03d", w, i))
				assert.NoError(t, e.Set(key, key))
				v, err := e.Get(key)
				assert.NoError(t, err)
				assert.Equal(t, key, v)
			}
		}(w)
	}
	wg.Wait()

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(200), st.Keys)
}
