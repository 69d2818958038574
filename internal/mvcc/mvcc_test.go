package mvcc

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/storage"
	"github.com/myuser/cinderdb/internal/storage/bitcask"
	"github.com/myuser/cinderdb/internal/storage/enginetest"
)

func newMVCC(t *testing.T) *MVCC {
	return New(storage.NewMemory())
}

func begin(t *testing.T, m *MVCC) *Transaction {
	t.Helper()
	txn, err := m.Begin()
	require.NoError(t, err)
	return txn
}

func assertGet(t *testing.T, txn *Transaction, key, want string) {
	t.Helper()
	v, err := txn.Get([]byte(key))
	require.NoError(t, err)
	if want == "" {
		assert.Nil(t, v, "key %q", key)
		return
	}
	assert.Equal(t, want, string(v), "key %q", key)
}

func assertKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "want %v, got %v", kind, err)
}

func TestBeginAllocatesVersions(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	t2 := begin(t, m)
	assert.Equal(t, uint64(1), t1.Version())
	assert.Equal(t, uint64(2), t2.Version())
	assert.Equal(t, []uint64{1}, t2.State().Active)
	assert.False(t, t2.ReadOnly())

	ro, err := m.BeginReadOnly()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ro.Version())
	assert.True(t, ro.ReadOnly())
	assert.Equal(t, []uint64{1, 2}, ro.State().Active)

	// Read-only transactions do not allocate versions.
	t3 := begin(t, m)
	assert.Equal(t, uint64(3), t3.Version())

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Versions)
	assert.Equal(t, 3, st.ActiveTxns)
	assert.Equal(t, "memory", st.Storage.Name)

	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Rollback())
	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveTxns)
}

func TestReadOwnWrites(t *testing.T) {
	m := newMVCC(t)
	txn := begin(t, m)
	assertGet(t, txn, "a", "")
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	assertGet(t, txn, "a", "1")
	require.NoError(t, txn.Set([]byte("a"), []byte("2")))
	assertGet(t, txn, "a", "2")
	require.NoError(t, txn.Delete([]byte("a")))
	assertGet(t, txn, "a", "")

	require.NoError(t, txn.Set([]byte("empty"), nil))
	v, err := txn.Get([]byte("empty"))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
	require.NoError(t, txn.Commit())
}

func TestSnapshotIsolation(t *testing.T) {
	m := newMVCC(t)
	setup := begin(t, m)
	require.NoError(t, setup.Set([]byte("a"), []byte("0")))
	require.NoError(t, setup.Commit())

	t1 := begin(t, m)
	t2 := begin(t, m)
	require.NoError(t, t2.Set([]byte("a"), []byte("2")))
	require.NoError(t, t2.Set([]byte("b"), []byte("2")))

	// Uncommitted writes are invisible.
	assertGet(t, t1, "a", "0")
	require.NoError(t, t2.Commit())

	// Writes committed after t1 began stay invisible to it.
	assertGet(t, t1, "a", "0")
	assertGet(t, t1, "b", "")

	t3 := begin(t, m)
	assertGet(t, t3, "a", "2")
	assertGet(t, t3, "b", "2")

	ro, err := m.BeginReadOnly()
	require.NoError(t, err)
	assertGet(t, ro, "a", "2")
}

func TestWriteConflictActiveWriter(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("k"), []byte("1")))

	t2 := begin(t, m)
	assertKind(t, t2.Set([]byte("k"), []byte("2")), dberr.ErrWriteConflict)
	assertKind(t, t2.Delete([]byte("k")), dberr.ErrWriteConflict)

	// Other keys are unaffected.
	require.NoError(t, t2.Set([]byte("other"), []byte("2")))

	// The conflict holds even after the first writer commits.
	require.NoError(t, t1.Commit())
	assertKind(t, t2.Set([]byte("k"), []byte("2")), dberr.ErrWriteConflict)
	require.NoError(t, t2.Rollback())
}

func TestWriteConflictLaterWriter(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	t2 := begin(t, m)
	require.NoError(t, t2.Set([]byte("k"), []byte("2")))
	require.NoError(t, t2.Commit())

	assertKind(t, t1.Set([]byte("k"), []byte("1")), dberr.ErrWriteConflict)
}

func TestNoConflictAfterCommit(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("k"), []byte("1")))
	require.NoError(t, t1.Commit())

	t2 := begin(t, m)
	require.NoError(t, t2.Set([]byte("k"), []byte("2")))
	require.NoError(t, t2.Commit())

	t3 := begin(t, m)
	assertGet(t, t3, "k", "2")
}

func TestRollback(t *testing.T) {
	m := newMVCC(t)
	setup := begin(t, m)
	require.NoError(t, setup.Set([]byte("a"), []byte("0")))
	require.NoError(t, setup.Commit())

	t1 := begin(t, m)
	t2 := begin(t, m)
	require.NoError(t, t1.Set([]byte("a"), []byte("1")))
	require.NoError(t, t1.Set([]byte("b"), []byte("1")))
	require.NoError(t, t1.Delete([]byte("a")))
	require.NoError(t, t1.Rollback())

	t3 := begin(t, m)
	assertGet(t, t3, "a", "0")
	assertGet(t, t3, "b", "")

	// The rolled back versions no longer cause conflicts.
	require.NoError(t, t2.Set([]byte("a"), []byte("2")))
	require.NoError(t, t2.Commit())

	// No bookkeeping keys are left behind by version 2 or 3.
	it := m.engine.ScanPrefix(txnWritePrefix(t1.Version()))
	assert.Empty(t, enginetest.Collect(t, it))
	it = m.engine.ScanPrefix(txnWritePrefix(t2.Version()))
	assert.Empty(t, enginetest.Collect(t, it))
}

func TestReadOnly(t *testing.T) {
	m := newMVCC(t)
	ro, err := m.BeginReadOnly()
	require.NoError(t, err)
	assertKind(t, ro.Set([]byte("a"), []byte("1")), dberr.ErrReadOnly)
	assertKind(t, ro.Delete([]byte("a")), dberr.ErrReadOnly)
	require.NoError(t, ro.Commit())

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Versions)
}

func TestBeginAsOf(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("a"), []byte("1")))
	require.NoError(t, t1.Commit())

	t2 := begin(t, m)
	t3 := begin(t, m)
	require.NoError(t, t2.Set([]byte("a"), []byte("2")))
	require.NoError(t, t3.Set([]byte("b"), []byte("3")))
	require.NoError(t, t3.Commit())
	require.NoError(t, t2.Commit())

	// As of version 3: version 2 was still active, so only version 1 is visible.
	asOf, err := m.BeginAsOf(3)
	require.NoError(t, err)
	assertGet(t, asOf, "a", "1")
	assertGet(t, asOf, "b", "")
	assertKind(t, asOf.Set([]byte("a"), []byte("x")), dberr.ErrReadOnly)

	asOf, err = m.BeginAsOf(2)
	require.NoError(t, err)
	assertGet(t, asOf, "a", "1")

	asOf, err = m.BeginAsOf(1)
	require.NoError(t, err)
	assertGet(t, asOf, "a", "")

	_, err = m.BeginAsOf(4)
	assertKind(t, err, dberr.ErrValue)
}

func TestResume(t *testing.T) {
	m := newMVCC(t)
	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("a"), []byte("1")))

	resumed, err := m.Resume(t1.State())
	require.NoError(t, err)
	assertGet(t, resumed, "a", "1")
	require.NoError(t, resumed.Set([]byte("b"), []byte("2")))
	require.NoError(t, resumed.Commit())

	_, err = m.Resume(t1.State())
	assertKind(t, err, dberr.ErrInternal)

	t2 := begin(t, m)
	assertGet(t, t2, "b", "2")
}

func TestClosedTransaction(t *testing.T) {
	m := newMVCC(t)
	txn := begin(t, m)
	require.NoError(t, txn.Commit())

	_, err := txn.Get([]byte("a"))
	assertKind(t, err, dberr.ErrInternal)
	assertKind(t, txn.Set([]byte("a"), []byte("1")), dberr.ErrInternal)
	assertKind(t, txn.Commit(), dberr.ErrInternal)
	assertKind(t, txn.Rollback(), dberr.ErrInternal)

	it := txn.Scan(nil, nil)
	assert.False(t, it.Next())
	assertKind(t, it.Err(), dberr.ErrInternal)
}

func TestScan(t *testing.T) {
	m := newMVCC(t)
	setup := begin(t, m)
	for _, k := range []string{"a", "b", "ba", "bb", "c", "d"} {
		require.NoError(t, setup.Set([]byte(k), []byte(k+"0")))
	}
	require.NoError(t, setup.Commit())

	t1 := begin(t, m)
	t2 := begin(t, m)
	require.NoError(t, t2.Set([]byte("b"), []byte("b2")))
	require.NoError(t, t2.Delete([]byte("c")))
	require.NoError(t, t2.Set([]byte("e"), []byte("e2")))
	require.NoError(t, t2.Commit())

	require.NoError(t, t1.Delete([]byte("a")))
	require.NoError(t, t1.Set([]byte("bb"), []byte("bb1")))
	require.NoError(t, t1.Set([]byte("f"), []byte("f1")))

	assert.Equal(t, [][2]string{
		{"b", "b0"}, {"ba", "ba0"}, {"bb", "bb1"}, {"c", "c0"}, {"d", "d0"}, {"f", "f1"},
	}, enginetest.Collect(t, t1.Scan(nil, nil)))

	assert.Equal(t, [][2]string{{"ba", "ba0"}, {"bb", "bb1"}, {"c", "c0"}},
		enginetest.Collect(t, t1.Scan([]byte("ba"), []byte("d"))))

	assert.Equal(t, [][2]string{{"b", "b0"}, {"ba", "ba0"}, {"bb", "bb1"}},
		enginetest.Collect(t, t1.ScanPrefix([]byte("b"))))

	t3 := begin(t, m)
	assert.Equal(t, [][2]string{
		{"a", "a0"}, {"b", "b2"}, {"ba", "ba0"}, {"bb", "bb0"}, {"d", "d0"}, {"e", "e2"},
	}, enginetest.Collect(t, t3.Scan(nil, nil)))
}

func TestUnversioned(t *testing.T) {
	m := newMVCC(t)
	v, err := m.GetUnversioned([]byte("meta"))
	require.NoError(t, err)
	assert.Nil(t, v)

	txn := begin(t, m)
	require.NoError(t, m.SetUnversioned([]byte("meta"), []byte("x")))
	require.NoError(t, txn.Rollback())

	v, err = m.GetUnversioned([]byte("meta"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)

	// Unversioned keys never show up in transactional reads.
	txn = begin(t, m)
	assertGet(t, txn, "meta", "")
	assert.Empty(t, enginetest.Collect(t, txn.Scan(nil, nil)))
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.db")
	engine, err := bitcask.Open(path)
	require.NoError(t, err)
	m := New(engine)

	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("a"), []byte("1")))
	require.NoError(t, t1.Commit())
	pending := begin(t, m)
	require.NoError(t, pending.Set([]byte("a"), []byte("uncommitted")))
	require.NoError(t, engine.Close())

	engine, err = bitcask.Open(path)
	require.NoError(t, err)
	defer engine.Close()
	m = New(engine)

	t2 := begin(t, m)
	assert.Equal(t, uint64(3), t2.Version())
	assertGet(t, t2, "a", "1")

	// The interrupted transaction is still active and can be rolled back.
	resumed, err := m.Resume(pending.State())
	require.NoError(t, err)
	require.NoError(t, resumed.Rollback())
	require.NoError(t, t2.Set([]byte("a"), []byte("2")))
	require.NoError(t, t2.Commit())
}

// A transaction interrupted by a crash leaves only its on-disk markers
// behind. Recover rolls it back so later writers of its keys don't conflict.
func TestRecoverAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.db")
	engine, err := bitcask.Open(path)
	require.NoError(t, err)
	m := New(engine)

	t1 := begin(t, m)
	require.NoError(t, t1.Set([]byte("a"), []byte("1")))
	require.NoError(t, t1.Commit())
	pending := begin(t, m)
	require.NoError(t, pending.Set([]byte("a"), []byte("uncommitted")))
	require.NoError(t, pending.Delete([]byte("b")))
	require.NoError(t, engine.Close())

	engine, err = bitcask.Open(path)
	require.NoError(t, err)
	defer engine.Close()
	m = New(engine)

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveTxns)

	recovered, err := m.Recover()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, recovered)

	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveTxns)
	assert.Equal(t, uint64(2), st.Versions)

	// Nothing of version 2 is left in the engine.
	for _, kv := range enginetest.Collect(t, engine.Scan(storage.Range{})) {
		k, err := decodeKey([]byte(kv[0]))
		require.NoError(t, err)
		assert.NotEqual(t, kindTxnWrite, k.kind)
		if k.kind == kindVersion {
			assert.Equal(t, uint64(1), k.version)
		}
	}

	txn := begin(t, m)
	assertGet(t, txn, "a", "1")
	require.NoError(t, txn.Set([]byte("a"), []byte("2")))
	require.NoError(t, txn.Set([]byte("b"), []byte("3")))
	require.NoError(t, txn.Commit())
	assertGet(t, begin(t, m), "a", "2")

	recovered, err = m.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

// Concurrent read-modify-write increments must never lose an update: every
// conflict is retried, and the final counter equals the number of increments.
func TestConcurrentIncrements(t *testing.T) {
	m := newMVCC(t)
	const workers, increments = 8, 25

	increment := func() error {
		for {
			txn, err := m.Begin()
			if err != nil {
				return err
			}
			v, err := txn.Get([]byte("counter"))
			if err != nil {
				return err
			}
			n := 0
			if v != nil {
				if n, err = strconv.Atoi(string(v)); err != nil {
					return err
				}
			}
			err = txn.Set([]byte("counter"), []byte(strconv.Itoa(n+1)))
			if errors.Is(err, dberr.ErrWriteConflict) {
				if err := txn.Rollback(); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			return txn.Commit()
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				if err := increment(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	txn, err := m.BeginReadOnly()
	require.NoError(t, err)
	assertGet(t, txn, "counter", fmt.Sprint(workers*increments))

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveTxns)
}
