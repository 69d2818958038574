package mvcc

import (
	"sort"

	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/metrics"
	"github.com/myuser/cinderdb/internal/storage"
	"github.com/myuser/cinderdb/internal/storage/keycode"
)

// TransactionState is everything needed to resume a transaction.
type TransactionState struct {
	// Version is the transaction's own version for read-write transactions,
	// and the first invisible version for read-only ones.
	Version  uint64 `json:"version"`
	ReadOnly bool   `json:"read_only"`
	// Active holds the versions that were in progress when the transaction
	// began, in ascending order. Their writes stay invisible.
	Active []uint64 `json:"active,omitempty"`
}

// IsVisible reports whether writes made by version are visible to the
// transaction.
func (s TransactionState) IsVisible(version uint64) bool {
	i := sort.Search(len(s.Active), func(i int) bool { return s.Active[i] >= version })
	if i < len(s.Active) && s.Active[i] == version {
		return false
	}
	if s.ReadOnly {
		return version < s.Version
	}
	return version <= s.Version
}

// Transaction is a single transaction. It is not safe for concurrent use.
type Transaction struct {
	m      *MVCC
	state  TransactionState
	closed bool
}

func newTransaction(m *MVCC, state TransactionState) *Transaction {
	return &Transaction{m: m, state: state}
}

func (t *Transaction) Version() uint64 { return t.state.Version }

func (t *Transaction) ReadOnly() bool { return t.state.ReadOnly }

// State returns a copy of the transaction state for Resume.
func (t *Transaction) State() TransactionState {
	st := t.state
	st.Active = append([]uint64(nil), t.state.Active...)
	return st
}

func (t *Transaction) checkOpen() error {
	if t.closed {
		return dberr.Internal("transaction %d is closed", t.state.Version)
	}
	return nil
}

// Commit makes the transaction's writes visible to transactions that begin
// afterwards. Commit of a read-only transaction only closes it.
func (t *Transaction) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.state.ReadOnly {
		t.closed = true
		metrics.TxnFinished.WithLabelValues("commit").Inc()
		return nil
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	writes, err := t.writeKeys()
	if err != nil {
		return err
	}
	for _, k := range writes {
		if err := t.m.engine.Delete(k); err != nil {
			return err
		}
	}
	if err := t.m.engine.Delete(txnActiveKey(t.state.Version)); err != nil {
		return err
	}
	if err := t.m.engine.Flush(); err != nil {
		return err
	}

	t.closed = true
	metrics.TxnFinished.WithLabelValues("commit").Inc()
	t.m.logger.Debug("commit transaction", zap.Uint64("version", t.state.Version), zap.Int("writes", len(writes)))
	return nil
}

// Rollback undoes every write of the transaction.
func (t *Transaction) Rollback() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.state.ReadOnly {
		t.closed = true
		metrics.TxnFinished.WithLabelValues("rollback").Inc()
		return nil
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	writes, err := t.m.rollbackVersion(t.state.Version)
	if err != nil {
		return err
	}

	t.closed = true
	metrics.TxnFinished.WithLabelValues("rollback").Inc()
	t.m.logger.Debug("rollback transaction", zap.Uint64("version", t.state.Version), zap.Int("writes", writes))
	return nil
}

// writeKeys collects the TxnWrite keys of the transaction. Requires mu.
func (t *Transaction) writeKeys() ([][]byte, error) {
	return t.m.writeKeys(t.state.Version)
}

// writeKeys collects the TxnWrite keys of version. Requires mu.
func (m *MVCC) writeKeys(version uint64) ([][]byte, error) {
	it := m.engine.ScanPrefix(txnWritePrefix(version))
	defer it.Close()

	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	return keys, it.Err()
}

// rollbackVersion removes every version written by version, its write
// records and its active marker, then flushes. It returns the number of
// writes undone. Requires mu.
func (m *MVCC) rollbackVersion(version uint64) (int, error) {
	writes, err := m.writeKeys(version)
	if err != nil {
		return 0, err
	}
	for _, wk := range writes {
		k, err := decodeKey(wk)
		if err != nil {
			return 0, err
		}
		if err := m.engine.Delete(versionKey(k.raw, version)); err != nil {
			return 0, err
		}
		if err := m.engine.Delete(wk); err != nil {
			return 0, err
		}
	}
	if err := m.engine.Delete(txnActiveKey(version)); err != nil {
		return 0, err
	}
	if err := m.engine.Flush(); err != nil {
		return 0, err
	}
	return len(writes), nil
}

// Get returns the latest visible value of key, or nil if it does not exist.
func (t *Transaction) Get(key []byte) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	it := t.m.engine.Scan(storage.Range{
		Start:   versionKey(key, 0),
		End:     versionKey(key, t.state.Version+1),
		Reverse: true,
	})
	defer it.Close()

	for it.Next() {
		k, err := decodeKey(it.Key())
		if err != nil {
			return nil, err
		}
		if t.state.IsVisible(k.version) {
			return decodeValue(it.Value())
		}
	}
	return nil, it.Err()
}

func (t *Transaction) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.write(key, value)
}

func (t *Transaction) Delete(key []byte) error {
	return t.write(key, nil)
}

// write stores a new version of key, or a tombstone when value is nil. It
// fails with a write conflict if the newest version of key is invisible: it was
// written by a transaction that was active when this one began, or by one that
// began later.
func (t *Transaction) write(key, value []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.state.ReadOnly {
		return dberr.New(dberr.ErrReadOnly, "cannot write in read-only transaction %d", t.state.Version)
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	from := t.state.Version + 1
	if len(t.state.Active) > 0 {
		from = t.state.Active[0]
	}
	it := t.m.engine.Scan(storage.Range{
		Start:   versionKey(key, from),
		End:     keycode.PrefixEnd(versionsOf(key)),
		Reverse: true,
	})
	if it.Next() {
		k, err := decodeKey(it.Key())
		if err != nil {
			it.Close()
			return err
		}
		if !t.state.IsVisible(k.version) {
			it.Close()
			metrics.TxnConflicts.Inc()
			t.m.logger.Debug("write conflict",
				zap.Uint64("version", t.state.Version),
				zap.Uint64("conflicting_version", k.version),
				zap.ByteString("key", key))
			return dberr.New(dberr.ErrWriteConflict, "key %q was written by version %d", key, k.version)
		}
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return err
	}

	if err := t.m.engine.Set(txnWriteKey(t.state.Version, key), []byte{}); err != nil {
		return err
	}
	return t.m.engine.Set(versionKey(key, t.state.Version), encodeValue(value))
}

// Scan iterates over the visible keys in [start, end). A nil bound is
// unbounded. The iterator must not be used after the transaction ends.
func (t *Transaction) Scan(start, end []byte) storage.Iterator {
	if err := t.checkOpen(); err != nil {
		return storage.ErrIterator(err)
	}
	r := storage.Range{
		Start: []byte{byte(kindVersion)},
		End:   []byte{byte(kindVersion) + 1},
	}
	if start != nil {
		r.Start = versionsOf(start)
	}
	if end != nil {
		r.End = versionsOf(end)
	}
	return newScanIterator(t, t.m.engine.Scan(r))
}

// ScanPrefix iterates over the visible keys that begin with prefix.
func (t *Transaction) ScanPrefix(prefix []byte) storage.Iterator {
	if err := t.checkOpen(); err != nil {
		return storage.ErrIterator(err)
	}
	return newScanIterator(t, t.m.engine.ScanPrefix(versionRawPrefix(prefix)))
}
