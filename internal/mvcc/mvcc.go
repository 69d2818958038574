// Package mvcc implements snapshot-isolated transactions on top of a
// storage.Engine.
//
// Every write creates a new version of a key, tagged with the version number
// of the transaction that wrote it. A transaction sees the versions written
// by transactions that committed before it began, plus its own writes.
// Concurrent writers of the same key are detected at write time: the later
// writer gets dberr.ErrWriteConflict and must retry.
//
// Keys written to the engine:
//
//	NextVersion                next version number to allocate
//	TxnActive(v)               v is in progress
//	TxnActiveSnapshot(v)       versions that were in progress when v began
//	TxnWrite(v, key)           v wrote key, used to roll back
//	Version(key, v)            value of key written by v, or a tombstone
//	Unversioned(key)           non-transactional metadata
//
// Lock order is MVCC then engine.
package mvcc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/metrics"
	"github.com/myuser/cinderdb/internal/storage"
)

// MVCC hands out transactions over an engine.
type MVCC struct {
	// mu serialises version allocation and every check-then-write sequence.
	mu     sync.Mutex
	engine storage.Engine
	logger *zap.Logger
}

type Option func(*MVCC)

func WithLogger(logger *zap.Logger) Option {
	return func(m *MVCC) { m.logger = logger }
}

func New(engine storage.Engine, opts ...Option) *MVCC {
	m := &MVCC{engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status summarises the transaction state.
type Status struct {
	// Versions is the number of versions allocated so far.
	Versions uint64 `json:"versions"`
	// ActiveTxns is the number of read-write transactions in progress.
	ActiveTxns int            `json:"active_txns"`
	Storage    storage.Status `json:"storage"`
}

// Begin starts a read-write transaction with a newly allocated version.
func (m *MVCC) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, err := m.nextVersion()
	if err != nil {
		return nil, err
	}
	next, err := msgpack.Marshal(version + 1)
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrCodec, err, "encode next version")
	}
	if err := m.engine.Set(nextVersionKey(), next); err != nil {
		return nil, err
	}

	active, err := m.scanActive()
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		snapshot, err := msgpack.Marshal(active)
		if err != nil {
			return nil, dberr.Wrap(dberr.ErrCodec, err, "encode active set")
		}
		if err := m.engine.Set(txnActiveSnapshotKey(version), snapshot); err != nil {
			return nil, err
		}
	}
	if err := m.engine.Set(txnActiveKey(version), []byte{}); err != nil {
		return nil, err
	}

	metrics.TxnBegun.WithLabelValues("read_write").Inc()
	m.logger.Debug("begin transaction", zap.Uint64("version", version), zap.Uint64s("active", active))
	return newTransaction(m, TransactionState{Version: version, Active: active}), nil
}

// BeginReadOnly starts a read-only transaction that sees everything committed
// so far.
func (m *MVCC) BeginReadOnly() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, err := m.nextVersion()
	if err != nil {
		return nil, err
	}
	active, err := m.scanActive()
	if err != nil {
		return nil, err
	}
	metrics.TxnBegun.WithLabelValues("read_only").Inc()
	return newTransaction(m, TransactionState{Version: version, ReadOnly: true, Active: active}), nil
}

// BeginAsOf starts a read-only transaction that sees the database as it was
// when the read-write transaction at version began.
func (m *MVCC) BeginAsOf(version uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.nextVersion()
	if err != nil {
		return nil, err
	}
	if version >= next {
		return nil, dberr.New(dberr.ErrValue, "version %d does not exist", version)
	}
	var active []uint64
	if raw, err := m.engine.Get(txnActiveSnapshotKey(version)); err != nil {
		return nil, err
	} else if raw != nil {
		if err := msgpack.Unmarshal(raw, &active); err != nil {
			return nil, dberr.Wrap(dberr.ErrCodec, err, "decode active set of version %d", version)
		}
	}
	metrics.TxnBegun.WithLabelValues("as_of").Inc()
	return newTransaction(m, TransactionState{Version: version, ReadOnly: true, Active: active}), nil
}

// Resume continues a transaction from its state, for example in a later
// request of the same client session. A read-write transaction must still be
// active.
func (m *MVCC) Resume(state TransactionState) (*Transaction, error) {
	if !state.ReadOnly {
		raw, err := m.engine.Get(txnActiveKey(state.Version))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, dberr.Internal("no active transaction at version %d", state.Version)
		}
	}
	return newTransaction(m, state), nil
}

// Recover rolls back every read-write transaction still marked active, and
// returns their versions. After a restart no client can resume them, and
// their writes would otherwise conflict with every later writer of the same
// keys. Call it before handing out transactions.
func (m *MVCC) Recover() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.scanActive()
	if err != nil {
		return nil, err
	}
	for _, version := range active {
		writes, err := m.rollbackVersion(version)
		if err != nil {
			return nil, errors.WithMessagef(err, "recover version %d", version)
		}
		metrics.TxnFinished.WithLabelValues("rollback").Inc()
		m.logger.Warn("rolled back interrupted transaction", zap.Uint64("version", version), zap.Int("writes", writes))
	}
	return active, nil
}

// GetUnversioned reads a key outside the versioned key space. It returns nil
// if the key is not set.
func (m *MVCC) GetUnversioned(key []byte) ([]byte, error) {
	return m.engine.Get(unversionedKey(key))
}

// SetUnversioned writes a key outside the versioned key space. The write is
// visible immediately and is not undone by any rollback.
func (m *MVCC) SetUnversioned(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Set(unversionedKey(key), value)
}

func (m *MVCC) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.nextVersion()
	if err != nil {
		return Status{}, err
	}
	active, err := m.scanActive()
	if err != nil {
		return Status{}, err
	}
	st, err := m.engine.Status()
	if err != nil {
		return Status{}, err
	}
	return Status{Versions: next - 1, ActiveTxns: len(active), Storage: st}, nil
}

// nextVersion reads the counter. Versions start at 1. Requires mu.
func (m *MVCC) nextVersion() (uint64, error) {
	raw, err := m.engine.Get(nextVersionKey())
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 1, nil
	}
	var version uint64
	if err := msgpack.Unmarshal(raw, &version); err != nil {
		return 0, dberr.Wrap(dberr.ErrCodec, err, "decode next version")
	}
	return version, nil
}

// scanActive returns the versions of active read-write transactions in
// ascending order. Requires mu.
func (m *MVCC) scanActive() ([]uint64, error) {
	it := m.engine.ScanPrefix(txnActivePrefix())
	defer it.Close()

	var active []uint64
	for it.Next() {
		k, err := decodeKey(it.Key())
		if err != nil {
			return nil, err
		}
		if k.kind != kindTxnActive {
			return nil, dberr.Internal("unexpected key %s in active set", k.kind)
		}
		active = append(active, k.version)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return active, nil
}
