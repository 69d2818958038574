package mvcc

import (
	"bytes"

	"github.com/myuser/cinderdb/internal/storage"
)

// scanIterator folds the versions of each key, which the engine yields
// contiguously in ascending version order, into the latest visible value.
// Keys whose latest visible version is a tombstone are skipped.
type scanIterator struct {
	txn   *Transaction
	inner storage.Iterator
	// peeked is set when inner is positioned on an entry that belongs to the
	// next key and has not been folded yet.
	peeked    bool
	exhausted bool
	key       []byte
	value     []byte
	err       error
}

func newScanIterator(txn *Transaction, inner storage.Iterator) *scanIterator {
	return &scanIterator{txn: txn, inner: inner}
}

func (it *scanIterator) Next() bool {
	for it.err == nil && (it.peeked || !it.exhausted) {
		var (
			raw     []byte
			started bool
			visible []byte
			found   bool
		)
		for {
			if !it.peeked {
				if !it.inner.Next() {
					it.exhausted = true
					it.err = it.inner.Err()
					break
				}
				it.peeked = true
			}
			k, err := decodeKey(it.inner.Key())
			if err != nil {
				it.err = err
				return false
			}
			if started && !bytes.Equal(k.raw, raw) {
				break
			}
			it.peeked = false
			raw, started = k.raw, true
			if it.txn.state.IsVisible(k.version) {
				visible, found = it.inner.Value(), true
			}
		}
		if it.err != nil || !started {
			return false
		}
		if !found {
			continue
		}
		value, err := decodeValue(visible)
		if err != nil {
			it.err = err
			return false
		}
		if value != nil {
			it.key, it.value = raw, value
			return true
		}
	}
	return false
}

func (it *scanIterator) Key() []byte   { return it.key }
func (it *scanIterator) Value() []byte { return it.value }
func (it *scanIterator) Err() error    { return it.err }

func (it *scanIterator) Close() error {
	return it.inner.Close()
}
