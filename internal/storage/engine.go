package storage

import (
	"bytes"

	"github.com/myuser/cinderdb/internal/storage/keycode"
)

// Engine defines the interface for a local key-value storage engine. Keys are
// arbitrary byte strings ordered lexicographically.
//
// Implementations are safe for concurrent use. Writes are only durable once
// Flush returns.
type Engine interface {
	// Get returns the value for key, or nil if it does not exist.
	Get(key []byte) ([]byte, error)

	// Set writes a key-value pair, replacing any existing value.
	Set(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Scan returns an iterator over the pairs in r.
	Scan(r Range) Iterator

	// ScanPrefix returns an iterator over the pairs whose key starts with prefix.
	ScanPrefix(prefix []byte) Iterator

	// Flush forces buffered writes to durable storage.
	Flush() error

	// Compact reclaims space taken by replaced and deleted entries.
	Compact() error

	// Status returns engine statistics.
	Status() (Status, error)

	// Close flushes and releases the engine.
	Close() error
}

// Range is a key range [Start, End). A nil Start is unbounded below and a nil
// End is unbounded above. Reverse yields pairs in descending key order.
type Range struct {
	Start   []byte
	End     []byte
	Reverse bool
}

// PrefixRange returns the range covering every key with the given prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: keycode.PrefixEnd(prefix)}
}

// Contains reports whether key lies inside the range.
func (r Range) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Iterator walks an ordered sequence of key-value pairs. An iterator sees the
// keys present when it was created and must not outlive the engine or the
// transaction that produced it.
//
//	it := engine.Scan(r)
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	// Next advances to the next pair and reports whether one exists.
	Next() bool
	// Key returns the current key. Only valid after Next returned true.
	Key() []byte
	// Value returns the current value. Only valid after Next returned true.
	Value() []byte
	// Err returns the error that stopped the iteration, if any.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// Status describes an engine's storage use.
type Status struct {
	// Name of the engine implementation.
	Name string `json:"name"`
	// Keys is the number of live keys.
	Keys int64 `json:"keys"`
	// Size is the logical size of live keys and values.
	Size int64 `json:"size"`
	// DiskSize is the on-disk size, including garbage.
	DiskSize int64 `json:"disk_size"`
	// LiveDiskSize is the on-disk size of live data.
	LiveDiskSize int64 `json:"live_disk_size"`
	// GarbageDiskSize is the on-disk size of replaced and deleted data.
	GarbageDiskSize int64 `json:"garbage_disk_size"`
}

// GarbageRatio returns the fraction of the disk size taken by garbage.
func (s Status) GarbageRatio() float64 {
	if s.DiskSize == 0 {
		return 0
	}
	return float64(s.GarbageDiskSize) / float64(s.DiskSize)
}

// ShouldCompact reports whether garbage has reached both thresholds.
func (s Status) ShouldCompact(garbageRatio float64, minBytes int64) bool {
	return s.GarbageDiskSize > 0 && s.GarbageDiskSize >= minBytes && s.GarbageRatio() >= garbageRatio
}

// SliceIterator iterates over pre-collected pairs. Engines whose values are
// held in memory use it for scans.
type SliceIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
	err    error
}

// NewSliceIterator returns an iterator over the given pairs, which must already
// be in iteration order.
func NewSliceIterator(keys, values [][]byte) *SliceIterator {
	return &SliceIterator{keys: keys, values: values, pos: -1}
}

// ErrIterator returns an iterator that yields nothing and reports err.
func ErrIterator(err error) *SliceIterator {
	return &SliceIterator{pos: -1, err: err}
}

func (it *SliceIterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.keys) {
		it.pos = len(it.keys)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Key() []byte   { return it.keys[it.pos] }
func (it *SliceIterator) Value() []byte { return it.values[it.pos] }
func (it *SliceIterator) Err() error    { return it.err }
func (it *SliceIterator) Close() error  { return nil }
