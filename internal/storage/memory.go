package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// Memory is an in-memory Engine backed by a B-tree. Nothing is persisted.
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item]
}

type item struct {
	key   []byte
	value []byte
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func NewMemory() *Memory {
	return &Memory{
		tree: btree.NewG(32, itemLess),
	}
}

func (s *Memory) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.tree.Get(item{key: key})
	if !ok {
		return nil, nil
	}
	return it.value, nil
}

// Set stores copies of key and value so callers may reuse their buffers.
func (s *Memory) Set(key, value []byte) error {
	it := item{
		key:   append([]byte(nil), key...),
		value: append([]byte{}, value...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(it)
	return nil
}

func (s *Memory) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(item{key: key})
	return nil
}

// Scan collects the matching pairs under the read lock. Stored slices are never
// mutated, so the iterator stays valid across later writes.
func (s *Memory) Scan(r Range) Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys, values [][]byte
	collect := func(it item) bool {
		if r.End != nil && bytes.Compare(it.key, r.End) >= 0 {
			return false
		}
		keys = append(keys, it.key)
		values = append(values, it.value)
		return true
	}
	if r.Start == nil {
		s.tree.Ascend(collect)
	} else {
		s.tree.AscendGreaterOrEqual(item{key: r.Start}, collect)
	}

	if r.Reverse {
		reverse(keys)
		reverse(values)
	}
	return NewSliceIterator(keys, values)
}

func (s *Memory) ScanPrefix(prefix []byte) Iterator {
	return s.Scan(PrefixRange(prefix))
}

func (s *Memory) Flush() error   { return nil }
func (s *Memory) Compact() error { return nil }
func (s *Memory) Close() error   { return nil }

func (s *Memory) Status() (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{Name: "memory", Keys: int64(s.tree.Len())}
	s.tree.Ascend(func(it item) bool {
		st.Size += int64(len(it.key) + len(it.value))
		return true
	})
	return st, nil
}

func reverse(s [][]byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
