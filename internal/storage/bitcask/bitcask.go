// Package bitcask implements a log-structured storage engine in the style of
// Bitcask. Every write is appended to a single log file and an in-memory key
// directory maps each live key to the location of its latest value. The key
// directory is rebuilt by replaying the log on open.
//
// Replaced and deleted entries stay in the file as garbage until Compact
// rewrites the live keys into a fresh file.
//
// Records carry no checksums. A length field that is out of range, or a key
// length above the 65535-byte limit, fails Open with dberr.ErrCodec. A record
// that runs past the end of the file is taken for an interrupted write and cut
// off; damage that makes a length in the middle of the file point past its
// end cannot be told apart from that, and the records after it are lost with
// the tail. Damage that keeps every length in range goes undetected.
package bitcask

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/metrics"
	"github.com/myuser/cinderdb/internal/storage"
)

// BitCask implements storage.Engine.
type BitCask struct {
	mu     sync.RWMutex
	log    *logFile
	keydir *btree.BTreeG[keydirEntry]
	// generation changes whenever compaction replaces the log file, which
	// invalidates value locations held by open iterators.
	generation uint64
	logger     *zap.Logger
}

type Option func(*BitCask)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *zap.Logger) Option {
	return func(b *BitCask) { b.logger = logger }
}

// Open opens or creates the log file at path and rebuilds the key directory.
func Open(path string, opts ...Option) (*BitCask, error) {
	b := &BitCask{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	log, err := openLog(path)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	keydir, err := log.buildKeydir(b.logger)
	if err != nil {
		log.close()
		return nil, err
	}
	b.log = log
	b.keydir = keydir

	b.logger.Info("opened log",
		zap.String("path", path),
		zap.Int("keys", keydir.Len()),
		zap.Int64("size", log.size),
		zap.Duration("took", time.Since(start)))
	return b, nil
}

func (b *BitCask) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.keydir.Get(keydirEntry{key: key})
	if !ok {
		return nil, nil
	}
	return b.log.readValue(entry.loc)
}

func (b *BitCask) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	loc, err := b.log.writeEntry(key, value)
	if err != nil {
		return err
	}
	b.keydir.ReplaceOrInsert(keydirEntry{key: append([]byte(nil), key...), loc: loc})
	metrics.StorageWrites.WithLabelValues("set").Inc()
	return nil
}

// Delete writes a tombstone. Keys that are not live are skipped: there is no
// record for the tombstone to shadow.
func (b *BitCask) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.keydir.Has(keydirEntry{key: key}) {
		return nil
	}
	if _, err := b.log.writeEntry(key, nil); err != nil {
		return err
	}
	b.keydir.Delete(keydirEntry{key: key})
	metrics.StorageWrites.WithLabelValues("delete").Inc()
	return nil
}

// Scan snapshots the matching key directory entries. Values are read from disk
// as the iterator advances.
func (b *BitCask) Scan(r storage.Range) storage.Iterator {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var entries []keydirEntry
	collect := func(e keydirEntry) bool {
		if r.End != nil && bytes.Compare(e.key, r.End) >= 0 {
			return false
		}
		entries = append(entries, e)
		return true
	}
	if r.Start == nil {
		b.keydir.Ascend(collect)
	} else {
		b.keydir.AscendGreaterOrEqual(keydirEntry{key: r.Start}, collect)
	}
	if r.Reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	return &iterator{
		b:          b,
		entries:    entries,
		generation: b.generation,
		pos:        -1,
	}
}

func (b *BitCask) ScanPrefix(prefix []byte) storage.Iterator {
	return b.Scan(storage.PrefixRange(prefix))
}

func (b *BitCask) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log.sync()
}

func (b *BitCask) Status() (storage.Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := storage.Status{
		Name:     "bitcask",
		Keys:     int64(b.keydir.Len()),
		DiskSize: b.log.size,
	}
	b.keydir.Ascend(func(e keydirEntry) bool {
		st.Size += int64(len(e.key)) + int64(e.loc.len)
		st.LiveDiskSize += e.loc.recordSize(len(e.key))
		return true
	})
	st.GarbageDiskSize = st.DiskSize - st.LiveDiskSize
	return st, nil
}

// Compact writes the live entries in key order to a new file and renames it
// over the current log. Writers are blocked for the duration.
func (b *BitCask) Compact() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	before := b.log.size
	path := b.log.path
	tmpPath := path + ".new"

	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return dberr.IO(err, "remove stale compaction file %s", tmpPath)
	}
	newLog, err := openLog(tmpPath)
	if err != nil {
		return err
	}
	newKeydir, err := b.writeLive(newLog)
	if err == nil {
		err = newLog.sync()
	}
	if err == nil {
		if renameErr := os.Rename(tmpPath, path); renameErr != nil {
			err = dberr.IO(renameErr, "replace log %s", path)
		}
	}
	if err != nil {
		newLog.close()
		os.Remove(tmpPath)
		return err
	}

	oldLog := b.log
	newLog.path = path
	b.log = newLog
	b.keydir = newKeydir
	b.generation++
	if err := oldLog.close(); err != nil {
		b.logger.Warn("closing replaced log", zap.Error(err))
	}

	reclaimed := before - newLog.size
	metrics.Compactions.Inc()
	metrics.CompactionReclaimedBytes.Add(float64(reclaimed))
	b.logger.Info("compacted log",
		zap.String("path", path),
		zap.Int64("before", before),
		zap.Int64("after", newLog.size),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (b *BitCask) writeLive(dst *logFile) (*btree.BTreeG[keydirEntry], error) {
	keydir := newKeydir()
	var err error
	b.keydir.Ascend(func(e keydirEntry) bool {
		var value []byte
		if value, err = b.log.readValue(e.loc); err != nil {
			return false
		}
		var loc valueLocation
		if loc, err = dst.writeEntry(e.key, value); err != nil {
			return false
		}
		keydir.ReplaceOrInsert(keydirEntry{key: e.key, loc: loc})
		return true
	})
	return keydir, err
}

func (b *BitCask) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.log.sync(); err != nil {
		return err
	}
	return b.log.close()
}

// iterator reads values lazily. If the log was compacted since the scan
// started, remaining values are looked up through the current key directory;
// keys deleted in the meantime are skipped.
type iterator struct {
	b          *BitCask
	entries    []keydirEntry
	generation uint64
	pos        int
	value      []byte
	err        error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos+1 < len(it.entries) {
		it.pos++
		value, ok, err := it.read(it.entries[it.pos])
		if err != nil {
			it.err = err
			return false
		}
		if ok {
			it.value = value
			return true
		}
	}
	it.pos = len(it.entries)
	return false
}

func (it *iterator) read(e keydirEntry) ([]byte, bool, error) {
	it.b.mu.RLock()
	defer it.b.mu.RUnlock()

	if it.b.generation != it.generation {
		current, ok := it.b.keydir.Get(e)
		if !ok {
			return nil, false, nil
		}
		e = current
	}
	value, err := it.b.log.readValue(e.loc)
	return value, err == nil, err
}

func (it *iterator) Key() []byte   { return it.entries[it.pos].key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.entries = nil
	it.pos = -1
	return nil
}
