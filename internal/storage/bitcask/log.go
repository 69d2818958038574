package bitcask

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/dberr"
)

const (
	lengthSize = 4
	// headerSize is the framing overhead of one record: key and value lengths.
	headerSize = 2 * lengthSize
	// tombstone is the value length that marks a deleted key.
	tombstone = ^uint32(0)
	// maxKeyLength and maxValueLength bound what the writer accepts. A
	// length above them can only come from a damaged record, wherever it is
	// in the file.
	maxKeyLength   = 1<<16 - 1
	maxValueLength = 1<<31 - 1
)

// logFile is an append-only file of records:
//
//	key_len:u32 key:bytes value_len:u32 value:bytes
//
// All integers are big-endian. A value_len of 0xffffffff is a tombstone and is
// followed by no value bytes. Keys are at most 65535 bytes. The file has no
// header and no checksums; the end of the file is the only framing signal.
type logFile struct {
	path string
	file *os.File
	// size is the offset of the next append.
	size int64
}

// valueLocation addresses a value inside the log file.
type valueLocation struct {
	pos int64
	len uint32
}

// recordSize returns the on-disk size of the record holding this value.
func (l valueLocation) recordSize(keyLen int) int64 {
	return headerSize + int64(keyLen) + int64(l.len)
}

type keydirEntry struct {
	key []byte
	loc valueLocation
}

func keydirLess(a, b keydirEntry) bool {
	return string(a.key) < string(b.key)
}

func newKeydir() *btree.BTreeG[keydirEntry] {
	return btree.NewG(32, keydirLess)
}

func openLog(path string) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, dberr.IO(err, "create log directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.IO(err, "open log %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.IO(err, "stat log %s", path)
	}
	return &logFile{path: path, file: f, size: info.Size()}, nil
}

// buildKeydir replays the log from the start. A record cut short at the end of
// the file is the remains of an interrupted write: the file is truncated back
// to the last complete record.
func (l *logFile) buildKeydir(logger *zap.Logger) (*btree.BTreeG[keydirEntry], error) {
	keydir := newKeydir()
	r := bufio.NewReaderSize(io.NewSectionReader(l.file, 0, l.size), 64*1024)

	var offset int64
	lenBuf := make([]byte, lengthSize)
	for offset < l.size {
		key, loc, err := readRecord(r, offset, l.size-offset, lenBuf)
		if err == io.ErrUnexpectedEOF {
			logger.Warn("truncating incomplete log record",
				zap.String("path", l.path),
				zap.Int64("offset", offset),
				zap.Int64("size", l.size))
			if err := l.file.Truncate(offset); err != nil {
				return nil, dberr.IO(err, "truncate log %s", l.path)
			}
			l.size = offset
			break
		}
		if err != nil {
			kind := dberr.ErrIO
			if errors.Is(err, dberr.ErrCodec) {
				kind = dberr.ErrCodec
			}
			return nil, dberr.Wrap(kind, err, "replay log %s at offset %d", l.path, offset)
		}

		if loc.len == tombstone {
			keydir.Delete(keydirEntry{key: key})
			offset += headerSize + int64(len(key))
		} else {
			keydir.ReplaceOrInsert(keydirEntry{key: key, loc: loc})
			offset = loc.pos + int64(loc.len)
		}
	}
	return keydir, nil
}

// readRecord reads one record starting at offset, with remaining bytes left
// in the file. It returns io.ErrUnexpectedEOF if the record runs past the end
// of the file, before allocating anything for it.
func readRecord(r *bufio.Reader, offset, remaining int64, lenBuf []byte) ([]byte, valueLocation, error) {
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, valueLocation{}, unexpected(err)
	}
	keyLen := binary.BigEndian.Uint32(lenBuf)
	if keyLen > maxKeyLength {
		return nil, valueLocation{}, dberr.Codec("invalid key length %d", keyLen)
	}
	if lengthSize+int64(keyLen) > remaining {
		return nil, valueLocation{}, io.ErrUnexpectedEOF
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, valueLocation{}, unexpected(err)
	}
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, valueLocation{}, unexpected(err)
	}
	valueLen := binary.BigEndian.Uint32(lenBuf)
	loc := valueLocation{pos: offset + headerSize + int64(keyLen), len: valueLen}
	if valueLen == tombstone {
		return key, loc, nil
	}
	if valueLen > maxValueLength {
		return nil, valueLocation{}, dberr.Codec("invalid value length %d", valueLen)
	}
	if headerSize+int64(keyLen)+int64(valueLen) > remaining {
		return nil, valueLocation{}, io.ErrUnexpectedEOF
	}
	if _, err := r.Discard(int(valueLen)); err != nil {
		return nil, valueLocation{}, unexpected(err)
	}
	return key, loc, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// readValue reads the value at loc.
func (l *logFile) readValue(loc valueLocation) ([]byte, error) {
	value := make([]byte, loc.len)
	if _, err := l.file.ReadAt(value, loc.pos); err != nil {
		return nil, dberr.IO(err, "read value at %d", loc.pos)
	}
	return value, nil
}

// writeEntry appends a record and returns the location of its value. A nil
// value writes a tombstone. The file size only advances once the whole record
// is written, so a failed write is overwritten by the next one.
func (l *logFile) writeEntry(key, value []byte) (valueLocation, error) {
	if len(key) > maxKeyLength || len(value) > maxValueLength {
		return valueLocation{}, dberr.New(dberr.ErrValue, "record too large: key %d bytes, value %d bytes", len(key), len(value))
	}
	valueLen := uint32(len(value))
	if value == nil {
		valueLen = tombstone
	}

	buf := make([]byte, 0, headerSize+len(key)+len(value))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint32(buf, valueLen)
	buf = append(buf, value...)

	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return valueLocation{}, dberr.IO(err, "append to log %s", l.path)
	}
	loc := valueLocation{pos: l.size + headerSize + int64(len(key)), len: valueLen}
	l.size += int64(len(buf))
	return loc, nil
}

func (l *logFile) sync() error {
	if err := l.file.Sync(); err != nil {
		return dberr.IO(err, "sync log %s", l.path)
	}
	return nil
}

func (l *logFile) close() error {
	if err := l.file.Close(); err != nil {
		return dberr.IO(err, "close log %s", l.path)
	}
	return nil
}
