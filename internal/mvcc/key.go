package mvcc

import (
	"fmt"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/storage/keycode"
)

// keyKind tags every key written by MVCC. The numeric order of the tags is
// the order of the key groups in the engine.
type keyKind byte

const (
	kindNextVersion keyKind = iota
	kindTxnActive
	kindTxnActiveSnapshot
	kindTxnWrite
	kindVersion
	kindUnversioned
)

func (k keyKind) String() string {
	switch k {
	case kindNextVersion:
		return "NextVersion"
	case kindTxnActive:
		return "TxnActive"
	case kindTxnActiveSnapshot:
		return "TxnActiveSnapshot"
	case kindTxnWrite:
		return "TxnWrite"
	case kindVersion:
		return "Version"
	case kindUnversioned:
		return "Unversioned"
	default:
		return fmt.Sprintf("keyKind(%d)", byte(k))
	}
}

// key is a decoded MVCC key. Fields not used by a kind are zero.
type key struct {
	kind    keyKind
	version uint64
	raw     []byte
}

// encode lays out the key so that byte order matches (kind, fields) order:
//
//	NextVersion                 kind
//	TxnActive(v)                kind v
//	TxnActiveSnapshot(v)        kind v
//	TxnWrite(v, raw)            kind v raw
//	Version(raw, v)             kind raw v
//	Unversioned(raw)            kind raw
func (k key) encode() []byte {
	buf := keycode.AppendByte(nil, byte(k.kind))
	switch k.kind {
	case kindTxnActive, kindTxnActiveSnapshot:
		buf = keycode.AppendUint64(buf, k.version)
	case kindTxnWrite:
		buf = keycode.AppendUint64(buf, k.version)
		buf = keycode.AppendBytes(buf, k.raw)
	case kindVersion:
		buf = keycode.AppendBytes(buf, k.raw)
		buf = keycode.AppendUint64(buf, k.version)
	case kindUnversioned:
		buf = keycode.AppendBytes(buf, k.raw)
	}
	return buf
}

func decodeKey(b []byte) (key, error) {
	d := keycode.NewDecoder(b)
	tag, err := d.Byte()
	if err != nil {
		return key{}, err
	}
	k := key{kind: keyKind(tag)}
	switch k.kind {
	case kindNextVersion:
	case kindTxnActive, kindTxnActiveSnapshot:
		k.version, err = d.Uint64()
	case kindTxnWrite:
		if k.version, err = d.Uint64(); err == nil {
			k.raw, err = d.Bytes()
		}
	case kindVersion:
		if k.raw, err = d.Bytes(); err == nil {
			k.version, err = d.Uint64()
		}
	case kindUnversioned:
		k.raw, err = d.Bytes()
	default:
		return key{}, dberr.Codec("unknown mvcc key tag %#x", tag)
	}
	if err != nil {
		return key{}, err
	}
	if err := d.Finish(); err != nil {
		return key{}, err
	}
	return k, nil
}

func nextVersionKey() []byte { return key{kind: kindNextVersion}.encode() }

func txnActiveKey(v uint64) []byte { return key{kind: kindTxnActive, version: v}.encode() }

func txnActiveSnapshotKey(v uint64) []byte {
	return key{kind: kindTxnActiveSnapshot, version: v}.encode()
}

func txnWriteKey(v uint64, raw []byte) []byte {
	return key{kind: kindTxnWrite, version: v, raw: raw}.encode()
}

func versionKey(raw []byte, v uint64) []byte {
	return key{kind: kindVersion, raw: raw, version: v}.encode()
}

func unversionedKey(raw []byte) []byte { return key{kind: kindUnversioned, raw: raw}.encode() }

func txnActivePrefix() []byte { return []byte{byte(kindTxnActive)} }

func txnWritePrefix(v uint64) []byte {
	return keycode.AppendUint64([]byte{byte(kindTxnWrite)}, v)
}

// versionsOf is the prefix shared by every version of exactly raw.
func versionsOf(raw []byte) []byte {
	return keycode.AppendBytes([]byte{byte(kindVersion)}, raw)
}

// versionRawPrefix is the prefix shared by the versions of every raw key
// beginning with prefix.
func versionRawPrefix(prefix []byte) []byte {
	return keycode.AppendBytesPrefix([]byte{byte(kindVersion)}, prefix)
}

// Version values carry a one byte marker so that a deletion can be told apart
// from an empty value.
const (
	valueTombstone byte = 0x00
	valuePresent   byte = 0x01
)

func encodeValue(value []byte) []byte {
	if value == nil {
		return []byte{valueTombstone}
	}
	return append([]byte{valuePresent}, value...)
}

// decodeValue returns nil for a tombstone.
func decodeValue(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, dberr.Codec("empty version value")
	}
	switch b[0] {
	case valueTombstone:
		if len(b) != 1 {
			return nil, dberr.Codec("tombstone with %d trailing bytes", len(b)-1)
		}
		return nil, nil
	case valuePresent:
		return append([]byte{}, b[1:]...), nil
	default:
		return nil, dberr.Codec("unknown version value marker %#x", b[0])
	}
}
