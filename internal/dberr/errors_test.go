package dberr

import (
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(ErrTableNotFound, "table %q does not exist", "users")
	assert.True(t, errors.Is(err, ErrTableNotFound))
	assert.False(t, errors.Is(err, ErrTableAlreadyExists))
	assert.Equal(t, `table not found: table "users" does not exist`, err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	_, cause := os.Open("/definitely/not/here")
	require.Error(t, cause)

	err := IO(cause, "open log")
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Nil(t, Wrap(ErrIO, nil, "nothing"))
}

func TestWrapDoesNotDoubleTag(t *testing.T) {
	err := Codec("bad tag %#x", 0x7f)
	wrapped := Wrap(ErrCodec, err, "decode key")
	assert.True(t, errors.Is(wrapped, ErrCodec))
	assert.Equal(t, "decode key: codec error: bad tag 0x7f", wrapped.Error())
}

func TestFormatWithStack(t *testing.T) {
	err := Internal("broken")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
	assert.Equal(t, "internal error: broken", fmt.Sprintf("%v", err))
}
