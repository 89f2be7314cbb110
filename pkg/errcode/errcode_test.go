package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	cause := errors.New("disk gone")
	wrapped := fmt.Errorf("append: %w", New(StorageUnavailable, "datalog.append", cause))

	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, LockTimeout, Of(LockTimeout))
	assert.Equal(t, StorageUnavailable, Of(wrapped))
	assert.Equal(t, Error, Of(cause))
	assert.Equal(t, LoggingUnavailable, Of(New(LoggingUnavailable, "datalog.open", FileOpenFailed)))
}

func TestIsMatchesCode(t *testing.T) {
	cause := errors.New("no such file")
	err := fmt.Errorf("rotate: %w", New(FileOpenFailed, "open", cause))

	assert.True(t, errors.Is(err, FileOpenFailed))
	assert.False(t, errors.Is(err, PathTooLong))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "open: file_open_failed: no such file", New(FileOpenFailed, "open", cause).Error())
}
