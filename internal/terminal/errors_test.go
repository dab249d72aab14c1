package terminal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKind(t *testing.T) {
	cause := errors.New("broken pipe")
	err := opError("write", 7, ErrWrite, cause)

	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrFlush)
	assert.Equal(t, ErrWrite, KindOf(err))
	assert.Equal(t, "write session 7: write failed: broken pipe", err.Error())
}

func TestErrorWithoutSession(t *testing.T) {
	err := opError("spawn", 0, ErrPtyOpen, errors.New("no ptys"))
	assert.Equal(t, "spawn: pty open failed: no ptys", err.Error())
	assert.Nil(t, KindOf(errors.New("other")))
}
