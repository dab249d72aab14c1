package terminal

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrPtyOpen           = errors.New("pty open failed")
	ErrSpawn             = errors.New("shell spawn failed")
	ErrHandleAcquisition = errors.New("pty handle acquisition failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrWrite             = errors.New("write failed")
	ErrFlush             = errors.New("flush failed")
	ErrResize            = errors.New("resize failed")
)

// Error describes a failed manager operation.
type Error struct {
	Op   string
	ID   uint32
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != 0 {
		msg = fmt.Sprintf("%s session %d", msg, e.ID)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return e.Kind == target }

func opError(op string, id uint32, kind, err error) error {
	return &Error{Op: op, ID: id, Kind: kind, Err: err}
}

// KindOf returns the error kind of err, or nil if err does not come from
// this package.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
