package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound          = errors.New("Key not found")
	ErrUnexpectedRecordKind = errors.New("Unexpected command type")
	ErrCorruptRecord        = errors.New("Corrupted record")
	ErrEngineMismatch       = errors.New("Engine mismatch")
)

// CodecError reports a record or message that could not be encoded or decoded.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
