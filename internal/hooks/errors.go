package hooks

import (
	"errors"
	"fmt"
)

// BlockingError is the one error kind a filter can return to abort a
// generation. Every other filter error is logged and skipped.
type BlockingError struct {
	Code    string
	Message string
	Err     error
}

func (e *BlockingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BlockingError) Unwrap() error { return e.Err }

// Block builds a blocking error with a machine-checkable code.
func Block(code, message string) error {
	return &BlockingError{Code: code, Message: message}
}

// Blockf is Block with a formatted message.
func Blockf(code, format string, args ...any) error {
	return &BlockingError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsBlocking reports whether err carries a BlockingError anywhere in its chain.
func IsBlocking(err error) bool {
	var be *BlockingError
	return errors.As(err, &be)
}

// AsBlocking extracts the BlockingError from err.
func AsBlocking(err error) (*BlockingError, bool) {
	var be *BlockingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
