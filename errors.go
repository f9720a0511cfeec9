package ctrcrypt

import (
	"errors"
	"fmt"
)

// FormatError reports a malformed container: bad magic, region out of range, or inconsistent
// hash tree geometry. Processing of the container is aborted.
type FormatError struct {
	Container string
	Msg       string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Container, e.Msg)
}

func formatErrorf(container, format string, args ...interface{}) error {
	return &FormatError{
		Container: container,
		Msg:       fmt.Sprintf(format, args...),
	}
}

// KeyError reports a key that is required but not available.
//
// It is only returned when Settings.AbortOnMissingKey is set. Otherwise processing continues
// with a zero key and the problem shows up as failed hash and signature checks.
type KeyError struct {
	Container string
	Key       string
	Msg       string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Container, e.Key, e.Msg)
}

// IOError reports a read or write failure while processing a single region. Sibling regions are
// not affected.
type IOError struct {
	Container string
	Region    string
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: failed to process %s: %v", e.Container, e.Region, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(container, region string, err error) error {
	if err == nil {
		return nil
	}
	var formatErr *FormatError
	if errors.As(err, &formatErr) {
		return err
	}
	return &IOError{
		Container: container,
		Region:    region,
		Err:       err,
	}
}
