// Package errx attaches contextual detail to sentinel errors without
// losing errors.Is matchability against the sentinel.
package errx

import (
	"errors"
	"fmt"
)

type detailed struct {
	sentinel error
	msg      string
	cause    error
}

func (e *detailed) Error() string {
	return e.sentinel.Error() + ":" + e.msg
}

func (e *detailed) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.sentinel
}

func (e *detailed) Is(target error) bool {
	return errors.Is(e.sentinel, target)
}

// With wraps sentinel with a formatted detail string. The result still
// matches errors.Is(result, sentinel).
func With(sentinel error, format string, args ...any) error {
	return &detailed{sentinel: sentinel, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to sentinel. The result matches errors.Is against
// both sentinel and cause.
func Wrap(sentinel error, cause error) error {
	return &detailed{sentinel: sentinel, msg: " " + cause.Error(), cause: cause}
}
