package utils

import (
	"fmt"
	"runtime/debug"
)

// Panics inside handlers are converted into an error carrying the
// stack trace.
type PanicError struct {
	Value     interface{}
	Backtrace string
}

func (self *PanicError) Error() string {
	return fmt.Sprintf("PANIC: %v", self.Value)
}

// Run the callback and recover any panic into a PanicError.
func RecoverToError(cb func() error) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = &PanicError{
				Value:     r,
				Backtrace: string(debug.Stack()),
			}
		}
	}()

	return cb()
}
