//go:build !linux

package alarm

import (
	"errors"
	"time"
)

// newKernelTimer is unsupported outside Linux; the polling fallback in
// alarm.go is used unconditionally instead.
func newKernelTimer(_ time.Time) (kernelTimer, error) {
	return nil, errors.New("kernel timer not supported on this platform")
}
