//go:build !linux

package zwave

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsupportedPlatform is returned by OpenSerial where raw serial setup is
// not implemented.
var ErrUnsupportedPlatform = errors.New("serial ports are not supported on this platform")

// OpenSerial reports ErrUnsupportedPlatform.
func OpenSerial(path string) (*os.File, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnsupportedPlatform)
}
