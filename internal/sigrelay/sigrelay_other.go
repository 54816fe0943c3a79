//go:build !unix

package sigrelay

import (
	"errors"
	"fmt"
)

// Channel is unavailable on this platform.
type Channel struct{}

// NewChannel reports that the relay is unsupported here.
func NewChannel() (*Channel, error) {
	return nil, fmt.Errorf("%w: %w", ErrInstall, errors.ErrUnsupported)
}

func (c *Channel) wake() {}

// Close is a no-op.
func (c *Channel) Close() error { return nil }

// Notifier is unavailable on this platform.
type Notifier struct{}

// NewNotifier reports that the relay is unsupported here.
func NewNotifier(*Channel, func(func()) bool, func()) (*Notifier, error) {
	return nil, fmt.Errorf("%w: %w", ErrInstall, errors.ErrUnsupported)
}

// Close is a no-op.
func (n *Notifier) Close() error { return nil }
