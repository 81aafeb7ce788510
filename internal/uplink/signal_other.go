//go:build !linux

package uplink

// NewSignal returns the portable channel-backed Signal on platforms
// without eventfd.
func NewSignal() Signal { return NewChanSignal() }
