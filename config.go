package msgq

import (
	"fmt"
	"time"
)

// Config holds broker-wide defaults and limits.
type Config struct {
	// DefaultCapacity is the byte capacity of channels created without
	// WithCapacity. It also bounds the number of pending messages.
	DefaultCapacity int64

	// MaxMessageSize is the largest payload a channel accepts unless
	// overridden with WithMaxMessageSize.
	MaxMessageSize int64

	// MaxChannels limits how many channels may exist at once. Zero means
	// unlimited.
	MaxChannels int

	// DefaultPerm is applied to channels created without WithPerm.
	DefaultPerm uint32

	// WaitRecheckMin and WaitRecheckMax bound the interval at which a
	// blocked caller re-checks its channel without a change signal.
	WaitRecheckMin time.Duration
	WaitRecheckMax time.Duration
}

// DefaultConfig returns a Config with the Linux SysV defaults
// (msgmnb 16384, msgmax 8192, msgmni 32000).
func DefaultConfig() Config {
	return Config{
		DefaultCapacity: 16384,
		MaxMessageSize:  8192,
		MaxChannels:     32000,
		DefaultPerm:     0o666,
		WaitRecheckMin:  50 * time.Millisecond,
		WaitRecheckMax:  2 * time.Second,
	}
}

// Validate reports whether the config is usable.
func (c Config) Validate() error {
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("%w: default capacity must be positive", ErrInvalidArgument)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidArgument)
	}
	if c.MaxChannels < 0 {
		return fmt.Errorf("%w: max channels must not be negative", ErrInvalidArgument)
	}
	if c.DefaultPerm > MaxPerm {
		return fmt.Errorf("%w: %#o", ErrInvalidPerm, c.DefaultPerm)
	}
	if c.WaitRecheckMin <= 0 || c.WaitRecheckMax < c.WaitRecheckMin {
		return fmt.Errorf("%w: wait recheck bounds %s..%s", ErrInvalidArgument, c.WaitRecheckMin, c.WaitRecheckMax)
	}
	return nil
}
