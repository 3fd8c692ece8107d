package msgq

// OpenOptions controls how a channel is created or attached. Capacity,
// MaxMessageSize and Perm only apply when the open creates the channel.
type OpenOptions struct {
	Perm           uint32 `json:"perm,omitempty"             msgpack:"perm,omitempty"`
	HasPerm        bool   `json:"has_perm,omitempty"         msgpack:"has_perm,omitempty"`
	Capacity       int64  `json:"capacity,omitempty"         msgpack:"capacity,omitempty"`
	MaxMessageSize int64  `json:"max_message_size,omitempty" msgpack:"max_message_size,omitempty"`
	Exclusive      bool   `json:"exclusive,omitempty"        msgpack:"exclusive,omitempty"`
	NonBlocking    bool   `json:"non_blocking,omitempty"     msgpack:"non_blocking,omitempty"`
}

// OpenOption configures an open call.
type OpenOption func(*OpenOptions)

// ApplyOpenOptions folds opts into an OpenOptions value.
func ApplyOpenOptions(opts ...OpenOption) OpenOptions {
	var o OpenOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Options returns o as a single OpenOption, for forwarding decoded options.
func (o OpenOptions) Options() OpenOption {
	return func(dst *OpenOptions) { *dst = o }
}

// WithPerm sets the permission bits recorded on a newly created channel.
func WithPerm(perm uint32) OpenOption {
	return func(o *OpenOptions) {
		o.Perm = perm
		o.HasPerm = true
	}
}

// WithCapacity sets the byte capacity of a newly created channel.
func WithCapacity(n int64) OpenOption {
	return func(o *OpenOptions) { o.Capacity = n }
}

// WithMaxMessageSize sets the largest payload a newly created channel
// accepts.
func WithMaxMessageSize(n int64) OpenOption {
	return func(o *OpenOptions) { o.MaxMessageSize = n }
}

// Exclusive makes the open fail with ErrExists when the channel already
// exists.
func Exclusive() OpenOption {
	return func(o *OpenOptions) { o.Exclusive = true }
}

// NonBlocking opens the handle with blocking mode off.
func NonBlocking() OpenOption {
	return func(o *OpenOptions) { o.NonBlocking = true }
}
