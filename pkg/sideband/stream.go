package sideband

import "time"

// Role is the side of a stream a Handle plays.
type Role int

// Stream roles.
const (
	RoleProducer Role = iota
	RoleConsumer
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// Handle is one side of a sideband stream: a typed buffer descriptor plus the
// queue protocol between producer and consumer.
//
// Producer-only operations return ErrWrongRole on a consumer handle and vice versa.
type Handle interface {
	// QueueBuffer hands buffer idx to the consumer.
	QueueBuffer(idx int) error
	// DequeueBuffer waits up to timeout for a buffer released by the consumer.
	DequeueBuffer(timeout time.Duration) (int, error)
	// SetColorData publishes color metadata; unchanged values return ErrSettingNoDataChange.
	SetColorData(c ColorData) error

	// AcquireBufferNumb returns the number of queued buffers not yet acquired.
	AcquireBufferNumb() (int, error)
	// AcquireBuffer waits up to timeout for the next queued buffer.
	AcquireBuffer(timeout time.Duration) (int, error)
	// ReleaseBuffer returns buffer idx to the producer.
	ReleaseBuffer(idx int) error
	// GetColorData returns the latest color metadata set by the producer.
	GetColorData() (ColorData, error)

	BufferWidth() int
	BufferHeight() int
	ColorFormat() ColorFormat
	CompressedUsage() int
	BufferCount() int
	BufferFd(idx int) (int, error)
	SetBufferFd(idx, fd int) error
	BufferSize() int
	HandleID() int32
	Role() Role

	// Descriptor returns a copy of the typed descriptor.
	Descriptor() Descriptor
	// NativeHandle encodes the descriptor for transport to another process.
	NativeHandle() *NativeHandle

	// Close tears the handle down. Blocked waiters return ErrBufQueueNoMoreData.
	Close() error
}

// ProducerConfig describes the buffers a producer allocates.
type ProducerConfig struct {
	Width           int
	Height          int
	ColorFormat     ColorFormat
	CompressedUsage int
	// BufferCount defaults to DefaultBufferCount.
	BufferCount int
	// QueueDepth bounds the buffers held by the consumer side and defaults to
	// one less than BufferCount.
	QueueDepth int
}

// Buffer defaults for display pipelines.
const (
	DefaultBufferCount = 4
	DefaultQueueDepth  = DefaultBufferCount - 1
)

// WithDefaults fills unset counts.
func (c ProducerConfig) WithDefaults() ProducerConfig {
	if c.BufferCount == 0 {
		c.BufferCount = DefaultBufferCount
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = max(c.BufferCount-1, 1)
	}
	return c
}

// Descriptor builds the typed descriptor for this configuration without fds.
func (c ProducerConfig) Descriptor(id, pid int32) (Descriptor, error) {
	c = c.WithDefaults()
	d := NewDescriptor()
	d.ID = id
	d.PID = pid
	d.Width = c.Width
	d.Height = c.Height
	d.ColorFormat = c.ColorFormat
	d.CompressedUsage = c.CompressedUsage
	d.BufferCount = c.BufferCount
	d.QueueDepth = c.QueueDepth
	if err := d.Check(); err != nil {
		return Descriptor{}, newErrorCause(StatusInvalid, "producer", "invalid configuration", err)
	}
	return d, nil
}
