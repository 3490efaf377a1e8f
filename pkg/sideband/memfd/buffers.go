//go:build linux

package memfd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/smazurov/sideband/pkg/sideband"
)

// Buffers owns the file descriptors referenced by one descriptor.
type Buffers struct {
	fds  []int
	meta int
}

// Allocate creates d.BufferCount buffers of d.BufferSize() bytes and a
// color-data region, and records their fds in d.
func Allocate(d *sideband.Descriptor) (*Buffers, error) {
	size := d.BufferSize()
	if size <= 0 {
		return nil, fmt.Errorf("buffer size %d for %dx%d %s", size, d.Width, d.Height, d.ColorFormat)
	}

	b := &Buffers{meta: -1}
	for i := 0; i < d.BufferCount; i++ {
		fd, err := create(fmt.Sprintf("sideband-%d-buf%d", d.ID, i), size)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.fds = append(b.fds, fd)
	}
	meta, err := create(fmt.Sprintf("sideband-%d-meta", d.ID), sideband.ColorDataSize)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.meta = meta

	b.apply(d)
	return b, nil
}

// Dup duplicates every fd in d and records the copies in d. The caller keeps
// ownership of the originals.
func Dup(d *sideband.Descriptor) (*Buffers, error) {
	b := &Buffers{meta: -1}
	for i := 0; i < d.BufferCount; i++ {
		fd, err := unix.FcntlInt(uintptr(d.BufferFds[i]), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("dup buffer %d fd %d: %w", i, d.BufferFds[i], err)
		}
		b.fds = append(b.fds, fd)
	}
	if d.MetaFd >= 0 {
		fd, err := unix.FcntlInt(uintptr(d.MetaFd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("dup metadata fd %d: %w", d.MetaFd, err)
		}
		b.meta = fd
	}

	b.apply(d)
	return b, nil
}

func (b *Buffers) apply(d *sideband.Descriptor) {
	for i := range d.BufferFds {
		d.BufferFds[i] = -1
	}
	copy(d.BufferFds[:], b.fds)
	d.MetaFd = b.meta
}

// MetaFd returns the color-data region fd, or -1.
func (b *Buffers) MetaFd() int {
	return b.meta
}

// Close closes every owned fd. It is safe to call more than once.
func (b *Buffers) Close() error {
	var errs []error
	for _, fd := range b.fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}
	b.fds = nil
	if b.meta >= 0 {
		if err := unix.Close(b.meta); err != nil {
			errs = append(errs, fmt.Errorf("close metadata fd %d: %w", b.meta, err))
		}
		b.meta = -1
	}
	return errors.Join(errs...)
}

func create(name string, size int) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("truncate %s to %d: %w", name, size, err)
	}
	return fd, nil
}

// Map maps size bytes of a buffer fd read-write and shared.
func Map(fd, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

// MetaStore is a sideband.ColorStore over the shared color-data region.
type MetaStore struct {
	fd int
}

// NewMetaStore returns a store reading and writing fd at offset 0.
func NewMetaStore(fd int) *MetaStore {
	return &MetaStore{fd: fd}
}

// Store implements sideband.ColorStore.
func (s *MetaStore) Store(c sideband.ColorData) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := unix.Pwrite(s.fd, data, 0); err != nil {
		return fmt.Errorf("write color data: %w", err)
	}
	return nil
}

// Load implements sideband.ColorStore.
func (s *MetaStore) Load() (sideband.ColorData, error) {
	buf := make([]byte, sideband.ColorDataSize)
	n, err := unix.Pread(s.fd, buf, 0)
	if err != nil {
		return sideband.ColorData{}, fmt.Errorf("read color data: %w", err)
	}
	var c sideband.ColorData
	if err := c.UnmarshalBinary(buf[:n]); err != nil {
		return sideband.ColorData{}, err
	}
	return c, nil
}
