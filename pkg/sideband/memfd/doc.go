// Package memfd provides sideband buffers backed by anonymous shared memory
// (memfd_create) and an in-process provider built on them.
//
// Buffers are plain file descriptors, so they survive SCM_RIGHTS transfer to
// another process unchanged:
//
//	bufs, err := memfd.Allocate(&desc)
//	defer bufs.Close()
//	mem, err := memfd.Map(desc.BufferFds[0], desc.BufferSize())
//	defer memfd.Unmap(mem)
//
// Importing the package registers the "memfd" provider with sideband.Register.
package memfd

// ProviderName is the registry name of the memfd provider.
const ProviderName = "memfd"
