// Package uds moves sideband native handles between processes over Unix
// domain sockets. The handle's integers travel as the message payload and its
// file descriptors as SCM_RIGHTS ancillary data, so the receiver gets working
// descriptors of its own.
//
// A producer serves its descriptor on a socket path:
//
//	srv, err := uds.Listen(path, logger)
//	go srv.Serve(ctx, prod.NativeHandle)
//
// and a consumer fetches it:
//
//	h, err := uds.Fetch(ctx, path)
//	defer uds.CloseFds(h)
//	cons, err := factory.CreateConsumer(h)
package uds
