//go:build linux

package uds

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/smazurov/sideband/pkg/sideband"
)

// Network is the socket type used for handle exchange. Sequenced packets keep
// each handle in one message.
const Network = "unixpacket"

const maxPayload = 1024

// Send writes h to conn. Fd slots holding -1 are skipped.
func Send(conn *net.UnixConn, h *sideband.NativeHandle) error {
	payload, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	var fds []int
	for _, fd := range h.Fds() {
		if fd >= 0 {
			fds = append(fds, int(fd))
		}
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("send handle: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("send handle: short write %d/%d bytes, %d/%d oob", n, len(payload), oobn, len(oob))
	}
	return nil
}

// Receive reads one handle from conn. Slots that were set on the sending side
// hold the received descriptors, owned by the caller; the rest hold -1.
// The handle is not validated.
func Receive(conn *net.UnixConn) (*sideband.NativeHandle, error) {
	buf := make([]byte, maxPayload)
	oob := make([]byte, unix.CmsgSpace(4*sideband.NumFds))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("receive handle: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(fds)
		return nil, errors.New("receive handle: descriptors truncated")
	}
	if n == 0 {
		closeAll(fds)
		return nil, errors.New("receive handle: empty message")
	}

	h := &sideband.NativeHandle{}
	if err := h.UnmarshalBinary(buf[:n]); err != nil {
		closeAll(fds)
		return nil, err
	}

	slots := h.Fds()
	next := 0
	for i, fd := range slots {
		if fd < 0 {
			continue
		}
		if next >= len(fds) {
			closeAll(fds)
			return nil, fmt.Errorf("receive handle: %d descriptors for more set slots", len(fds))
		}
		slots[i] = int32(fds[next])
		next++
	}
	if next != len(fds) {
		closeAll(fds)
		return nil, fmt.Errorf("receive handle: %d descriptors for %d set slots", len(fds), next)
	}
	return h, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// CloseFds closes every set fd slot of h and marks it -1.
func CloseFds(h *sideband.NativeHandle) error {
	if h == nil || len(h.Data) < int(h.NumFds) {
		return nil
	}
	var errs []error
	slots := h.Fds()
	for i, fd := range slots {
		if fd < 0 {
			continue
		}
		if err := unix.Close(int(fd)); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
		slots[i] = -1
	}
	return errors.Join(errs...)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
