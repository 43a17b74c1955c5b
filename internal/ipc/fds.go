package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFds passes descriptors over a unix socket with a one byte payload.
func SendFds(conn *net.UnixConn, fds ...int) error {
	rights := unix.UnixRights(fds...)
	n, oobn, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("send fds: %w", err)
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("send fds: short write")
	}
	return nil
}

// RecvFds receives exactly n descriptors sent by SendFds.
func RecvFds(conn *net.UnixConn, n int) ([]int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(n*4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("recv fds: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("recv fds: %w", err)
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) != n {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("recv fds: want %d descriptors, got %d", n, len(fds))
	}
	return fds, nil
}
