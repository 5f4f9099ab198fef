//go:build linux

package net2

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dropbox/gomc/errors"
)

// SetTCPUserTimeout sets the TCP user timeout on a connection's socket.
func SetTCPUserTimeout(tcpConn *net.TCPConn, timeout time.Duration) error {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "error getting raw connection")
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(
			int(fd),
			syscall.IPPROTO_TCP,
			unix.TCP_USER_TIMEOUT,
			int(timeout/time.Millisecond))
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return errors.Wrap(err, "error setting option on socket")
	}
	return nil
}

// SendBufferSize reads SO_SNDBUF from the socket.
func SendBufferSize(tcpConn *net.TCPConn) (int, error) {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "error getting raw connection")
	}

	var size int
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		size, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return 0, errors.Wrap(err, "error reading socket send buffer")
	}
	return size, nil
}
