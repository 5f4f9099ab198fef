//go:build !linux

package net2

import (
	"net"
	"time"
)

// TCP_USER_TIMEOUT is linux only.
func SetTCPUserTimeout(tcpConn *net.TCPConn, timeout time.Duration) error {
	return nil
}

func SendBufferSize(tcpConn *net.TCPConn) (int, error) {
	return DefaultSendBufferSize, nil
}
