// Package net2 dials TCP connections to cache servers and applies the socket
// options the client depends on.
package net2

import (
	"context"
	"net"
	"time"

	"github.com/dropbox/gomc/errors"
)

// Used when the kernel does not report a send buffer size.
const DefaultSendBufferSize = 8 * 1024

// ConnectionOptions controls how connections are established.
type ConnectionOptions struct {
	// Bound on the TCP handshake.  Zero means no timeout.
	DialTimeout time.Duration

	// Disables Nagle's algorithm when true.
	NoDelay bool

	// TCP keep alive probe period.  Zero disables keep alive.
	KeepAlive time.Duration

	// Linux TCP_USER_TIMEOUT.  Zero leaves the kernel default.
	UserTimeout time.Duration

	// Requested SO_SNDBUF / SO_RCVBUF sizes.  Zero leaves the kernel default.
	SendBufferSize int
	ReadBufferSize int

	// Dial overrides net.Dialer, mostly for tests.
	Dial func(ctx context.Context, network string, address string) (net.Conn, error)
}

// Dialer opens connections configured by its options.
type Dialer struct {
	options ConnectionOptions
}

func NewDialer(options ConnectionOptions) *Dialer {
	return &Dialer{options: options}
}

// DialContext connects to address, honoring both ctx and the dial timeout.
// The returned hint is the socket's send buffer size.
func (d *Dialer) DialContext(
	ctx context.Context,
	network string,
	address string) (conn net.Conn, sendBufferHint int, err error) {

	if d.options.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.options.DialTimeout)
		defer cancel()
	}

	dial := d.options.Dial
	if dial == nil {
		dialer := &net.Dialer{KeepAlive: d.options.KeepAlive}
		if d.options.KeepAlive == 0 {
			dialer.KeepAlive = -1
		}
		dial = dialer.DialContext
	}

	conn, err = dial(ctx, network, address)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "Failed to dial %s", address)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, DefaultSendBufferSize, nil
	}

	if err := d.configure(tcpConn); err != nil {
		_ = conn.Close()
		return nil, 0, errors.Wrapf(err, "Failed to configure socket to %s", address)
	}

	hint, err := SendBufferSize(tcpConn)
	if err != nil || hint <= 0 {
		hint = DefaultSendBufferSize
	}
	return conn, hint, nil
}

func (d *Dialer) configure(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(d.options.NoDelay); err != nil {
		return err
	}
	if d.options.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(d.options.SendBufferSize); err != nil {
			return err
		}
	}
	if d.options.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(d.options.ReadBufferSize); err != nil {
			return err
		}
	}
	if d.options.UserTimeout > 0 {
		if err := SetTCPUserTimeout(conn, d.options.UserTimeout); err != nil {
			return err
		}
	}
	return nil
}
