package memcache

import (
	"bytes"
	"strings"

	"github.com/rglonek/logger"
	"github.com/valyala/bytebufferpool"

	"github.com/dropbox/gomc/errors"
)

type Protocol string

const (
	ProtocolText   Protocol = "text"
	ProtocolBinary Protocol = "binary"
)

func ParseProtocol(name string) (Protocol, error) {
	switch Protocol(strings.ToLower(name)) {
	case ProtocolText, "ascii":
		return ProtocolText, nil
	case ProtocolBinary:
		return ProtocolBinary, nil
	}
	return "", errors.Newf("Unknown memcache protocol: %s", name)
}

// protocolCodec serializes commands and incrementally decodes their
// responses.
type protocolCodec interface {
	protocol() Protocol

	// encode appends cmd's request to buf.
	encode(cmd *Command, buf *bytebufferpool.ByteBuffer) error

	// decode consumes whole response units for cmd from the front of buf.
	// It returns done=false when more bytes are needed, and never consumes
	// bytes of the following response.  A non-nil error completes the
	// command; a *ProtocolError without Resync also ends the session.
	decode(cmd *Command, buf []byte) (consumed int, done bool, err error)

	// unsolicited consumes a response which belongs to no queued command.
	unsolicited(buf []byte) (consumed int, err error)
}

func newProtocolCodec(protocol Protocol, log *logger.Logger) protocolCodec {
	if protocol == ProtocolBinary {
		return &binaryCodec{log: log}
	}
	return &textCodec{}
}

// readLine returns the first CRLF terminated line of buf, without the CRLF,
// and the number of bytes it spans.
func readLine(buf []byte) (line string, n int, ok bool) {
	idx := bytes.Index(buf, []byte(crlf))
	if idx < 0 {
		return "", 0, false
	}
	return string(buf[:idx]), idx + len(crlf), true
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
