package memcache

import (
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/dropbox/gomc/errors"
)

// No legitimate response line comes close to this.
const maxTextLineLength = 4096

// textCodec speaks the memcached ASCII protocol.
type textCodec struct{}

func (t *textCodec) protocol() Protocol {
	return ProtocolText
}

func writeUint(buf *bytebufferpool.ByteBuffer, v uint64) {
	buf.B = strconv.AppendUint(buf.B, v, 10)
}

func writeNoReply(buf *bytebufferpool.ByteBuffer, noReply bool) {
	if noReply {
		_, _ = buf.WriteString(" noreply")
	}
	_, _ = buf.WriteString(crlf)
}

func (t *textCodec) encode(cmd *Command, buf *bytebufferpool.ByteBuffer) error {
	switch cmd.cmdType {
	case CmdGet, CmdGets:
		_, _ = buf.WriteString(cmd.cmdType.String())
		for _, key := range cmd.keys() {
			_ = buf.WriteByte(' ')
			_, _ = buf.WriteString(key)
		}
		_, _ = buf.WriteString(crlf)

	case CmdGetAndTouch:
		// gats so that the data version id comes back as well.
		_, _ = buf.WriteString("gats ")
		writeUint(buf, uint64(cmd.item.Expiration))
		_ = buf.WriteByte(' ')
		_, _ = buf.WriteString(cmd.key)
		_, _ = buf.WriteString(crlf)

	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCas:
		_, _ = buf.WriteString(cmd.cmdType.String())
		_ = buf.WriteByte(' ')
		_, _ = buf.WriteString(cmd.key)
		_ = buf.WriteByte(' ')
		writeUint(buf, uint64(cmd.item.Flags))
		_ = buf.WriteByte(' ')
		writeUint(buf, uint64(cmd.item.Expiration))
		_ = buf.WriteByte(' ')
		writeUint(buf, uint64(len(cmd.item.Value)))
		if cmd.cmdType == CmdCas {
			_ = buf.WriteByte(' ')
			writeUint(buf, cmd.item.DataVersionId)
		}
		writeNoReply(buf, cmd.noReply)
		_, _ = buf.Write(cmd.item.Value)
		_, _ = buf.WriteString(crlf)

	case CmdDelete:
		_, _ = buf.WriteString("delete ")
		_, _ = buf.WriteString(cmd.key)
		writeNoReply(buf, cmd.noReply)

	case CmdIncr, CmdDecr:
		_, _ = buf.WriteString(cmd.cmdType.String())
		_ = buf.WriteByte(' ')
		_, _ = buf.WriteString(cmd.key)
		_ = buf.WriteByte(' ')
		writeUint(buf, cmd.delta)
		writeNoReply(buf, cmd.noReply)

	case CmdTouch:
		_, _ = buf.WriteString("touch ")
		_, _ = buf.WriteString(cmd.key)
		_ = buf.WriteByte(' ')
		writeUint(buf, uint64(cmd.item.Expiration))
		writeNoReply(buf, cmd.noReply)

	case CmdFlushAll:
		_, _ = buf.WriteString("flush_all")
		if cmd.item.Expiration > 0 {
			_ = buf.WriteByte(' ')
			writeUint(buf, uint64(cmd.item.Expiration))
		}
		writeNoReply(buf, cmd.noReply)

	case CmdStats:
		_, _ = buf.WriteString("stats")
		if cmd.statsKey != "" {
			_ = buf.WriteByte(' ')
			_, _ = buf.WriteString(cmd.statsKey)
		}
		_, _ = buf.WriteString(crlf)

	case CmdVersion:
		_, _ = buf.WriteString("version" + crlf)

	case CmdVerbosity:
		_, _ = buf.WriteString("verbosity ")
		writeUint(buf, uint64(cmd.verbosity))
		writeNoReply(buf, cmd.noReply)

	case CmdQuit:
		_, _ = buf.WriteString("quit" + crlf)

	default:
		return errors.Newf(
			"Command %s is not supported by the text protocol", cmd.cmdType)
	}
	return nil
}

// textErrorLine recognizes the generic error responses.  The stream stays in
// sync after them.
func textErrorLine(line string) *ProtocolError {
	switch {
	case line == textError:
		return newProtocolError(true, "server does not recognize the command")
	case strings.HasPrefix(line, textClientError):
		return newProtocolError(true, "%s", line)
	case strings.HasPrefix(line, textServerError):
		return newProtocolError(true, "%s", line)
	}
	return nil
}

func unexpectedLine(cmd *Command, line string) *ProtocolError {
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	return newProtocolError(false, "unexpected %s response line %q", cmd.cmdType, line)
}

func (t *textCodec) decode(cmd *Command, buf []byte) (int, bool, error) {
	switch cmd.cmdType {
	case CmdGet, CmdGets, CmdGetAndTouch:
		return t.decodeValues(cmd, buf)
	case CmdStats:
		return t.decodeStats(cmd, buf)
	}

	line, n, ok := readLine(buf)
	if !ok {
		if len(buf) > maxTextLineLength {
			return len(buf), true, newProtocolError(false, "response line too long")
		}
		return 0, false, nil
	}

	if err := textErrorLine(line); err != nil {
		return n, true, err
	}

	status, ok := t.parseStatusLine(cmd, line)
	if !ok {
		return n, true, unexpectedLine(cmd, line)
	}
	resp := &genericResponse{status: status}
	resp.item.Key = cmd.key

	switch cmd.cmdType {
	case CmdIncr, CmdDecr:
		if status == StatusNoError {
			count, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
			if err != nil {
				return n, true, unexpectedLine(cmd, line)
			}
			resp.count = count
		}
	case CmdVersion:
		resp.versions = map[string]string{
			"": strings.TrimPrefix(line, textVersion+" "),
		}
	}

	cmd.setResult(resp)
	return n, true, nil
}

func (t *textCodec) parseStatusLine(cmd *Command, line string) (ResponseStatus, bool) {
	switch cmd.cmdType {
	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCas:
		switch line {
		case textStored:
			return StatusNoError, true
		case textNotStored:
			return StatusItemNotStored, true
		case textExists:
			return StatusKeyExists, true
		case textNotFound:
			return StatusKeyNotFound, true
		}
	case CmdDelete:
		switch line {
		case textDeleted:
			return StatusNoError, true
		case textNotFound:
			return StatusKeyNotFound, true
		}
	case CmdTouch:
		switch line {
		case textTouched:
			return StatusNoError, true
		case textNotFound:
			return StatusKeyNotFound, true
		}
	case CmdIncr, CmdDecr:
		if line == textNotFound {
			return StatusKeyNotFound, true
		}
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
			return StatusNoError, true
		}
	case CmdFlushAll, CmdVerbosity:
		if line == textOK {
			return StatusNoError, true
		}
	case CmdVersion:
		if strings.HasPrefix(line, textVersion+" ") {
			return StatusNoError, true
		}
	}
	return 0, false
}

// decodeValues consumes VALUE records until END.  A record is consumed only
// once its data block and trailing CRLF are buffered.
func (t *textCodec) decodeValues(cmd *Command, buf []byte) (int, bool, error) {
	off := 0
	for {
		line, n, ok := readLine(buf[off:])
		if !ok {
			if len(buf)-off > maxTextLineLength {
				return len(buf), true, newProtocolError(false, "response line too long")
			}
			return off, false, nil
		}

		if line == textEnd {
			return off + n, true, nil
		}

		if !strings.HasPrefix(line, textValue+" ") {
			if err := textErrorLine(line); err != nil {
				return off + n, true, err
			}
			return off + n, true, unexpectedLine(cmd, line)
		}

		// VALUE <key> <flags> <bytes> [<cas unique>]
		fields := strings.Split(line, " ")
		if len(fields) != 4 && len(fields) != 5 {
			return off + n, true, unexpectedLine(cmd, line)
		}
		flags, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return off + n, true, unexpectedLine(cmd, line)
		}
		size, err := strconv.Atoi(fields[3])
		if err != nil || size < 0 || size > maxValueLength {
			return off + n, true, unexpectedLine(cmd, line)
		}
		var version uint64
		if len(fields) == 5 {
			version, err = strconv.ParseUint(fields[4], 10, 64)
			if err != nil {
				return off + n, true, unexpectedLine(cmd, line)
			}
		}

		recordLen := n + size + len(crlf)
		if len(buf)-off < recordLen {
			return off, false, nil
		}
		data := buf[off+n : off+n+size]
		if string(buf[off+n+size:off+recordLen]) != crlf {
			return off + recordLen, true, newProtocolError(
				false, "data block for %s is not CRLF terminated", fields[1])
		}

		key := fields[1]
		cmd.recordHit(
			key,
			newGetResponse(key, StatusNoError, uint32(flags), copyBytes(data), version))
		off += recordLen
	}
}

func (t *textCodec) decodeStats(cmd *Command, buf []byte) (int, bool, error) {
	if cmd.result == nil {
		cmd.setResult(&genericResponse{
			statEntries: map[string](map[string]string){"": {}},
		})
	}
	entries := cmd.result.statEntries[""]

	off := 0
	for {
		line, n, ok := readLine(buf[off:])
		if !ok {
			if len(buf)-off > maxTextLineLength {
				return len(buf), true, newProtocolError(false, "response line too long")
			}
			return off, false, nil
		}
		off += n

		if line == textEnd {
			return off, true, nil
		}
		if !strings.HasPrefix(line, textStat+" ") {
			if err := textErrorLine(line); err != nil {
				return off, true, err
			}
			return off, true, unexpectedLine(cmd, line)
		}

		// STAT <name> <value>, where value may contain spaces.
		parts := strings.SplitN(line, " ", 3)
		if len(parts) == 3 {
			entries[parts[1]] = parts[2]
		} else {
			entries[parts[1]] = ""
		}
	}
}

func (t *textCodec) unsolicited(buf []byte) (int, error) {
	line, n, ok := readLine(buf)
	if !ok {
		if len(buf) > maxTextLineLength {
			return len(buf), newProtocolError(false, "response line too long")
		}
		return 0, nil
	}
	if err := textErrorLine(line); err != nil {
		// The server may answer a malformed noreply command.
		return n, nil
	}
	return n, newProtocolError(false, "unsolicited response line %q", line)
}
