package memcache

import (
	"encoding/binary"

	"github.com/rglonek/logger"
	"github.com/valyala/bytebufferpool"

	"github.com/dropbox/gomc/errors"
)

type header struct {
	Magic             uint8
	OpCode            uint8
	KeyLength         uint16
	ExtrasLength      uint8
	DataType          uint8
	VBucketIdOrStatus uint16 // vbucket id for request, status for response
	TotalBodyLength   uint32
	Opaque            uint32
	DataVersionId     uint64 // aka CAS
}

func (h *header) marshal(b []byte) {
	b[0] = h.Magic
	b[1] = h.OpCode
	binary.BigEndian.PutUint16(b[2:4], h.KeyLength)
	b[4] = h.ExtrasLength
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], h.VBucketIdOrStatus)
	binary.BigEndian.PutUint32(b[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.DataVersionId)
}

func (h *header) unmarshal(b []byte) {
	h.Magic = b[0]
	h.OpCode = b[1]
	h.KeyLength = binary.BigEndian.Uint16(b[2:4])
	h.ExtrasLength = b[4]
	h.DataType = b[5]
	h.VBucketIdOrStatus = binary.BigEndian.Uint16(b[6:8])
	h.TotalBodyLength = binary.BigEndian.Uint32(b[8:12])
	h.Opaque = binary.BigEndian.Uint32(b[12:16])
	h.DataVersionId = binary.BigEndian.Uint64(b[16:24])
}

// binaryCodec speaks the memcached binary protocol.  Responses are matched
// to commands by opaque; responses to quiet commands which were never queued
// are logged and dropped.
type binaryCodec struct {
	log *logger.Logger
}

func (b *binaryCodec) protocol() Protocol {
	return ProtocolBinary
}

// writeRequest appends one request packet.  NOTE: extras must be fix-sized
// values.
func writeRequest(
	buf *bytebufferpool.ByteBuffer,
	code opCode,
	opaque uint32,
	dataVersionId uint64,
	key string,
	value []byte,
	extras ...interface{}) error {

	extrasLen := 0
	for _, extra := range extras {
		extrasLen += binary.Size(extra)
	}

	// NOTE:
	// - memcache only supports a single dataType (0x0)
	// - vbucket id is not used by the library since vbucket related op
	//   codes are unsupported
	hdr := header{
		Magic:           reqMagicByte,
		OpCode:          byte(code),
		KeyLength:       uint16(len(key)),
		ExtrasLength:    uint8(extrasLen),
		TotalBodyLength: uint32(extrasLen + len(key) + len(value)),
		Opaque:          opaque,
		DataVersionId:   dataVersionId,
	}

	var hdrBytes [headerLength]byte
	hdr.marshal(hdrBytes[:])
	_, _ = buf.Write(hdrBytes[:])

	for _, extra := range extras {
		if err := binary.Write(buf, binary.BigEndian, extra); err != nil {
			return errors.Wrap(err, "Failed to write extra")
		}
	}
	_, _ = buf.WriteString(key)
	_, _ = buf.Write(value)
	return nil
}

func maybeQuiet(code opCode, noReply bool) opCode {
	if !noReply {
		return code
	}
	if quiet, ok := quietOpCodes[code]; ok {
		return quiet
	}
	return code
}

var storeOpCodes = map[CommandType]opCode{
	CmdSet:     opSet,
	CmdCas:     opSet,
	CmdAdd:     opAdd,
	CmdReplace: opReplace,
	CmdAppend:  opAppend,
	CmdPrepend: opPrepend,
}

func (b *binaryCodec) encode(cmd *Command, buf *bytebufferpool.ByteBuffer) error {
	switch cmd.cmdType {
	case CmdGet, CmdGets:
		// GETKQ for all but the last key: the server only answers those
		// on a hit, and the final GETK terminates the batch.
		keys := cmd.keys()
		for i, key := range keys {
			code := opGetK
			if i < len(keys)-1 {
				code = opGetKQ
			}
			if err := writeRequest(buf, code, cmd.opaque, 0, key, nil); err != nil {
				return err
			}
		}
		return nil

	case CmdGetAndTouch:
		return writeRequest(
			buf, opGAT, cmd.opaque, 0, cmd.key, nil, cmd.item.Expiration)

	case CmdSet, CmdCas, CmdAdd, CmdReplace:
		code := maybeQuiet(storeOpCodes[cmd.cmdType], cmd.noReply)
		return writeRequest(
			buf,
			code,
			cmd.opaque,
			cmd.item.DataVersionId,
			cmd.key,
			cmd.item.Value,
			cmd.item.Flags,
			cmd.item.Expiration)

	case CmdAppend, CmdPrepend:
		code := maybeQuiet(storeOpCodes[cmd.cmdType], cmd.noReply)
		return writeRequest(
			buf, code, cmd.opaque, cmd.item.DataVersionId, cmd.key, cmd.item.Value)

	case CmdDelete:
		return writeRequest(
			buf, maybeQuiet(opDelete, cmd.noReply), cmd.opaque, 0, cmd.key, nil)

	case CmdIncr, CmdDecr:
		code := opIncrement
		if cmd.cmdType == CmdDecr {
			code = opDecrement
		}
		return writeRequest(
			buf,
			maybeQuiet(code, cmd.noReply),
			cmd.opaque,
			0,
			cmd.key,
			nil,
			cmd.delta,
			cmd.initial,
			cmd.item.Expiration)

	case CmdTouch:
		// There is no quiet touch; the reply is read and dropped.
		return writeRequest(
			buf, opTouch, cmd.opaque, 0, cmd.key, nil, cmd.item.Expiration)

	case CmdFlushAll:
		return writeRequest(
			buf,
			maybeQuiet(opFlush, cmd.noReply),
			cmd.opaque,
			0,
			"",
			nil,
			cmd.item.Expiration)

	case CmdStats:
		return writeRequest(buf, opStat, cmd.opaque, 0, cmd.statsKey, nil)

	case CmdVersion:
		return writeRequest(buf, opVersion, cmd.opaque, 0, "", nil)

	case CmdVerbosity:
		return writeRequest(buf, opVerbosity, cmd.opaque, 0, "", nil, cmd.verbosity)

	case CmdNoOp:
		return writeRequest(buf, opNoOp, cmd.opaque, 0, "", nil)

	case CmdQuit:
		return writeRequest(buf, opQuitQ, cmd.opaque, 0, "", nil)

	case CmdSASLList:
		return writeRequest(buf, opSASLListMechs, cmd.opaque, 0, "", nil)

	case CmdSASLAuth:
		return writeRequest(
			buf, opSASLAuth, cmd.opaque, 0, cmd.mechanism, cmd.authData)

	case CmdSASLStep:
		return writeRequest(
			buf, opSASLStep, cmd.opaque, 0, cmd.mechanism, cmd.authData)
	}
	return errors.Newf("Command %s is not supported by the binary protocol", cmd.cmdType)
}

type packet struct {
	hdr    header
	extras []byte
	key    []byte
	value  []byte
}

// nextPacket splits the first complete packet off buf.  n is zero when the
// packet is not fully buffered yet.
func nextPacket(buf []byte) (pkt packet, n int, err error) {
	if len(buf) < headerLength {
		return pkt, 0, nil
	}
	pkt.hdr.unmarshal(buf)
	if pkt.hdr.Magic != respMagicByte {
		return pkt, 0, newProtocolError(
			false, "invalid response magic byte 0x%x", pkt.hdr.Magic)
	}

	bodyLen := int(pkt.hdr.TotalBodyLength)
	keyEnd := int(pkt.hdr.ExtrasLength) + int(pkt.hdr.KeyLength)
	if keyEnd > bodyLen {
		return pkt, 0, newProtocolError(
			false, "extras and key length %d exceed body length %d", keyEnd, bodyLen)
	}
	if bodyLen > maxValueLength+headerLength+maxKeyLength {
		return pkt, 0, newProtocolError(false, "body length %d too large", bodyLen)
	}

	total := headerLength + bodyLen
	if len(buf) < total {
		return pkt, 0, nil
	}

	body := buf[headerLength:total]
	pkt.extras = body[:pkt.hdr.ExtrasLength]
	pkt.key = body[pkt.hdr.ExtrasLength:keyEnd]
	pkt.value = body[keyEnd:]
	return pkt, total, nil
}

func (b *binaryCodec) decode(cmd *Command, buf []byte) (int, bool, error) {
	off := 0
	for {
		pkt, n, err := nextPacket(buf[off:])
		if err != nil {
			return len(buf), true, err
		}
		if n == 0 {
			return off, false, nil
		}
		off += n

		if pkt.hdr.Opaque != cmd.opaque {
			b.logStray(&pkt)
			continue
		}

		done, err := b.handlePacket(cmd, &pkt)
		if err != nil || done {
			return off, true, err
		}
	}
}

func (b *binaryCodec) handlePacket(cmd *Command, pkt *packet) (bool, error) {
	status := ResponseStatus(pkt.hdr.VBucketIdOrStatus)
	code := opCode(pkt.hdr.OpCode)

	switch cmd.cmdType {
	case CmdGet, CmdGets, CmdGetAndTouch:
		key := string(pkt.key)
		if key == "" {
			key = cmd.key
		}
		if status != StatusKeyNotFound {
			var flags uint32
			if status == StatusNoError {
				if len(pkt.extras) < 4 {
					return true, newProtocolError(
						false, "get response extras too short: %d", len(pkt.extras))
				}
				flags = binary.BigEndian.Uint32(pkt.extras)
			}
			cmd.recordHit(
				key,
				newGetResponse(
					key, status, flags, copyBytes(pkt.value), pkt.hdr.DataVersionId))
		}
		return !isQuietOpCode(code), nil

	case CmdStats:
		if cmd.result == nil {
			cmd.setResult(&genericResponse{
				statEntries: map[string](map[string]string){"": {}},
			})
		}
		if status != StatusNoError {
			cmd.result.status = status
			return true, nil
		}
		if len(pkt.key) == 0 {
			return true, nil
		}
		cmd.result.statEntries[""][string(pkt.key)] = string(pkt.value)
		return false, nil
	}

	resp := &genericResponse{status: status}
	resp.item.Key = cmd.key

	switch cmd.cmdType {
	case CmdSet, CmdCas, CmdAdd, CmdReplace, CmdAppend, CmdPrepend:
		if status == StatusNoError {
			resp.item.DataVersionId = pkt.hdr.DataVersionId
		}
	case CmdIncr, CmdDecr:
		if status == StatusNoError {
			if len(pkt.value) != 8 {
				return true, newProtocolError(
					false, "counter response value has %d bytes", len(pkt.value))
			}
			resp.count = binary.BigEndian.Uint64(pkt.value)
		}
	case CmdVersion:
		resp.versions = map[string]string{"": string(pkt.value)}
	case CmdSASLList, CmdSASLAuth, CmdSASLStep:
		resp.item.Value = copyBytes(pkt.value)
	}

	cmd.setResult(resp)
	return true, nil
}

func (b *binaryCodec) logStray(pkt *packet) {
	if b.log == nil {
		return
	}
	if ResponseStatus(pkt.hdr.VBucketIdOrStatus) == StatusNoError {
		// Replies to noreply commands which have no quiet opcode (touch).
		b.log.Detail(
			"Dropping binary response opcode=0x%x opaque=%d",
			pkt.hdr.OpCode,
			pkt.hdr.Opaque)
		return
	}
	b.log.Warn(
		"Dropping unsolicited binary response opcode=0x%x status=0x%x opaque=%d",
		pkt.hdr.OpCode,
		pkt.hdr.VBucketIdOrStatus,
		pkt.hdr.Opaque)
}

func (b *binaryCodec) unsolicited(buf []byte) (int, error) {
	pkt, n, err := nextPacket(buf)
	if err != nil {
		return len(buf), err
	}
	if n > 0 {
		b.logStray(&pkt)
	}
	return n, nil
}
