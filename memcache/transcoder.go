package memcache

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"io"
	"strconv"

	"github.com/gogo/protobuf/proto"

	"github.com/dropbox/gomc/errors"
)

// Transcoder converts between Go values and stored bytes plus flags.
type Transcoder interface {
	Encode(value interface{}) (data []byte, flags uint32, err error)

	// Decode fills target, which must be a pointer.
	Decode(data []byte, flags uint32, target interface{}) error
}

// Low byte of the flags: the encoded type.
const (
	typeBytes  uint32 = 0
	typeString uint32 = 1
	typeInt    uint32 = 2
	typeUint   uint32 = 3
	typeBool   uint32 = 4
	typeProto  uint32 = 5
	typeJSON   uint32 = 6

	typeMask uint32 = 0xff

	flagGzip uint32 = 1 << 8
	flagZlib uint32 = 1 << 9
)

// StringTranscoder stores strings and byte slices verbatim with zero flags.
type StringTranscoder struct{}

func (StringTranscoder) Encode(value interface{}) ([]byte, uint32, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), 0, nil
	case []byte:
		return v, 0, nil
	}
	return nil, 0, errors.Newf("StringTranscoder can not encode %T", value)
}

func (StringTranscoder) Decode(data []byte, flags uint32, target interface{}) error {
	switch t := target.(type) {
	case *string:
		*t = string(data)
		return nil
	case *[]byte:
		*t = data
		return nil
	}
	return errors.Newf("StringTranscoder can not decode into %T", target)
}

type CompressionMode int

const (
	CompressionGzip CompressionMode = iota
	CompressionZlib
)

// SerializingTranscoder encodes scalars as text, protobuf messages with
// gogo/protobuf and anything else as JSON.  Payloads of at least
// CompressionThreshold bytes are compressed when that makes them smaller.
type SerializingTranscoder struct {
	// Zero disables compression.
	CompressionThreshold int
	CompressionMode      CompressionMode
}

// NewSerializingTranscoder compresses values of 16KB and up with gzip.
func NewSerializingTranscoder() *SerializingTranscoder {
	return &SerializingTranscoder{CompressionThreshold: 16 * 1024}
}

func (t *SerializingTranscoder) Encode(value interface{}) ([]byte, uint32, error) {
	data, flags, err := t.serialize(value)
	if err != nil {
		return nil, 0, err
	}
	if t.CompressionThreshold <= 0 || len(data) < t.CompressionThreshold {
		return data, flags, nil
	}

	compressed, flag, err := t.compress(data)
	if err != nil {
		return nil, 0, err
	}
	if len(compressed) >= len(data) {
		return data, flags, nil
	}
	return compressed, flags | flag, nil
}

func (t *SerializingTranscoder) serialize(value interface{}) ([]byte, uint32, error) {
	switch v := value.(type) {
	case []byte:
		return v, typeBytes, nil
	case string:
		return []byte(v), typeString, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), typeInt, nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), typeInt, nil
	case int64:
		return strconv.AppendInt(nil, v, 10), typeInt, nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), typeUint, nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), typeUint, nil
	case bool:
		return strconv.AppendBool(nil, v), typeBool, nil
	case proto.Message:
		data, err := proto.Marshal(v)
		if err != nil {
			return nil, 0, errors.Wrap(err, "Failed to marshal protobuf value")
		}
		return data, typeProto, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "Failed to marshal %T", value)
	}
	return data, typeJSON, nil
}

func (t *SerializingTranscoder) compress(data []byte) ([]byte, uint32, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	flag := flagGzip
	if t.CompressionMode == CompressionZlib {
		w = zlib.NewWriter(&buf)
		flag = flagZlib
	} else {
		w = gzip.NewWriter(&buf)
	}
	if _, err := w.Write(data); err != nil {
		return nil, 0, errors.Wrap(err, "Failed to compress value")
	}
	if err := w.Close(); err != nil {
		return nil, 0, errors.Wrap(err, "Failed to compress value")
	}
	return buf.Bytes(), flag, nil
}

func decompress(data []byte, flags uint32) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch {
	case flags&flagGzip != 0:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case flags&flagZlib != 0:
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to decompress value")
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to decompress value")
	}
	return out, nil
}

// parseInt rejects values that do not fit in bitSize bits rather than
// truncating them.
func parseInt(data []byte, bitSize int) (int64, error) {
	n, err := strconv.ParseInt(string(data), 10, bitSize)
	if err != nil {
		return 0, errors.Wrapf(err, "Corrupt %d bit integer value", bitSize)
	}
	return n, nil
}

func parseUint(data []byte, bitSize int) (uint64, error) {
	n, err := strconv.ParseUint(string(data), 10, bitSize)
	if err != nil {
		return 0, errors.Wrapf(err, "Corrupt %d bit unsigned integer value", bitSize)
	}
	return n, nil
}

func (t *SerializingTranscoder) Decode(data []byte, flags uint32, target interface{}) error {
	data, err := decompress(data, flags)
	if err != nil {
		return err
	}

	switch flags & typeMask {
	case typeBytes, typeString:
		switch v := target.(type) {
		case *[]byte:
			*v = data
			return nil
		case *string:
			*v = string(data)
			return nil
		}
	case typeInt:
		switch v := target.(type) {
		case *int:
			n, err := parseInt(data, strconv.IntSize)
			if err != nil {
				return err
			}
			*v = int(n)
			return nil
		case *int32:
			n, err := parseInt(data, 32)
			if err != nil {
				return err
			}
			*v = int32(n)
			return nil
		case *int64:
			n, err := parseInt(data, 64)
			if err != nil {
				return err
			}
			*v = n
			return nil
		}
	case typeUint:
		switch v := target.(type) {
		case *uint32:
			n, err := parseUint(data, 32)
			if err != nil {
				return err
			}
			*v = uint32(n)
			return nil
		case *uint64:
			n, err := parseUint(data, 64)
			if err != nil {
				return err
			}
			*v = n
			return nil
		}
	case typeBool:
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return errors.Wrap(err, "Corrupt boolean value")
		}
		if v, ok := target.(*bool); ok {
			*v = b
			return nil
		}
	case typeProto:
		if msg, ok := target.(proto.Message); ok {
			if err := proto.Unmarshal(data, msg); err != nil {
				return errors.Wrap(err, "Failed to unmarshal protobuf value")
			}
			return nil
		}
	case typeJSON:
		if err := json.Unmarshal(data, target); err != nil {
			return errors.Wrapf(err, "Failed to unmarshal into %T", target)
		}
		return nil
	}
	return errors.Newf(
		"Can not decode value with flags 0x%x into %T",
		flags,
		target)
}
