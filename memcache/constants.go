package memcache

import (
	"fmt"
)

//
// Magic Byte
//

const (
	reqMagicByte  uint8 = 0x80
	respMagicByte uint8 = 0x81
)

const (
	headerLength = 24
	maxKeyLength = 250
	// NOTE: Storing values larger than 1MB requires recompiling memcached.
	maxValueLength = 1024 * 1024

	// Expiration passed to incr/decr meaning "do not create the counter".
	noSeedExpiration uint32 = 0xffffffff
)

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
	StatusVbucketBelongsToAnotherServer // Not used
)

const (
	StatusAuthenticationError ResponseStatus = 0x20 + iota
	StatusAuthenticationContinue
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

var statusNames = map[ResponseStatus]string{
	StatusNoError:                   "NO_ERROR",
	StatusKeyNotFound:               "KEY_NOT_FOUND",
	StatusKeyExists:                 "KEY_EXISTS",
	StatusValueTooLarge:             "VALUE_TOO_LARGE",
	StatusInvalidArguments:          "INVALID_ARGUMENTS",
	StatusItemNotStored:             "ITEM_NOT_STORED",
	StatusIncrDecrOnNonNumericValue: "NON_NUMERIC_VALUE",
	StatusAuthenticationError:       "AUTH_ERROR",
	StatusAuthenticationContinue:    "AUTH_CONTINUE",
	StatusUnknownCommand:            "UNKNOWN_COMMAND",
	StatusOutOfMemory:               "OUT_OF_MEMORY",
	StatusNotSupported:              "NOT_SUPPORTED",
	StatusInternalError:             "INTERNAL_ERROR",
	StatusBusy:                      "BUSY",
	StatusTempFailure:               "TEMP_FAILURE",
}

func (s ResponseStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%02x", uint16(s))
}

//
// Command Opcodes
//

type opCode uint8

const (
	opGet opCode = iota
	opSet
	opAdd
	opReplace
	opDelete
	opIncrement
	opDecrement
	opQuit
	opFlush
	opGetQ
	opNoOp
	opVersion
	opGetK
	opGetKQ
	opAppend
	opPrepend
	opStat
	opSetQ
	opAddQ
	opReplaceQ
	opDeleteQ
	opIncrementQ
	opDecrementQ
	opQuitQ
	opFlushQ
	opAppendQ
	opPrependQ
	opVerbosity
	opTouch
	opGAT
	opGATQ
)

const (
	opSASLListMechs opCode = 0x20 + iota
	opSASLAuth
	opSASLStep
)

// Quiet variants of the opcodes which support noreply.
var quietOpCodes = map[opCode]opCode{
	opGet:       opGetQ,
	opGetK:      opGetKQ,
	opSet:       opSetQ,
	opAdd:       opAddQ,
	opReplace:   opReplaceQ,
	opDelete:    opDeleteQ,
	opIncrement: opIncrementQ,
	opDecrement: opDecrementQ,
	opQuit:      opQuitQ,
	opFlush:     opFlushQ,
	opAppend:    opAppendQ,
	opPrepend:   opPrependQ,
	opGAT:       opGATQ,
}

func isQuietOpCode(code opCode) bool {
	for _, quiet := range quietOpCodes {
		if quiet == code {
			return true
		}
	}
	return false
}

//
// Text protocol
//

const (
	crlf = "\r\n"

	textEnd         = "END"
	textStored      = "STORED"
	textNotStored   = "NOT_STORED"
	textExists      = "EXISTS"
	textNotFound    = "NOT_FOUND"
	textDeleted     = "DELETED"
	textTouched     = "TOUCHED"
	textOK          = "OK"
	textValue       = "VALUE"
	textStat        = "STAT"
	textVersion     = "VERSION"
	textError       = "ERROR"
	textClientError = "CLIENT_ERROR"
	textServerError = "SERVER_ERROR"
)
