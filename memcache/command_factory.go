package memcache

import (
	"github.com/dropbox/gomc/errors"
)

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

func isValidKeyString(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}

	for _, char := range []byte(key) {
		if !isValidKeyChar(char) {
			return false
		}
	}

	return true
}

func validateKey(key string) error {
	if !isValidKeyString(key) {
		return errors.Newf("Invalid key: %q", key)
	}
	return nil
}

func validateValue(value []byte) error {
	if value == nil {
		return errors.New("Invalid value: cannot be nil")
	}

	if len(value) > maxValueLength {
		return errors.Newf(
			"Invalid value: length %d longer than max length %d",
			len(value),
			maxValueLength)
	}

	return nil
}

func newGetCommand(cmdType CommandType, key string) *Command {
	return newCommand(cmdType, key)
}

func newGetAndTouchCommand(key string, expiration uint32) *Command {
	cmd := newCommand(CmdGetAndTouch, key)
	cmd.item.Expiration = expiration
	return cmd
}

// newStoreCommand turns a set with a data version id into a cas.
func newStoreCommand(cmdType CommandType, item *Item, noReply bool) *Command {
	if cmdType == CmdSet && item.DataVersionId != 0 {
		cmdType = CmdCas
	}
	cmd := newCommand(cmdType, item.Key)
	cmd.item = *item
	cmd.noReply = noReply
	return cmd
}

func newDeleteCommand(key string, noReply bool) *Command {
	cmd := newCommand(CmdDelete, key)
	cmd.noReply = noReply
	return cmd
}

func newCounterCommand(
	cmdType CommandType,
	key string,
	delta uint64,
	initial uint64,
	expiration uint32,
	noReply bool) *Command {

	cmd := newCommand(cmdType, key)
	cmd.delta = delta
	cmd.initial = initial
	cmd.item.Expiration = expiration
	cmd.noReply = noReply
	return cmd
}

func newTouchCommand(key string, expiration uint32, noReply bool) *Command {
	cmd := newCommand(CmdTouch, key)
	cmd.item.Expiration = expiration
	cmd.noReply = noReply
	return cmd
}

func newFlushAllCommand(expiration uint32, noReply bool) *Command {
	cmd := newCommand(CmdFlushAll, "")
	cmd.item.Expiration = expiration
	cmd.noReply = noReply
	return cmd
}

func newStatsCommand(statsKey string) *Command {
	cmd := newCommand(CmdStats, "")
	cmd.statsKey = statsKey
	return cmd
}

func newVersionCommand() *Command {
	return newCommand(CmdVersion, "")
}

func newVerbosityCommand(verbosity uint32, noReply bool) *Command {
	cmd := newCommand(CmdVerbosity, "")
	cmd.verbosity = verbosity
	cmd.noReply = noReply
	return cmd
}

func newNoOpCommand() *Command {
	return newCommand(CmdNoOp, "")
}

func newQuitCommand() *Command {
	return newCommand(CmdQuit, "")
}

func newSASLListCommand() *Command {
	return newCommand(CmdSASLList, "")
}

func newSASLAuthCommand(mechanism string, data []byte) *Command {
	cmd := newCommand(CmdSASLAuth, "")
	cmd.mechanism = mechanism
	cmd.authData = data
	return cmd
}

func newSASLStepCommand(mechanism string, data []byte) *Command {
	cmd := newCommand(CmdSASLStep, "")
	cmd.mechanism = mechanism
	cmd.authData = data
	return cmd
}
