package memcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

type CommandType uint8

const (
	CmdGet CommandType = iota
	CmdGets
	CmdGetAndTouch
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCas
	CmdDelete
	CmdIncr
	CmdDecr
	CmdTouch
	CmdFlushAll
	CmdStats
	CmdVersion
	CmdVerbosity
	CmdNoOp
	CmdQuit
	CmdSASLList
	CmdSASLAuth
	CmdSASLStep
)

var commandNames = [...]string{
	CmdGet:         "get",
	CmdGets:        "gets",
	CmdGetAndTouch: "gat",
	CmdSet:         "set",
	CmdAdd:         "add",
	CmdReplace:     "replace",
	CmdAppend:      "append",
	CmdPrepend:     "prepend",
	CmdCas:         "cas",
	CmdDelete:      "delete",
	CmdIncr:        "incr",
	CmdDecr:        "decr",
	CmdTouch:       "touch",
	CmdFlushAll:    "flush_all",
	CmdStats:       "stats",
	CmdVersion:     "version",
	CmdVerbosity:   "verbosity",
	CmdNoOp:        "noop",
	CmdQuit:        "quit",
	CmdSASLList:    "sasl_list_mechs",
	CmdSASLAuth:    "sasl_auth",
	CmdSASLStep:    "sasl_step",
}

func (t CommandType) String() string {
	if int(t) < len(commandNames) {
		return commandNames[t]
	}
	return "unknown"
}

func (t CommandType) isGet() bool {
	return t == CmdGet || t == CmdGets || t == CmdGetAndTouch
}

func (t CommandType) isStore() bool {
	switch t {
	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCas:
		return true
	}
	return false
}

// OperationStatus is the lifecycle position of a command.  It only moves
// forward; OpCancel is terminal and reachable only from OpSending.
type OperationStatus int32

const (
	OpSending OperationStatus = iota
	OpWriting
	OpSent
	OpProcessing
	OpDone
	OpCancel
)

func (s OperationStatus) String() string {
	switch s {
	case OpSending:
		return "SENDING"
	case OpWriting:
		return "WRITING"
	case OpSent:
		return "SENT"
	case OpProcessing:
		return "PROCESSING"
	case OpDone:
		return "DONE"
	case OpCancel:
		return "CANCEL"
	}
	return "UNKNOWN"
}

// Command is one protocol operation in flight.  The issuing caller keeps the
// command only to wait on it; everything else belongs to the session it was
// written to.
type Command struct {
	cmdType CommandType
	key     string
	noReply bool
	opaque  uint32

	// Noreply commands were written between the previous reply expecting
	// command and this one.
	followsNoReply bool

	// Payload.  Which fields matter depends on cmdType.
	item      Item
	delta     uint64
	initial   uint64
	statsKey  string
	verbosity uint32
	mechanism string
	authData  []byte

	// Lazily encoded request, released once written.
	encoded *bytebufferpool.ByteBuffer

	status atomic.Int32

	// A merged get owns the commands it was built from, grouped by key.
	// Duplicate keys are sent once.
	merged     map[string][]*Command
	mergedKeys []string

	// Decode state, only touched by the reader of the owning session.
	hits   map[string]*genericResponse
	result *genericResponse

	permit atomic.Pointer[flowControl]

	// The session the command was queued on.  Set by the caller's goroutine
	// in write, before it waits.
	session *tcpSession

	once sync.Once
	done chan struct{}
	resp *genericResponse
	err  error
}

func newCommand(cmdType CommandType, key string) *Command {
	return &Command{
		cmdType: cmdType,
		key:     key,
		done:    make(chan struct{}),
	}
}

func (c *Command) Type() CommandType {
	return c.cmdType
}

func (c *Command) Key() string {
	return c.key
}

func (c *Command) NoReply() bool {
	return c.noReply
}

func (c *Command) Status() OperationStatus {
	return OperationStatus(c.status.Load())
}

// Done is closed once the command completes, successfully or not.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command completes or ctx is done, in which case
// ctx.Err() is returned.  The command's own outcome is read with Err.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the command's failure.  Only valid after Done is closed.
func (c *Command) Err() error {
	return c.err
}

func (c *Command) response() *genericResponse {
	return c.resp
}

func (c *Command) expectsReply() bool {
	return !c.noReply && c.cmdType != CmdQuit
}

func (c *Command) isMerged() bool {
	return c.merged != nil
}

// advance moves the status forward to "to".  It never moves backwards and
// never leaves OpCancel.
func (c *Command) advance(to OperationStatus) bool {
	for {
		current := OperationStatus(c.status.Load())
		if current >= to {
			return false
		}
		if c.status.CompareAndSwap(int32(current), int32(to)) {
			for _, waiters := range c.merged {
				for _, sub := range waiters {
					sub.advance(to)
				}
			}
			return true
		}
	}
}

// claim marks a pending command as being written.  It fails for cancelled
// commands.
func (c *Command) claim() bool {
	return c.status.CompareAndSwap(int32(OpSending), int32(OpWriting))
}

// Cancel withdraws a command which has not been claimed for writing yet.
func (c *Command) Cancel() bool {
	if !c.status.CompareAndSwap(int32(OpSending), int32(OpCancel)) {
		return false
	}
	c.releasePermit()
	c.complete(nil, errCancelled)
	return true
}

func (c *Command) complete(resp *genericResponse, err error) bool {
	completed := false
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		c.advance(OpDone)
		close(c.done)
		completed = true
	})
	return completed
}

// fail completes the command, and every command merged into it, with err.
func (c *Command) fail(err error) {
	for _, waiters := range c.merged {
		for _, sub := range waiters {
			sub.releasePermit()
			sub.complete(nil, err)
		}
	}
	c.releasePermit()
	c.complete(nil, err)
}

// resolve completes a fully decoded command from its decode state.
func (c *Command) resolve() {
	if c.cmdType.isGet() {
		if c.isMerged() {
			for _, key := range c.mergedKeys {
				resp := c.getResult(key)
				for _, sub := range c.merged[key] {
					sub.complete(resp, nil)
				}
			}
			c.complete(nil, nil)
			return
		}
		c.complete(c.getResult(c.key), nil)
		return
	}

	resp := c.result
	if resp == nil {
		resp = &genericResponse{}
	}
	if resp.item.Key == "" {
		resp.item.Key = c.key
	}
	c.complete(resp, nil)
}

func (c *Command) getResult(key string) *genericResponse {
	if resp, ok := c.hits[key]; ok {
		return resp
	}
	return newGetResponse(key, StatusKeyNotFound, 0, nil, 0)
}

func (c *Command) recordHit(key string, resp *genericResponse) {
	if c.hits == nil {
		c.hits = make(map[string]*genericResponse)
	}
	c.hits[key] = resp
}

func (c *Command) setResult(resp *genericResponse) {
	c.result = resp
}

func (c *Command) encode(codec protocolCodec) ([]byte, error) {
	if c.encoded != nil {
		return c.encoded.B, nil
	}
	buf := bytebufferpool.Get()
	if err := codec.encode(c, buf); err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	c.encoded = buf
	return buf.B, nil
}

func (c *Command) releaseEncoding() {
	if c.encoded != nil {
		bytebufferpool.Put(c.encoded)
		c.encoded = nil
	}
}

func (c *Command) releasePermit() {
	if fc := c.permit.Swap(nil); fc != nil {
		fc.release()
	}
}

// newMergedGetCommand combines get commands of a single type into one wire
// request.  The merged command borrows the first command's opaque.
func newMergedGetCommand(cmds []*Command) *Command {
	merged := newCommand(cmds[0].cmdType, cmds[0].key)
	merged.opaque = cmds[0].opaque
	merged.merged = make(map[string][]*Command, len(cmds))
	for _, cmd := range cmds {
		if _, ok := merged.merged[cmd.key]; !ok {
			merged.mergedKeys = append(merged.mergedKeys, cmd.key)
		}
		merged.merged[cmd.key] = append(merged.merged[cmd.key], cmd)
	}
	merged.status.Store(int32(OpWriting))
	return merged
}

// keys returns the distinct keys the command asks for.
func (c *Command) keys() []string {
	if c.isMerged() {
		return c.mergedKeys
	}
	return []string{c.key}
}
