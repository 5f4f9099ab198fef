package memcache

import (
	"github.com/edwingeng/deque/v2"
)

// commandQueue is a FIFO of commands: pushed at the front, popped at the
// back.
type commandQueue struct {
	d *deque.Deque[*Command]
}

func newCommandQueue() *commandQueue {
	return &commandQueue{d: deque.NewDeque[*Command]()}
}

func (q *commandQueue) push(cmd *Command) {
	q.d.PushFront(cmd)
}

// pop returns the oldest command, or nil.
func (q *commandQueue) pop() *Command {
	if q.d.Len() == 0 {
		return nil
	}
	return q.d.PopBack()
}

// peek returns the oldest command without removing it, or nil.
func (q *commandQueue) peek() *Command {
	cmd, _ := q.d.Back()
	return cmd
}

func (q *commandQueue) len() int {
	return q.d.Len()
}

// drain empties the queue, oldest first.
func (q *commandQueue) drain() []*Command {
	cmds := make([]*Command, 0, q.d.Len())
	for q.d.Len() > 0 {
		cmds = append(cmds, q.d.PopBack())
	}
	return cmds
}

// optimizer turns the head of a session's pending queue into a write batch.
// Runs on the session's writer with the session lock held.
type optimizer struct {
	// Upper bound on gets merged into one request.
	mergeFactor int

	// Merge consecutive gets of the same type into one request.
	optimizeGet bool

	// Keep adding commands to the batch until the send buffer hint is
	// reached.
	optimizeMergeBuffer bool
}

// optimize claims head, and possibly more pending commands, for writing.
// Commands which fail to encode are failed in place.  The returned commands
// are in wire order; a batch may overshoot sendBufferSize by its last
// command, commands are never split.
func (o *optimizer) optimize(
	head *Command,
	pending *commandQueue,
	codec protocolCodec,
	sendBufferSize int) []*Command {

	var batch []*Command
	size := 0

	next := head
	for next != nil {
		if cmd := o.mergeGets(next, pending, codec, sendBufferSize); cmd != nil {
			if encoded, err := cmd.encode(codec); err != nil {
				cmd.fail(err)
			} else {
				batch = append(batch, cmd)
				size += len(encoded)
			}
		}

		if !o.optimizeMergeBuffer || size >= sendBufferSize {
			break
		}
		next = pending.pop()
	}
	return batch
}

// mergedKeySize estimates the bytes one key adds to a merged get request.
func mergedKeySize(protocol Protocol, key string) int {
	if protocol == ProtocolBinary {
		return headerLength + len(key)
	}
	return len(key) + 1
}

// mergeGets claims first and, when first is a plain get, the run of pending
// gets of the same type behind it.  Merging stops at mergeFactor gets or
// once the estimated request size reaches sendBufferSize.  Returns nil when
// first was cancelled.
func (o *optimizer) mergeGets(
	first *Command,
	pending *commandQueue,
	codec protocolCodec,
	sendBufferSize int) *Command {

	if !first.claim() {
		return nil
	}

	mergeable := first.cmdType == CmdGet || first.cmdType == CmdGets
	if !o.optimizeGet || !mergeable || o.mergeFactor <= 1 {
		return first
	}

	protocol := codec.protocol()
	size := mergedKeySize(protocol, first.key)

	group := []*Command{first}
	for len(group) < o.mergeFactor {
		if sendBufferSize > 0 && size >= sendBufferSize {
			break
		}
		cmd := pending.peek()
		if cmd == nil {
			break
		}
		if cmd.Status() == OpCancel {
			pending.pop()
			continue
		}
		if cmd.cmdType != first.cmdType {
			break
		}
		pending.pop()
		if cmd.claim() {
			group = append(group, cmd)
			size += mergedKeySize(protocol, cmd.key)
		}
	}

	if len(group) == 1 {
		return first
	}
	return newMergedGetCommand(group)
}
