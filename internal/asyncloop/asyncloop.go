// Package asyncloop implements the I/O-rank async message loop: I/O rank 0
// posts one receive per compute component, waits for any of them,
// broadcasts the winning (component, opcode) pair to the rest of the I/O
// group, and dispatches to a handler. The per-component slot tracking
// generalizes the same in-flight-bound tag state machine idea used
// elsewhere in this module, here with one slot per registered compute
// component instead of one fixed per-queue depth.
package asyncloop

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/behrlich/go-pario/internal/substrate"
)

// Opcode is one entry of the closed RPC opcode set the async loop dispatches.
type Opcode int32

const (
	OpINQ Opcode = iota
	OpCreateFile
	OpOpenFile
	OpCloseFile
	OpDeleteFile
	OpInitDecomp
	OpWriteDarray
	OpReadDarray
	OpSetAtt
	OpExit
)

func (op Opcode) String() string {
	switch op {
	case OpINQ:
		return "INQ"
	case OpCreateFile:
		return "CreateFile"
	case OpOpenFile:
		return "OpenFile"
	case OpCloseFile:
		return "CloseFile"
	case OpDeleteFile:
		return "DeleteFile"
	case OpInitDecomp:
		return "InitDecomp"
	case OpWriteDarray:
		return "WriteDarray"
	case OpReadDarray:
		return "ReadDarray"
	case OpSetAtt:
		return "SetAtt"
	case OpExit:
		return "Exit"
	default:
		return fmt.Sprintf("Opcode(%d)", int32(op))
	}
}

// headerTag is the fixed tag a compute component's root uses to announce
// its next opcode; every InterComm is already scoped to exactly one
// (I/O group, component) pair, so one tag per message kind is enough — no
// cross-component collision is possible the way there would be if every
// component shared one substrate.Comm.
const headerTag = 1

// SendOpcode announces op to the I/O group over ic, the InterComm a
// compute component's root rank holds to that group. Only the component
// root (local rank 0 on the component's side of ic) may call this; every
// I/O rank learns op through Loop.Run's internal broadcast, not a direct
// receive, so followers never call SendOpcode themselves.
func SendOpcode(ic *substrate.InterComm, op Opcode) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(op))
	return ic.Send(0, headerTag, buf)
}

// Handler reacts to one dispatched opcode. It receives the InterComm the
// request arrived on and reads any further arguments by broadcasting them
// in from the component root over that same InterComm.
type Handler func(ic *substrate.InterComm) error

// HandlerTable maps every opcode the loop can see to its handler.
type HandlerTable map[Opcode]Handler

// Loop is one I/O group's async message loop. ioGroup is every I/O rank's
// view of the I/O-only group (used for the internal (component, opcode)
// broadcast); components holds this rank's InterComm to each registered
// compute component, in stable order.
type Loop struct {
	ioGroup    substrate.Comm
	components []*substrate.InterComm
	handlers   HandlerTable
}

// NewLoop builds a loop. Every I/O rank in ioGroup must call Run with the
// same components slice (by length and order) and the same handlers.
func NewLoop(ioGroup substrate.Comm, components []*substrate.InterComm, handlers HandlerTable) *Loop {
	return &Loop{ioGroup: ioGroup, components: components, handlers: handlers}
}

// Run drives the loop until every compute component has sent OpExit.
// Rank 0 of ioGroup is the leader: it owns the posted receives and
// broadcasts what it learns to the rest of the I/O group, which otherwise
// only ever sees the broadcast header, never the component's raw message.
func (l *Loop) Run(ctx context.Context) error {
	if l.ioGroup.Rank() == 0 {
		return l.lead(ctx)
	}
	return l.follow(ctx)
}

type pending struct {
	componentIdx int
	buf          []byte
	req          substrate.Request
}

func (l *Loop) lead(ctx context.Context) error {
	live := make([]*pending, 0, len(l.components))
	for i, c := range l.components {
		buf := make([]byte, 4)
		req := c.IRecv(headerTag, buf)
		live = append(live, &pending{componentIdx: i, buf: buf, req: req})
	}

	for len(live) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reqs := make([]substrate.Request, len(live))
		for i, p := range live {
			reqs[i] = p.req
		}
		pos, err := l.ioGroup.WaitAny(reqs)
		if err != nil {
			return fmt.Errorf("asyncloop: wait: %w", err)
		}
		p := live[pos]
		op := Opcode(int32(binary.LittleEndian.Uint32(p.buf)))

		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[0:4], uint32(p.componentIdx))
		binary.LittleEndian.PutUint32(header[4:8], uint32(op))
		if err := l.ioGroup.Bcast(0, header); err != nil {
			return fmt.Errorf("asyncloop: broadcast header: %w", err)
		}

		if err := l.dispatch(p.componentIdx, op); err != nil {
			return err
		}

		if op == OpExit {
			live = append(live[:pos], live[pos+1:]...)
			continue
		}
		p.buf = make([]byte, 4)
		p.req = l.components[p.componentIdx].IRecv(headerTag, p.buf)
	}
	return nil
}

func (l *Loop) follow(ctx context.Context) error {
	open := len(l.components)
	for open > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		header := make([]byte, 8)
		if err := l.ioGroup.Bcast(0, header); err != nil {
			return fmt.Errorf("asyncloop: broadcast header: %w", err)
		}
		idx := int(binary.LittleEndian.Uint32(header[0:4]))
		op := Opcode(int32(binary.LittleEndian.Uint32(header[4:8])))

		if err := l.dispatch(idx, op); err != nil {
			return err
		}
		if op == OpExit {
			open--
		}
	}
	return nil
}

func (l *Loop) dispatch(componentIdx int, op Opcode) error {
	h, ok := l.handlers[op]
	if !ok {
		return fmt.Errorf("asyncloop: no handler registered for opcode %s", op)
	}
	return h(l.components[componentIdx])
}
