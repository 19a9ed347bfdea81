package asyncloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pario/internal/substrate"
)

// runComponent drives one compute component's single root rank: it sends
// one opcode per call over its InterComm to I/O rank 0, the convention
// asyncloop.Loop assumes for every handler dispatch.
func runComponent(ic *substrate.InterComm, ops []Opcode) {
	for _, op := range ops {
		buf := make([]byte, 4)
		putOpcode(buf, op)
		_ = ic.Send(0, headerTag, buf)
	}
}

func putOpcode(buf []byte, op Opcode) {
	v := uint32(op)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func TestLoopDispatchesAndExits(t *testing.T) {
	ioGroup := substrate.NewLocalWorld(2)

	local0, remote0 := substrate.NewInterComm(1, len(ioGroup))
	local1, remote1 := substrate.NewInterComm(1, len(ioGroup))

	var mu sync.Mutex
	var seen []Opcode

	handlers := HandlerTable{
		OpCreateFile: func(ic *substrate.InterComm) error {
			mu.Lock()
			seen = append(seen, OpCreateFile)
			mu.Unlock()
			return nil
		},
		OpWriteDarray: func(ic *substrate.InterComm) error {
			mu.Lock()
			seen = append(seen, OpWriteDarray)
			mu.Unlock()
			return nil
		},
		OpExit: func(ic *substrate.InterComm) error {
			mu.Lock()
			seen = append(seen, OpExit)
			mu.Unlock()
			return nil
		},
	}

	var wg sync.WaitGroup
	for r := range ioGroup {
		components := []*substrate.InterComm{remote0[r], remote1[r]}
		loop := NewLoop(ioGroup[r], components, handlers)
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, l.Run(ctx))
		}(loop)
	}

	go runComponent(local0[0], []Opcode{OpCreateFile, OpExit})
	go runComponent(local1[0], []Opcode{OpWriteDarray, OpExit})

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// Both I/O ranks dispatch every opcode: 2 ranks x 4 opcodes.
	require.Len(t, seen, 8)
	assert.Contains(t, seen, OpCreateFile)
	assert.Contains(t, seen, OpWriteDarray)
	assert.Equal(t, 4, countOpcode(seen, OpExit))
}

func countOpcode(ops []Opcode, want Opcode) int {
	n := 0
	for _, op := range ops {
		if op == want {
			n++
		}
	}
	return n
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "CreateFile", OpCreateFile.String())
	assert.Equal(t, "Exit", OpExit.String())
	assert.Contains(t, Opcode(99).String(), "Opcode")
}
