// Command pario-async-demo drives InitAsync end to end: each compute rank
// is its own one-rank component, sending a real WriteDarray opcode (and
// then Exit) over its InterComm to a group of I/O ranks running a real
// asyncloop.Loop, dispatching to handlers that call InitDecomp/WriteDarray
// against an actually-open file. It's the async counterpart to
// cmd/pario-demo, which only ever drives the synchronous InitIntracomm path.
//
// The I/O side still defines the file's single dimension and variable
// synchronously, before Loop.Run starts: defining schema isn't one of the
// opcodes wired to real dispatch here, so the compute side assumes the
// resulting variable id is 0, the only one this demo ever defines. No
// handler is registered for OpCreateFile, and the opcode set has no
// variable-definition opcode, so the compute side never learns ids from
// the I/O side.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/behrlich/go-pario"
	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/asyncloop"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/logging"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

// writtenVarID is the variable id every compute rank assumes: see the
// package comment's scope note on why this isn't learned from the I/O side.
const writtenVarID = int32(0)

func main() {
	var (
		computeStr = flag.String("compute", "3", "number of compute ranks, one component each")
		ioStr      = flag.String("io", "2", "number of I/O ranks")
		gdimStr    = flag.String("gdim", "12", "global extent of the one-dimensional array")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	compute, err := strconv.Atoi(*computeStr)
	if err != nil || compute <= 0 {
		log.Fatalf("invalid -compute %q: %v", *computeStr, err)
	}
	ioCount, err := strconv.Atoi(*ioStr)
	if err != nil || ioCount <= 0 {
		log.Fatalf("invalid -io %q: %v", *ioStr, err)
	}
	gdim, err := strconv.ParseInt(*gdimStr, 10, 64)
	if err != nil || gdim <= 0 {
		log.Fatalf("invalid -gdim %q: %v", *gdimStr, err)
	}
	if gdim%int64(compute) != 0 {
		log.Fatalf("gdim %d must divide evenly across %d compute ranks", gdim, compute)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	logger.Info("starting async box round-trip demo", "compute", compute, "io", ioCount, "gdim", gdim)

	total := compute + ioCount
	comms := substrate.NewLocalWorld(total)
	mem := driver.NewMemory()
	perRank := gdim / int64(compute)

	components := make([][]int, compute)
	for i := range components {
		components[i] = []int{i}
	}

	results := make([]error, total)
	var wg sync.WaitGroup
	for rank := 0; rank < total; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank] = runRank(rank, compute, ioCount, gdim, perRank, components, comms[rank], mem, logger)
		}(rank)
	}
	wg.Wait()

	for rank, rerr := range results {
		if rerr != nil {
			logger.Error("rank failed", "rank", rank, "error", rerr)
			os.Exit(1)
		}
	}

	h, err := mem.Open("async.nc", driverapi.ReadOnly)
	if err != nil {
		log.Fatalf("reopen async.nc: %v", err)
	}
	out := make([]byte, gdim*8)
	if err := mem.GetVar(h, writtenVarID, out); err != nil {
		log.Fatalf("read back async.nc: %v", err)
	}
	fmt.Println(formatFloats(out))
}

func runRank(rank, compute, ioCount int, gdim, perRank int64, components [][]int, comm substrate.Comm, mem *driver.Memory, logger *logging.Logger) error {
	sys, handle, err := pario.InitAsync(comm, components, ioCount, 1, compute, rearrange.Box, errpolicy.Return)
	if err != nil {
		return err
	}
	rlog := logger.With("rank", rank)

	if sys.IsIORank() {
		return runIORank(rlog, sys, handle, mem, compute, gdim)
	}
	return runComputeRank(rlog, sys, handle, rank, gdim, perRank)
}

func runIORank(logger *logging.Logger, sys *pario.IoSystem, handle *pario.AsyncHandle, mem *driver.Memory, compute int, gdim int64) error {
	ioSys := handle.IOSystem()

	f, err := pario.CreateFile(ioSys, mem, "async.nc", driverapi.Clobber, driverapi.ClassicParallel)
	if err != nil {
		return err
	}
	if err := f.EnterDefineMode(); err != nil {
		return err
	}
	d0, err := f.DefDim("x", gdim)
	if err != nil {
		return err
	}
	if _, err := f.DefVar("v", typetag.Float64, []int32{d0}); err != nil {
		return err
	}
	if err := f.ExitDefineMode(); err != nil {
		return err
	}

	handlers := asyncloop.HandlerTable{
		asyncloop.OpWriteDarray: pario.WriteDarrayHandler(ioSys, f),
		asyncloop.OpExit:        pario.ExitHandler(),
	}
	loop := handle.NewLoop(handlers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Debug("io rank entering async loop", "components", compute)
	if err := loop.Run(ctx); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := pario.Finalize(ioSys); err != nil {
		return err
	}
	return pario.Finalize(sys)
}

func runComputeRank(logger *logging.Logger, sys *pario.IoSystem, handle *pario.AsyncHandle, rank int, gdim, perRank int64) error {
	compmap := make([]int64, gdim)
	local := make([]float64, perRank)
	start := int64(rank) * perRank
	for i := int64(0); i < perRank; i++ {
		compmap[start+i] = start + i + 1
		local[i] = float64((start + i) * 10)
	}

	if err := pario.SendWriteDarray(handle, writtenVarID, []int64{gdim}, typetag.Float64, compmap, packFloat64s(local)); err != nil {
		return err
	}
	logger.Debug("sent darray over async loop", "count", perRank)

	if err := pario.SendExit(handle); err != nil {
		return err
	}
	return pario.Finalize(sys)
}

func packFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, x := range v {
		bits := math.Float64bits(x)
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(bits >> (8 * b))
		}
	}
	return buf
}

func formatFloats(buf []byte) string {
	n := len(buf) / 8
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		var bits uint64
		for b := 0; b < 8; b++ {
			bits |= uint64(buf[i*8+b]) << (8 * b)
		}
		parts[i] = strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
