package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/behrlich/go-pario"
	"github.com/behrlich/go-pario/driver"
	"github.com/behrlich/go-pario/internal/driverapi"
	"github.com/behrlich/go-pario/internal/errpolicy"
	"github.com/behrlich/go-pario/internal/logging"
	"github.com/behrlich/go-pario/internal/rearrange"
	"github.com/behrlich/go-pario/internal/substrate"
	"github.com/behrlich/go-pario/internal/typetag"
)

func main() {
	var (
		ranksStr = flag.String("ranks", "4", "number of compute+io ranks to simulate in-process")
		gdimStr  = flag.String("gdim", "16", "global extent of the one-dimensional array")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	ranks, err := strconv.Atoi(*ranksStr)
	if err != nil || ranks <= 0 {
		log.Fatalf("invalid -ranks %q: %v", *ranksStr, err)
	}
	gdim, err := strconv.ParseInt(*gdimStr, 10, 64)
	if err != nil || gdim <= 0 {
		log.Fatalf("invalid -gdim %q: %v", *gdimStr, err)
	}
	if gdim%int64(ranks) != 0 {
		log.Fatalf("gdim %d must divide evenly across %d ranks", gdim, ranks)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("starting box round-trip demo", "ranks", ranks, "gdim", gdim)

	mem := driver.NewMemory()
	comms := substrate.NewLocalWorld(ranks)
	perRank := gdim / int64(ranks)

	results := make([]error, ranks)
	var wg sync.WaitGroup
	for rank := 0; rank < ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank] = runRank(rank, ranks, gdim, perRank, comms[rank], mem, logger)
		}(rank)
	}
	wg.Wait()

	for rank, rerr := range results {
		if rerr != nil {
			logger.Error("rank failed", "rank", rank, "error", rerr)
			os.Exit(1)
		}
	}

	h, err := mem.Open("demo.nc", driverapi.ReadOnly)
	if err != nil {
		log.Fatalf("reopen demo.nc: %v", err)
	}
	out := make([]byte, gdim*8)
	if err := mem.GetVar(h, 0, out); err != nil {
		log.Fatalf("read back demo.nc: %v", err)
	}
	fmt.Println(formatFloats(out))
}

func runRank(rank, nranks int, gdim, perRank int64, comm substrate.Comm, mem *driver.Memory, logger *logging.Logger) error {
	sys, err := pario.InitIntracomm(comm, nranks, 1, 0, rearrange.Box, errpolicy.Return)
	if err != nil {
		return err
	}

	f, err := pario.CreateFile(sys, mem, "demo.nc", driverapi.Clobber, driverapi.ClassicParallel)
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
	varid, err := f.DefVar("v", typetag.Float64, []int32{d0})
	if err != nil {
		return err
	}
	if err := f.ExitDefineMode(); err != nil {
		return err
	}

	compmap := make([]int64, gdim)
	local := make([]float64, perRank)
	start := int64(rank) * perRank
	for i := int64(0); i < perRank; i++ {
		compmap[start+i] = start + i + 1
		local[i] = float64((start + i) * 10)
	}

	dec, err := pario.InitDecomp(sys, 1, []int64{gdim}, typetag.Float64, compmap)
	if err != nil {
		return err
	}

	if err := f.WriteDarray(varid, dec, false, packFloat64s(local)); err != nil {
		return err
	}
	logger.Debug("wrote darray", "rank", rank, "count", perRank)

	if err := pario.FreeDecomp(dec); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
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
