package main

import (
	"math/rand"
	"os"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/bedrock/memory"
	"github.com/vkngwrapper/bedrock/memutils"
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Run a random allocate, reallocate and free workload against a memory context",
	Long: `The alloc command allocates, reallocates and frees randomly sized blocks from
every worker at once, verifying that no block is disturbed while it is live. Sizes
range up to twice --max-size, so the oversize path is exercised as well.

Example:
  memstress alloc -g 16 -n 200000
  memstress alloc --overwrite-checks --grow-mode double`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAlloc()
	},
}

func init() {
	rootCmd.AddCommand(allocCmd)
}

const maxLiveBlocks = 64

type liveBlock struct {
	ptr  unsafe.Pointer
	size int
	tag  byte
}

type allocWorkload struct {
	ctx        *memory.Context
	iterations int
	maxSize    int
}

func (w allocWorkload) run(seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	live := make([]liveBlock, 0, maxLiveBlocks)

	release := func(index int) error {
		block := live[index]
		if !blockIntact(block) {
			return errors.Newf("block %p of %d bytes was overwritten while live", block.ptr, block.size)
		}
		w.ctx.FreeFixed(block.ptr, block.size)
		live[index] = live[len(live)-1]
		live = live[:len(live)-1]
		return nil
	}

	for i := 0; i < w.iterations; i++ {
		switch op := rng.Intn(8); {
		case len(live) == maxLiveBlocks || (op < 3 && len(live) > 0):
			if err := release(rng.Intn(len(live))); err != nil {
				return err
			}
		case op == 3 && len(live) > 0:
			index := rng.Intn(len(live))
			block := live[index]
			if !blockIntact(block) {
				return errors.Newf("block %p of %d bytes was overwritten while live", block.ptr, block.size)
			}
			size := 1 + rng.Intn(2*w.maxSize)
			ptr, err := w.ctx.ReallocateFixed(block.ptr, block.size, size)
			if err != nil {
				return err
			}
			block.ptr = ptr
			block.size = size
			fillBlock(block)
			live[index] = block
		default:
			block := liveBlock{size: 1 + rng.Intn(2*w.maxSize), tag: byte(rng.Intn(256))}
			ptr, err := w.ctx.AllocateFixed(block.size)
			if err != nil {
				return err
			}
			block.ptr = ptr
			fillBlock(block)
			live = append(live, block)
		}
	}

	for len(live) > 0 {
		if err := release(len(live) - 1); err != nil {
			return err
		}
	}
	return nil
}

func fillBlock(block liveBlock) {
	memutils.Fill(block.ptr, block.size, block.tag)
}

func blockIntact(block liveBlock) bool {
	for _, b := range memutils.Bytes(block.ptr, block.size) {
		if b != block.tag {
			return false
		}
	}
	return true
}

// runWorkers runs work on goroutines workers at once, seeding each from seed
func runWorkers(goroutines int, seed int64, work func(seed int64) error) error {
	errs := make([]error, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			errs[index] = work(seed + int64(index))
		}(i)
	}
	wg.Wait()

	var err error
	for _, workerErr := range errs {
		err = errors.CombineErrors(err, workerErr)
	}
	return err
}

func runAlloc() error {
	config, err := memoryConfig()
	if err != nil {
		return err
	}

	ctx, err := memory.New(newLogger(), config)
	if err != nil {
		return err
	}

	workload := allocWorkload{ctx: ctx, iterations: iterations, maxSize: maxSize}
	err = runWorkers(goroutines, seed, workload.run)
	if err != nil {
		return errors.CombineErrors(err, ctx.Destroy())
	}

	err = printStats(os.Stdout, map[string]statsBuilder{"Memory": ctx}, "Memory")
	return errors.CombineErrors(err, ctx.Destroy())
}
