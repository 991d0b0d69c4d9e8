package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/bedrock/memory"
	"github.com/vkngwrapper/bedrock/strimp"
)

var (
	distinct           int
	staticFraction     float64
	promotionThreshold int32
)

var stringsCmd = &cobra.Command{
	Use:   "strings",
	Short: "Run a random create, copy and reset workload against an interned string pool",
	Long: `The strings command interns, copies and releases strings drawn from a fixed set
of contents from every worker at once, verifying that every handle keeps its content.
A fraction of the contents is interned as static.

Example:
  memstress strings -g 4 --distinct 16
  memstress strings --static-fraction 0.25 --overwrite-checks`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStrings()
	},
}

func init() {
	stringsCmd.Flags().IntVar(&distinct, "distinct", 64, "Number of distinct contents")
	stringsCmd.Flags().Float64Var(&staticFraction, "static-fraction", 0, "Fraction of contents interned as static")
	stringsCmd.Flags().Int32Var(&promotionThreshold, "promotion-threshold", 0, "Reference count at which a string becomes static")
	rootCmd.AddCommand(stringsCmd)
}

const maxHeldStrings = 128

type heldString struct {
	handle  strimp.String
	content string
}

type stringsWorkload struct {
	pool       *strimp.Pool
	iterations int
	contents   []string
	static     int
}

func newStringsWorkload(pool *strimp.Pool, iterations int, distinct int, staticFraction float64) stringsWorkload {
	contents := make([]string, distinct)
	for i := range contents {
		contents[i] = fmt.Sprintf("memstress-%d", i)
	}

	return stringsWorkload{
		pool:       pool,
		iterations: iterations,
		contents:   contents,
		static:     int(float64(distinct) * staticFraction),
	}
}

func (w stringsWorkload) run(seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	held := make([]heldString, 0, maxHeldStrings)
	defer func() {
		for i := range held {
			held[i].handle.Reset()
		}
	}()

	check := func(s heldString) error {
		if s.handle.String() != s.content {
			return errors.Newf("handle for %q changed to %q", s.content, s.handle.String())
		}
		return nil
	}

	for i := 0; i < w.iterations; i++ {
		switch op := rng.Intn(4); {
		case len(held) == maxHeldStrings || (op == 0 && len(held) > 0):
			index := rng.Intn(len(held))
			if err := check(held[index]); err != nil {
				return err
			}
			held[index].handle.Reset()
			held[index] = held[len(held)-1]
			held = held[:len(held)-1]
		case op == 1 && len(held) > 0:
			source := held[rng.Intn(len(held))]
			held = append(held, heldString{handle: source.handle.Copy(), content: source.content})
		case op == 2 && len(held) > 1:
			source := held[rng.Intn(len(held))]
			target := &held[rng.Intn(len(held))]
			target.handle.CopyFrom(source.handle)
			target.content = source.content
		default:
			index := rng.Intn(len(w.contents))
			s, err := w.pool.CreateString(w.contents[index], index < w.static)
			if err != nil {
				return err
			}
			held = append(held, heldString{handle: s, content: w.contents[index]})
		}
	}

	for _, s := range held {
		if err := check(s); err != nil {
			return err
		}
	}
	return nil
}

func runStrings() error {
	config, err := memoryConfig()
	if err != nil {
		return err
	}
	if distinct <= 0 {
		return errors.Newf("--distinct must be positive, but was %d", distinct)
	}

	logger := newLogger()
	ctx, err := memory.New(logger, config)
	if err != nil {
		return err
	}

	pool, err := strimp.New(logger, ctx, strimp.Options{PromotionThreshold: promotionThreshold})
	if err != nil {
		return errors.CombineErrors(err, ctx.Destroy())
	}

	workload := newStringsWorkload(pool, iterations, distinct, staticFraction)
	err = runWorkers(goroutines, seed, workload.run)
	if err == nil {
		err = pool.Validate()
	}
	if err == nil {
		err = printStats(os.Stdout, map[string]statsBuilder{"Strings": pool, "Memory": ctx}, "Strings", "Memory")
	}

	err = errors.CombineErrors(err, pool.Destroy())
	return errors.CombineErrors(err, ctx.Destroy())
}
