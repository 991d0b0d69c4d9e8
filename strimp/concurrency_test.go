package strimp_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/strimp"
)

func TestConcurrentCreateAndReset(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{})

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < 10000; i++ {
				s, err := pool.CreateString("hello", false)
				if err != nil {
					panic(err)
				}
				if s.String() != "hello" {
					panic(fmt.Sprintf("interned string changed to %q", s.String()))
				}
				s.Reset()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, pool.Len())
	require.NoError(t, pool.Validate())
	require.Equal(t, baseline, liveAllocations(ctx))
}

type stressWorker struct {
	rng  *rand.Rand
	held map[string][]strimp.String
}

func (w *stressWorker) step(pool *strimp.Pool, contents []string) {
	content := contents[w.rng.Intn(len(contents))]
	held := w.held[content]

	switch op := w.rng.Intn(4); {
	case op == 0 || len(held) == 0:
		s, err := pool.CreateString(content, false)
		if err != nil {
			panic(err)
		}
		w.held[content] = append(held, s)
	case op == 1:
		w.held[content] = append(held, held[w.rng.Intn(len(held))].Copy())
	case op == 2:
		index := w.rng.Intn(len(held))
		held[index].Reset()
		held[index] = held[len(held)-1]
		w.held[content] = held[:len(held)-1]
	default:
		// Move a handle over to another content
		other := contents[w.rng.Intn(len(contents))]
		if other == content {
			return
		}
		index := w.rng.Intn(len(held))
		var source strimp.String
		if len(w.held[other]) > 0 {
			source = w.held[other][0]
		} else {
			var err error
			source, err = pool.CreateString(other, false)
			if err != nil {
				panic(err)
			}
			w.held[other] = append(w.held[other], source)
		}

		moved := held[index]
		moved.CopyFrom(source)
		held[index] = held[len(held)-1]
		w.held[content] = held[:len(held)-1]
		w.held[other] = append(w.held[other], moved)
	}
}

func TestConcurrentStressMatchesGroundTruth(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{})

	contents := make([]string, 16)
	for i := range contents {
		contents[i] = fmt.Sprintf("content-%d", i)
	}

	workers := make([]*stressWorker, 8)
	for i := range workers {
		workers[i] = &stressWorker{
			rng:  rand.New(rand.NewSource(int64(i + 1))),
			held: make(map[string][]strimp.String),
		}
	}

	for round := 0; round < 4; round++ {
		var wg sync.WaitGroup
		for _, worker := range workers {
			wg.Add(1)
			go func(worker *stressWorker) {
				defer wg.Done()

				for i := 0; i < 5000; i++ {
					worker.step(pool, contents)
				}
			}(worker)
		}
		wg.Wait()

		require.NoError(t, pool.Validate())

		interned := 0
		for _, content := range contents {
			expected := 0
			for _, worker := range workers {
				for _, s := range worker.held[content] {
					require.Equal(t, content, s.String())
				}
				expected += len(worker.held[content])
			}

			looked, ok := pool.Lookup(content)
			if expected == 0 {
				require.False(t, ok, content)
				continue
			}
			require.True(t, ok, content)
			interned++
			require.Equal(t, int32(expected+1), pool.RefCount(looked), content)
			looked.Reset()
		}
		require.Equal(t, interned, pool.Len())
	}

	for _, worker := range workers {
		for content := range worker.held {
			for i := range worker.held[content] {
				worker.held[content][i].Reset()
			}
		}
	}

	require.Equal(t, 0, pool.Len())
	require.Equal(t, baseline, liveAllocations(ctx))
}

func BenchmarkCreateAndReset(b *testing.B) {
	pool, _, _ := newTestPool(b, strimp.Options{})

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s, err := pool.CreateString("benchmark", false)
			if err != nil {
				b.Fatal(err)
			}
			s.Reset()
		}
	})
}

func BenchmarkCopy(b *testing.B) {
	pool, _, _ := newTestPool(b, strimp.Options{})

	s, err := pool.CreateString("benchmark", false)
	require.NoError(b, err)
	defer s.Reset()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			copied := s.Copy()
			copied.Reset()
		}
	})
}
