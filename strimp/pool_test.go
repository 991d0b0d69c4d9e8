package strimp_test

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/memory"
	"github.com/vkngwrapper/bedrock/memutils"
	"github.com/vkngwrapper/bedrock/strimp"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func liveAllocations(ctx *memory.Context) int {
	return ctx.MemoryStats(memory.PoolFixedPools).CurrentAllocationAmount +
		ctx.MemoryStats(memory.PoolRuntimeHeap).CurrentAllocationAmount
}

// newTestPool creates a Pool over a debugging memory context, and checks at cleanup that both can be
// destroyed without leaks. It returns the number of fixed allocations the empty pool holds.
func newTestPool(t testing.TB, options strimp.Options) (*strimp.Pool, *memory.Context, int) {
	ctx, err := memory.New(testLogger(), memory.Config{
		EnableAllocationDebugger:  true,
		EnableOverwriteChecks:     true,
		InitialReservationInBytes: 4 * 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ctx.Destroy())
	})

	pool, err := strimp.New(testLogger(), ctx, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Validate())
		require.NoError(t, pool.Destroy())
	})

	return pool, ctx, liveAllocations(ctx)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := strimp.New(testLogger(), nil, strimp.Options{})
	require.Error(t, err)

	ctx, err := memory.New(testLogger(), memory.Config{PoolAllocatorsDisabled: true})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, ctx.Destroy())
	}()

	_, err = strimp.New(testLogger(), ctx, strimp.Options{PromotionThreshold: 1})
	require.Error(t, err)
}

func TestEqualContentSharesBuffer(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{})

	a, err := pool.CreateString("hello", false)
	require.NoError(t, err)
	b, err := pool.Create([]byte("hello"), false)
	require.NoError(t, err)
	c, err := pool.CreateString("world", false)
	require.NoError(t, err)

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.Equal(t, a.CString(), b.CString())
	require.Equal(t, a.ID(), b.ID())
	require.NotEqual(t, a.ID(), c.ID())
	require.Equal(t, int32(2), pool.RefCount(a))
	require.Equal(t, int32(1), pool.RefCount(c))
	require.Equal(t, 2, pool.Len())
	require.Equal(t, baseline+2, liveAllocations(ctx))

	require.Equal(t, "hello", a.String())
	require.Equal(t, 5, a.Len())
	require.False(t, a.IsStatic())

	terminated := memutils.Bytes(a.CString(), a.Len()+1)
	require.Equal(t, []byte("hello\x00"), terminated)

	a.Reset()
	require.True(t, a.IsEmpty())
	require.Equal(t, int32(1), pool.RefCount(b))
	require.Equal(t, 2, pool.Len())

	b.Reset()
	c.Reset()
	require.Equal(t, 0, pool.Len())
	require.Equal(t, baseline, liveAllocations(ctx))
}

func TestEmptyString(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{})

	empty, err := pool.CreateString("", false)
	require.NoError(t, err)
	fromBytes, err := pool.Create(nil, false)
	require.NoError(t, err)

	var zero strimp.String
	require.True(t, empty.Equal(zero))
	require.True(t, empty.Equal(fromBytes))
	require.True(t, empty.Equal(pool.Empty()))
	require.True(t, empty.IsStatic())
	require.True(t, zero.IsStatic())
	require.Equal(t, uint32(0), empty.ID())
	require.Equal(t, "", zero.String())
	require.Nil(t, empty.CString())
	require.Equal(t, 0, pool.Len())

	copied := empty.Copy()
	copied.Reset()
	empty.Reset()
	fromBytes.Reset()

	byID, ok := pool.ByID(0)
	require.True(t, ok)
	require.True(t, byID.IsEmpty())

	looked, ok := pool.Lookup("")
	require.True(t, ok)
	require.True(t, looked.IsEmpty())

	require.Equal(t, 0, pool.Len())
	require.Equal(t, baseline, liveAllocations(ctx))
}

func TestCopyAndCopyFrom(t *testing.T) {
	pool, _, _ := newTestPool(t, strimp.Options{})

	hello, err := pool.CreateString("hello", false)
	require.NoError(t, err)
	world, err := pool.CreateString("world", false)
	require.NoError(t, err)

	copied := hello.Copy()
	require.True(t, copied.Equal(hello))
	require.Equal(t, int32(2), pool.RefCount(hello))

	copied.CopyFrom(copied)
	require.Equal(t, int32(2), pool.RefCount(hello))

	copied.CopyFrom(hello)
	require.Equal(t, int32(2), pool.RefCount(hello))

	copied.CopyFrom(world)
	require.True(t, copied.Equal(world))
	require.Equal(t, int32(1), pool.RefCount(hello))
	require.Equal(t, int32(2), pool.RefCount(world))

	var target strimp.String
	target.CopyFrom(hello)
	require.Equal(t, int32(2), pool.RefCount(hello))

	hello.Reset()
	require.Equal(t, "hello", target.String())

	// Dropping the last reference through CopyFrom removes the buffer
	target.CopyFrom(pool.Empty())
	_, ok := pool.Lookup("hello")
	require.False(t, ok)

	world.Reset()
	copied.Reset()
	require.Equal(t, 0, pool.Len())
}

func TestStaticStringsAreNotCounted(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{})

	static, err := pool.CreateString("literal", true)
	require.NoError(t, err)
	require.True(t, static.IsStatic())
	require.Equal(t, int32(0), pool.RefCount(static))

	for i := 0; i < 100; i++ {
		s, err := pool.CreateString("literal", false)
		require.NoError(t, err)
		require.True(t, s.Equal(static))
		copied := s.Copy()
		copied.Reset()
		s.Reset()
	}
	static.Reset()

	looked, ok := pool.Lookup("literal")
	require.True(t, ok)
	require.True(t, looked.IsStatic())
	require.Equal(t, 1, pool.Len())

	// Static strings live in the arena, which was allocated up front
	require.Equal(t, baseline, liveAllocations(ctx))
}

func TestStaticRequestPromotesInternedString(t *testing.T) {
	pool, _, _ := newTestPool(t, strimp.Options{})

	dynamic, err := pool.CreateString("promoted", false)
	require.NoError(t, err)
	require.False(t, dynamic.IsStatic())

	static, err := pool.CreateString("promoted", true)
	require.NoError(t, err)
	require.True(t, static.Equal(dynamic))
	require.True(t, dynamic.IsStatic())

	dynamic.Reset()
	static.Reset()

	_, ok := pool.Lookup("promoted")
	require.True(t, ok)
}

func TestPromotionThreshold(t *testing.T) {
	pool, _, _ := newTestPool(t, strimp.Options{PromotionThreshold: 4})

	var handles []strimp.String
	for i := 0; i < 3; i++ {
		s, err := pool.CreateString("popular", false)
		require.NoError(t, err)
		handles = append(handles, s)
	}
	require.False(t, handles[0].IsStatic())
	require.Equal(t, int32(3), pool.RefCount(handles[0]))

	handles = append(handles, handles[0].Copy())
	require.True(t, handles[0].IsStatic())

	for i := range handles {
		handles[i].Reset()
	}

	looked, ok := pool.Lookup("popular")
	require.True(t, ok)
	require.True(t, looked.IsStatic())
}

func TestLookupAndByID(t *testing.T) {
	pool, _, _ := newTestPool(t, strimp.Options{})

	_, ok := pool.Lookup("missing")
	require.False(t, ok)
	require.Equal(t, 0, pool.Len())

	first, err := pool.CreateString("identified", false)
	require.NoError(t, err)
	id := first.ID()

	byID, ok := pool.ByID(id)
	require.True(t, ok)
	require.True(t, byID.Equal(first))
	require.Equal(t, int32(2), pool.RefCount(first))

	looked, ok := pool.Lookup("identified")
	require.True(t, ok)
	require.Equal(t, int32(3), pool.RefCount(first))

	first.Reset()
	byID.Reset()
	looked.Reset()

	_, ok = pool.ByID(id)
	require.False(t, ok)

	again, err := pool.CreateString("identified", false)
	require.NoError(t, err)
	require.Greater(t, again.ID(), id)
	again.Reset()
}

func TestLongStrings(t *testing.T) {
	pool, ctx, baseline := newTestPool(t, strimp.Options{StaticBlockSizeInBytes: 4096})

	long := strings.Repeat("a long string ", 10000)

	dynamic, err := pool.CreateString(long, false)
	require.NoError(t, err)
	require.Equal(t, long, dynamic.String())

	// Too large for an arena block, so it comes from the fixed allocator and is freed on Destroy
	static, err := pool.CreateString(strings.ToUpper(long), true)
	require.NoError(t, err)
	require.True(t, static.IsStatic())
	require.Equal(t, baseline+2, liveAllocations(ctx))

	dynamic.Reset()
	require.Equal(t, baseline+1, liveAllocations(ctx))
}

func TestDestroyReportsUnreleasedStrings(t *testing.T) {
	ctx, err := memory.New(testLogger(), memory.Config{PoolAllocatorsDisabled: true})
	require.NoError(t, err)
	pool, err := strimp.New(testLogger(), ctx, strimp.Options{})
	require.NoError(t, err)

	leaked, err := pool.CreateString("leaked", false)
	require.NoError(t, err)
	_, err = pool.CreateString("static", true)
	require.NoError(t, err)

	require.Error(t, pool.Destroy())
	require.Equal(t, 2, pool.Len())

	leaked.Reset()
	require.NoError(t, pool.Destroy())
	require.NoError(t, ctx.Destroy())
}

type statsDocument struct {
	Count              int
	StaticCount        int
	ContentBytes       int
	CreatedTotal       int
	RemovedTotal       int
	StaticArenaBytes   int
	PromotionThreshold int
}

func TestBuildStatsString(t *testing.T) {
	pool, _, _ := newTestPool(t, strimp.Options{PromotionThreshold: 100})

	a, err := pool.CreateString("abc", false)
	require.NoError(t, err)
	b, err := pool.CreateString("defgh", true)
	require.NoError(t, err)
	c, err := pool.CreateString("removed", false)
	require.NoError(t, err)
	c.Reset()

	writer := jwriter.NewWriter()
	pool.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	var decoded statsDocument
	require.NoError(t, json.Unmarshal(writer.Bytes(), &decoded))
	require.Equal(t, 2, decoded.Count)
	require.Equal(t, 1, decoded.StaticCount)
	require.Equal(t, 8, decoded.ContentBytes)
	require.Equal(t, 3, decoded.CreatedTotal)
	require.Equal(t, 1, decoded.RemovedTotal)
	require.Greater(t, decoded.StaticArenaBytes, 0)
	require.Equal(t, 100, decoded.PromotionThreshold)

	a.Reset()
	b.Reset()
}
