// Package strimp interns immutable strings. Every distinct content lives in exactly one reference
// counted buffer allocated outside the Go heap, so two handles with equal content always share a
// buffer and comparing handles is a pointer comparison.
package strimp

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

const (
	// DefaultPromotionThreshold is the reference count at which a string is promoted to static
	DefaultPromotionThreshold int32 = 1 << 30
	// DefaultStaticBlockSize is the block size of the arena static strings are allocated from
	DefaultStaticBlockSize int = 64 * 1024
)

const (
	flagStatic uint32 = 1 << iota
	flagArena
)

// header precedes the content of every interned buffer. The content is followed by a NUL byte.
type header struct {
	id     uint32
	length uint32
	refs   atomic.Int32
	flags  atomic.Uint32
}

const headerBytes = int(unsafe.Sizeof(header{}))

func (h *header) isStatic() bool {
	return h.flags.Load()&flagStatic != 0
}

func (h *header) markStatic() {
	for {
		flags := h.flags.Load()
		if flags&flagStatic != 0 || h.flags.CompareAndSwap(flags, flags|flagStatic) {
			return
		}
	}
}

func (h *header) content() string {
	if h.length == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Add(unsafe.Pointer(h), headerBytes)), int(h.length))
}

func (h *header) footprint() int {
	return headerBytes + int(h.length) + 1
}

// FixedAllocator is the source of every non-static buffer. memory.Context satisfies it.
type FixedAllocator interface {
	AllocateFixed(size int) (unsafe.Pointer, error)
	FreeFixed(ptr unsafe.Pointer, size int)
}

// Options configures a Pool. The zero value is valid.
type Options struct {
	// PromotionThreshold is the reference count at which a string is promoted to static and stops
	// being counted. It defaults to DefaultPromotionThreshold.
	PromotionThreshold int32
	// StaticBlockSizeInBytes is the block size of the arena static strings are bump-allocated from.
	// It defaults to DefaultStaticBlockSize. Static strings too large for a block use the fixed allocator.
	StaticBlockSizeInBytes int
}

// Pool is the interning cache. Creating a handle and dropping the last reference to a buffer take
// the pool mutex; copying a handle is a single atomic increment.
type Pool struct {
	logger    *slog.Logger
	fixed     FixedAllocator
	static    *allocator.AtomicLinearAllocator
	threshold int32

	empty header

	mutex     sync.Mutex
	byContent *swiss.Map[string, *header]
	byID      *swiss.Map[uint32, *header]
	nextID    uint32

	createdCount atomic.Int64
	removedCount atomic.Int64
}

// fixedBlocks serves the static arena's blocks from the pool's fixed allocator
type fixedBlocks struct {
	fixed FixedAllocator
}

func (b fixedBlocks) Allocate(size int) (unsafe.Pointer, error) {
	return b.fixed.AllocateFixed(size)
}

func (b fixedBlocks) Deallocate(ptr unsafe.Pointer, size int) {
	b.fixed.FreeFixed(ptr, size)
}

// New creates an empty Pool that allocates its buffers from fixed
func New(logger *slog.Logger, fixed FixedAllocator, options Options) (*Pool, error) {
	if fixed == nil {
		return nil, errors.New("a fixed allocator must be provided")
	}

	threshold := options.PromotionThreshold
	if threshold == 0 {
		threshold = DefaultPromotionThreshold
	}
	if threshold < 2 {
		return nil, errors.Newf("promotion threshold %d must be at least 2", threshold)
	}

	blockSize := options.StaticBlockSizeInBytes
	if blockSize == 0 {
		blockSize = DefaultStaticBlockSize
	}

	static, err := allocator.NewAtomicLinearAllocator(logger, allocator.LinearCreateOptions{
		BlockAllocator:    fixedBlocks{fixed: fixed},
		BlockSizeInBytes:  blockSize,
		ExpandDynamically: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the static string arena")
	}

	p := &Pool{
		logger:    logger,
		fixed:     fixed,
		static:    static,
		threshold: threshold,
		byContent: swiss.NewMap[string, *header](256),
		byID:      swiss.NewMap[uint32, *header](256),
		nextID:    1,
	}
	p.empty.flags.Store(flagStatic)

	return p, nil
}

// Empty returns the empty string handle
func (p *Pool) Empty() String {
	return String{pool: p, hdr: &p.empty}
}

// Create interns content and returns a handle to it. If the content is already interned, the existing
// buffer is shared. A static string is never counted or removed; requesting a static string for
// content that is already interned promotes the existing buffer.
func (p *Pool) Create(content []byte, static bool) (String, error) {
	if len(content) == 0 {
		return p.Empty(), nil
	}
	return p.create(unsafe.String(&content[0], len(content)), static)
}

// CreateString interns s. See Create.
func (p *Pool) CreateString(s string, static bool) (String, error) {
	if len(s) == 0 {
		return p.Empty(), nil
	}
	return p.create(s, static)
}

func (p *Pool) create(content string, static bool) (String, error) {
	if uint64(len(content)) > uint64(^uint32(0)) {
		return String{}, errors.Newf("string of %d bytes is too long to intern", len(content))
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	h, ok := p.byContent.Get(content)
	if ok {
		if static {
			h.markStatic()
		} else {
			p.acquire(h)
		}
		return String{pool: p, hdr: h}, nil
	}

	h, err := p.allocate(len(content), static)
	if err != nil {
		return String{}, err
	}

	h.id = p.nextID
	p.nextID++
	h.length = uint32(len(content))

	data := memutils.Bytes(unsafe.Add(unsafe.Pointer(h), headerBytes), len(content)+1)
	copy(data, content)
	data[len(content)] = 0

	if static {
		h.refs.Store(0)
	} else {
		h.refs.Store(1)
	}

	// The key views the buffer itself, so it stays valid exactly as long as the entry does
	p.byContent.Put(h.content(), h)
	p.byID.Put(h.id, h)
	p.createdCount.Add(1)

	return String{pool: p, hdr: h}, nil
}

func (p *Pool) allocate(length int, static bool) (*header, error) {
	size := headerBytes + length + 1

	var flags uint32
	var ptr unsafe.Pointer
	var err error
	if static && memutils.AlignUp(size, allocator.LinearMinimumAlignment)+memutils.DebugMargin <= p.static.BlockSize() {
		flags = flagStatic | flagArena
		ptr, err = p.static.Allocate(size)
	} else {
		if static {
			flags = flagStatic
		}
		ptr, err = p.fixed.AllocateFixed(size)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a buffer for a %d byte string", length)
	}

	h := (*header)(ptr)
	h.flags.Store(flags)
	return h, nil
}

// acquire adds a reference to h. The caller must hold a reference to h or the pool mutex.
func (p *Pool) acquire(h *header) {
	if h.isStatic() {
		return
	}

	refs := h.refs.Add(1)
	if refs >= p.threshold {
		h.markStatic()
	}
}

// release drops a reference to h, removing it from the pool if it was the last one
func (p *Pool) release(h *header) {
	if h.isStatic() {
		return
	}

	// h must not be read after the decrement unless it is still in the pool, since a racing
	// release may free it
	id := h.id
	refs := h.refs.Add(-1)
	memutils.Assert(refs >= 0, "string %d was released more often than it was referenced", id)
	if refs == 0 {
		p.tryRemove(id, h)
	}
}

// tryRemove removes h if it is still in the pool and nothing revived it since its count reached zero
func (p *Pool) tryRemove(id uint32, h *header) {
	p.mutex.Lock()

	cached, ok := p.byID.Get(id)
	if !ok || cached != h {
		// Another release already removed it
		p.mutex.Unlock()
		return
	}
	if h.isStatic() || h.refs.Load() != 0 {
		p.mutex.Unlock()
		return
	}

	removed := p.byContent.Delete(h.content())
	memutils.Assert(removed, "string %d is in the id cache but not the content cache", id)
	p.byID.Delete(id)
	p.removedCount.Add(1)
	p.mutex.Unlock()

	p.fixed.FreeFixed(unsafe.Pointer(h), h.footprint())
}

// Len returns the number of interned buffers, static or not
func (p *Pool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.byContent.Count()
}

// Lookup returns a new reference to s if it is interned, without interning it otherwise
func (p *Pool) Lookup(s string) (String, bool) {
	if len(s) == 0 {
		return p.Empty(), true
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	h, ok := p.byContent.Get(s)
	if !ok {
		return String{}, false
	}
	p.acquire(h)
	return String{pool: p, hdr: h}, true
}

// ByID returns a new reference to the string with the provided id, if it is still interned. The
// empty string has id 0.
func (p *Pool) ByID(id uint32) (String, bool) {
	if id == 0 {
		return p.Empty(), true
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	h, ok := p.byID.Get(id)
	if !ok {
		return String{}, false
	}
	p.acquire(h)
	return String{pool: p, hdr: h}, true
}

// RefCount returns the number of references to s's buffer. Static strings report zero.
func (p *Pool) RefCount(s String) int32 {
	if s.hdr == nil || s.hdr.isStatic() {
		return 0
	}
	return s.hdr.refs.Load()
}

// Validate checks the content cache and the id cache against each other. It must not race with any
// other call into the pool.
func (p *Pool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.byContent.Count() != p.byID.Count() {
		return errors.Newf("content cache holds %d strings but the id cache holds %d", p.byContent.Count(), p.byID.Count())
	}

	var err error
	p.byContent.Iter(func(content string, h *header) bool {
		cached, ok := p.byID.Get(h.id)
		switch {
		case !ok || cached != h:
			err = errors.Newf("string %d is in the content cache but not the id cache", h.id)
		case h.content() != content:
			err = errors.Newf("string %d is cached under the wrong content", h.id)
		case !h.isStatic() && h.refs.Load() <= 0:
			err = errors.Newf("string %d is cached with %d references", h.id, h.refs.Load())
		}
		return err != nil
	})
	return err
}

// BuildStatsString writes a json description of the pool's contents
func (p *Pool) BuildStatsString(writer *jwriter.Writer) {
	p.mutex.Lock()
	count := 0
	staticCount := 0
	bytes := 0
	p.byContent.Iter(func(_ string, h *header) bool {
		count++
		bytes += int(h.length)
		if h.isStatic() {
			staticCount++
		}
		return false
	})
	p.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Count").Int(count)
	obj.Name("StaticCount").Int(staticCount)
	obj.Name("ContentBytes").Int(bytes)
	obj.Name("CreatedTotal").Int(int(p.createdCount.Load()))
	obj.Name("RemovedTotal").Int(int(p.removedCount.Load()))
	obj.Name("StaticArenaBytes").Int(p.static.UsedBytes())
	obj.Name("PromotionThreshold").Int(int(p.threshold))
}

// Destroy releases every buffer and the static arena. It fails, logging each one, if any non-static
// string is still referenced; in that case nothing is released. Every handle created from the pool
// becomes invalid.
func (p *Pool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	leaked := false
	p.byContent.Iter(func(content string, h *header) bool {
		if !h.isStatic() {
			leaked = true
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED STRING] referenced string",
				slog.Int("id", int(h.id)),
				slog.Int("refs", int(h.refs.Load())),
				slog.String("content", content))
		}
		return false
	})
	if leaked {
		return errors.New("some strings were not released before the destruction of this pool!")
	}

	var fixedBuffers []*header
	p.byContent.Iter(func(_ string, h *header) bool {
		if h.flags.Load()&flagArena == 0 {
			fixedBuffers = append(fixedBuffers, h)
		}
		return false
	})
	p.byContent = swiss.NewMap[string, *header](16)
	p.byID = swiss.NewMap[uint32, *header](16)

	for _, h := range fixedBuffers {
		p.fixed.FreeFixed(unsafe.Pointer(h), h.footprint())
	}
	p.static.Destroy()

	return nil
}
